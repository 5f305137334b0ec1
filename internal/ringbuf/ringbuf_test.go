package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestWriteThenReadIsLossless(t *testing.T) {
	t.Parallel()

	b := New[float32](8)
	b.Write([]float32{1, 2, 3})

	got, err := b.Read(b.Base(), b.Head())
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3}, got)
}

func TestWrapOverwritesOldest(t *testing.T) {
	t.Parallel()

	b := New[int](4)
	b.Write([]int{1, 2, 3, 4, 5, 6})

	require.Equal(t, uint64(2), b.Base())
	require.Equal(t, uint64(6), b.Head())
	require.Equal(t, 4, b.FillCount())

	got, err := b.Read(2, 6)
	require.NoError(t, err)
	require.Equal(t, []int{3, 4, 5, 6}, got)
}

func TestReadBelowBaseFails(t *testing.T) {
	t.Parallel()

	b := New[int](4)
	b.Write([]int{1, 2, 3, 4, 5})

	_, err := b.Read(0, 2)
	require.ErrorIs(t, err, ErrRangeEvicted)
}

func TestReadPastHeadFails(t *testing.T) {
	t.Parallel()

	b := New[int](4)
	b.Write([]int{1, 2})

	_, err := b.Read(0, 3)
	require.ErrorIs(t, err, ErrRangeEvicted)
}

func TestWriteLargerThanCapacityKeepsNewest(t *testing.T) {
	t.Parallel()

	b := New[int](3)
	b.Write([]int{1, 2, 3, 4, 5, 6, 7})

	got, err := b.Read(b.Base(), b.Head())
	require.NoError(t, err)
	require.Equal(t, []int{5, 6, 7}, got)
	require.Equal(t, uint64(7), b.Head())
}

func TestReadInto(t *testing.T) {
	t.Parallel()

	b := New[float32](8)
	b.Write([]float32{1, 2, 3, 4})

	out := make([]float32, 2)
	n, err := b.ReadInto(1, 3, out)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []float32{2, 3}, out)
}

func TestRepeatedReadIsStableUntilBaseAdvances(t *testing.T) {
	t.Parallel()

	b := New[int](4)
	b.Write([]int{1, 2, 3, 4})

	first, err := b.Read(0, 4)
	require.NoError(t, err)
	second, err := b.Read(0, 4)
	require.NoError(t, err)
	require.Equal(t, first, second)

	b.Write([]int{5})
	_, err = b.Read(0, 4)
	require.ErrorIs(t, err, ErrRangeEvicted)
}

func TestAdvanceBaseIsMonotonic(t *testing.T) {
	t.Parallel()

	b := New[int](8)
	b.Write([]int{1, 2, 3, 4, 5})

	b.AdvanceBase(3)
	require.Equal(t, uint64(3), b.Base())

	b.AdvanceBase(1)
	require.Equal(t, uint64(3), b.Base())

	b.AdvanceBase(100)
	require.Equal(t, b.Head(), b.Base())
}

func TestTime(t *testing.T) {
	t.Parallel()

	b := New[float32](32000)
	b.Write(make([]float32, 16000))
	require.InDelta(t, 1.0, b.Time(16000), 1e-9)
}

func TestResetRewindsPositions(t *testing.T) {
	t.Parallel()

	b := New[int](4)
	b.Write([]int{1, 2, 3})
	b.Reset()

	require.Equal(t, uint64(0), b.Base())
	require.Equal(t, uint64(0), b.Head())
	require.Equal(t, 0, b.FillCount())
}

func TestRetainedSuffixMatchesWritesRapid(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 64).Draw(t, "capacity")
		b := New[byte](capacity)

		var written []byte
		chunks := rapid.IntRange(0, 16).Draw(t, "chunks")
		for i := 0; i < chunks; i++ {
			chunk := rapid.SliceOfN(rapid.Byte(), 0, 96).Draw(t, "chunk")
			b.Write(chunk)
			written = append(written, chunk...)
		}

		require.Equal(t, uint64(len(written)), b.Head())
		require.LessOrEqual(t, b.FillCount(), capacity)

		got, err := b.Read(b.Base(), b.Head())
		require.NoError(t, err)
		require.Equal(t, written[b.Base():], got)
	})
}
