package fsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionHappyPath(t *testing.T) {
	s := StateIdle

	next, err := Transition(s, EventStart)
	require.NoError(t, err)
	require.Equal(t, StateRunning, next)

	next, err = Transition(next, EventStop)
	require.NoError(t, err)
	require.Equal(t, StateDraining, next)

	next, err = Transition(next, EventDrained)
	require.NoError(t, err)
	require.Equal(t, StateIdle, next)
}

func TestTransitionFailFromAnyStateGoesError(t *testing.T) {
	states := []State{StateIdle, StateRunning, StateDraining, StateError}
	for _, state := range states {
		next, err := Transition(state, EventFail)
		require.NoError(t, err)
		require.Equal(t, StateError, next)
	}
}

func TestTransitionMatrixInvalidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		state   State
		event   Event
		want    State
		wantErr bool
	}{
		{name: "idle stop invalid", state: StateIdle, event: EventStop, want: StateIdle, wantErr: true},
		{name: "idle drained invalid", state: StateIdle, event: EventDrained, want: StateIdle, wantErr: true},
		{name: "running start invalid", state: StateRunning, event: EventStart, want: StateRunning, wantErr: true},
		{name: "running drained invalid", state: StateRunning, event: EventDrained, want: StateRunning, wantErr: true},
		{name: "draining start invalid", state: StateDraining, event: EventStart, want: StateDraining, wantErr: true},
		{name: "draining stop invalid", state: StateDraining, event: EventStop, want: StateDraining, wantErr: true},
		{name: "error start invalid", state: StateError, event: EventStart, want: StateError, wantErr: true},
		{name: "error stop invalid", state: StateError, event: EventStop, want: StateError, wantErr: true},
		{name: "error reset valid", state: StateError, event: EventReset, want: StateIdle, wantErr: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next, err := Transition(tc.state, tc.event)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.want, next)
		})
	}
}

func TestTransitionUnknownState(t *testing.T) {
	_, err := Transition(State("bogus"), EventStart)
	require.Error(t, err)
}
