package cli

import (
	"errors"
	"fmt"
	"strings"
)

type Command string

const (
	CommandLive    Command = "live"
	CommandFile    Command = "file"
	CommandProbe   Command = "probe"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandLive:    {},
	CommandFile:    {},
	CommandProbe:   {},
	CommandVersion: {},
	CommandHelp:    {},
}

type Parsed struct {
	Command    Command
	ConfigPath string
	FilePath   string
	ShowHelp   bool
}

func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandHelp, ShowHelp: true}
	haveCommand := false

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			parsed.ShowHelp = true
			parsed.Command = CommandHelp
		case "--version":
			parsed.ShowHelp = false
			parsed.Command = CommandVersion
		case "--config":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--config requires a path")
			}
			parsed.ConfigPath = args[i]
		default:
			if strings.HasPrefix(arg, "-") {
				return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
			}

			if haveCommand {
				if parsed.Command == CommandFile && parsed.FilePath == "" {
					parsed.FilePath = arg
					continue
				}
				return Parsed{}, fmt.Errorf("unexpected argument %q", arg)
			}

			cmd := Command(arg)
			if _, ok := validCommands[cmd]; !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}

			parsed.Command = cmd
			parsed.ShowHelp = cmd == CommandHelp
			haveCommand = true
		}
	}

	if parsed.Command == CommandFile && parsed.FilePath == "" {
		return Parsed{}, errors.New("file command requires a WAV path")
	}

	return parsed, nil
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [--config PATH] <command>

Commands:
  live         Transcribe the configured capture source until interrupted
  file PATH    Transcribe a 16 kHz mono WAV file
  probe        Check config, model files, and vocabulary
  version      Print version information
  help         Show this help

Flags:
  --config PATH   Config file path (default: $XDG_CONFIG_HOME/skald/config.json)
  -h, --help      Show help
  --version       Show version
`, binaryName)
}
