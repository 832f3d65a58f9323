package device

import "fmt"

// Command is a single-byte opcode understood by the device.
type Command byte

const (
	CommandOn     Command = 'i'
	CommandOff    Command = 'o'
	CommandMode   Command = 'm'
	CommandLower  Command = 'l'
	CommandHigher Command = 'h'
)

func (c Command) String() string {
	switch c {
	case CommandOn:
		return "ON"
	case CommandOff:
		return "OFF"
	case CommandMode:
		return "MODE"
	case CommandLower:
		return "LOWER"
	case CommandHigher:
		return "HIGHER"
	default:
		return fmt.Sprintf("Command(%q)", byte(c))
	}
}
