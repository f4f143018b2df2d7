// Package hypercall decodes and dispatches the port-I/O hypercall
// protocol an isle kernel uses to ask its host for file I/O,
// networking, command-line data, and console output.
package hypercall

import "fmt"

// Port is one of the fixed I/O port addresses an isle kernel uses to
// issue a hypercall.
type Port uint16

// The full, authoritative set of hypercall ports. Every other port
// reached by a guest out/in instruction is a protocol violation.
const (
	PortWrite    Port = 0x400
	PortOpen     Port = 0x440
	PortClose    Port = 0x480
	PortRead     Port = 0x500
	PortExit     Port = 0x540
	PortLSeek    Port = 0x580
	PortNetInfo  Port = 0x600
	PortNetWrite Port = 0x640
	PortNetRead  Port = 0x680
	PortNetStat  Port = 0x700
	PortCmdSize  Port = 0x740
	PortCmdVal   Port = 0x780
	PortUART     Port = 0x800
)

func (p Port) String() string {
	switch p {
	case PortWrite:
		return "Write"
	case PortOpen:
		return "Open"
	case PortClose:
		return "Close"
	case PortRead:
		return "Read"
	case PortExit:
		return "Exit"
	case PortLSeek:
		return "LSeek"
	case PortNetInfo:
		return "NetInfo"
	case PortNetWrite:
		return "NetWrite"
	case PortNetRead:
		return "NetRead"
	case PortNetStat:
		return "NetStat"
	case PortCmdSize:
		return "CmdSize"
	case PortCmdVal:
		return "CmdVal"
	case PortUART:
		return "UART"
	default:
		return fmt.Sprintf("Port(%#x)", uint16(p))
	}
}

// ErrProtocol reports an out-of-protocol port I/O exit: a port outside
// the set above. The direction and operand size of the access are not
// checked.
type ErrProtocol struct {
	Port Port
}

func (e ErrProtocol) Error() string {
	return fmt.Sprintf("uhyve protocol violation on port %s", e.Port)
}
