package kvm

import "fmt"

// Capability identifies a KVM_CAP_* extension queried with
// KVM_CHECK_EXTENSION.
type Capability int

const (
	CapIRQChip          Capability = 0
	CapUserMemory       Capability = 3
	CapSetTSSAddr       Capability = 4
	CapMPState          Capability = 14
	CapIRQRouting       Capability = 25
	CapIRQFD            Capability = 32
	CapPIT2             Capability = 33
	CapVCPUEvents       Capability = 41
	CapXSave            Capability = 55
	CapXCRS             Capability = 56
	CapTSCDeadlineTimer Capability = 72
	CapAdjustClock      Capability = 39
	CapVAPIC            Capability = 6
)

var capabilityNames = map[Capability]string{
	CapIRQChip:          "CapIRQChip",
	CapUserMemory:       "CapUserMemory",
	CapSetTSSAddr:       "CapSetTSSAddr",
	CapMPState:          "CapMPState",
	CapIRQRouting:       "CapIRQRouting",
	CapIRQFD:            "CapIRQFD",
	CapPIT2:             "CapPIT2",
	CapVCPUEvents:       "CapVCPUEvents",
	CapXSave:            "CapXSave",
	CapXCRS:             "CapXCRS",
	CapTSCDeadlineTimer: "CapTSCDeadlineTimer",
	CapAdjustClock:      "CapAdjustClock",
	CapVAPIC:            "CapVAPIC",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Capability(%d)", int(c))
}

// CheckExtension issues KVM_CHECK_EXTENSION and returns the capability's
// value (0 = unsupported, nonzero = supported, meaning varies per
// capability — e.g. CapAdjustClock returns a bitmask of clock flags).
func CheckExtension(kvmFd uintptr, cap Capability) (int, error) {
	v, err := Ioctl(kvmFd, kvmCheckExtension, uintptr(cap))

	return int(v), err
}
