package vm

import (
	"fmt"

	"github.com/nmi/uhyve/kvm"
	"github.com/nmi/uhyve/probe"
)

// CapabilitySet records, once per VM at construction time, which KVM
// extensions the host actually supports. uhyve refuses to boot a guest
// on a host missing any of probe.Required; ClockStable additionally
// gates whether a checkpoint or migration's saved clock is restored.
type CapabilitySet struct {
	IRQChip          bool
	UserMemory       bool
	SetTSSAddr       bool
	MPState          bool
	IRQRouting       bool
	IRQFD            bool
	PIT2             bool
	VCPUEvents       bool
	XSave            bool
	XCRS             bool
	TSCDeadlineTimer bool
	VAPIC            bool

	// ClockStable reports whether KVM_CAP_ADJUST_CLOCK reports the
	// KVM_CLOCK_TSC_STABLE flag: without it, a restored Realtime/HostTSC
	// is meaningless and checkpoint/migration clock restore is skipped.
	ClockStable bool
}

// detectCapabilities queries every capability probe.Run reports on,
// failing closed if any required extension is absent.
func detectCapabilities(kvmFd uintptr) (CapabilitySet, error) {
	values := make(map[kvm.Capability]int, len(probe.Required))

	for _, cap := range probe.Required {
		v, err := kvm.CheckExtension(kvmFd, cap)
		if err != nil {
			return CapabilitySet{}, fmt.Errorf("checking %s: %w", cap, err)
		}

		if v == 0 {
			return CapabilitySet{}, fmt.Errorf("%w: %s", ErrCapabilityMissing, cap)
		}

		values[cap] = v
	}

	return CapabilitySet{
		IRQChip:          values[kvm.CapIRQChip] != 0,
		UserMemory:       values[kvm.CapUserMemory] != 0,
		SetTSSAddr:       values[kvm.CapSetTSSAddr] != 0,
		MPState:          values[kvm.CapMPState] != 0,
		IRQRouting:       values[kvm.CapIRQRouting] != 0,
		IRQFD:            values[kvm.CapIRQFD] != 0,
		PIT2:             values[kvm.CapPIT2] != 0,
		VCPUEvents:       values[kvm.CapVCPUEvents] != 0,
		XSave:            values[kvm.CapXSave] != 0,
		XCRS:             values[kvm.CapXCRS] != 0,
		TSCDeadlineTimer: values[kvm.CapTSCDeadlineTimer] != 0,
		VAPIC:            values[kvm.CapVAPIC] != 0,
		ClockStable:      values[kvm.CapAdjustClock]&kvm.ClockTSCStable != 0,
	}, nil
}
