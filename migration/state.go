// Package migration implements uhyve's live-migration wire protocol: an
// unframed, strictly sequential stream of fixed-size records sent over a
// plain TCP connection, rather than a length-prefixed message format.
// Both sides already agree on NumCPUs and MemSize from the checkpoint
// config record sent first, so nothing after it needs a length prefix.
package migration

import (
	"github.com/nmi/uhyve/kvm"
)

// Port is the fixed TCP port a migration destination listens on.
const Port = 1337

// VCPUState is the complete architectural state of one vCPU, carried
// across a checkpoint or migration boundary in a single fixed-size
// record. Field order matches the order a vCPU applies them on
// restore: sregs, regs, MSRs, XCRS, MP state, LAPIC, FPU, XSave, then
// pending vCPU events last, since events (injected exceptions,
// interrupt-shadow) must not be clobbered by anything applied after
// them.
type VCPUState struct {
	Sregs   kvm.Sregs
	Regs    kvm.Regs
	MSRs    [kvm.NumSavedMSRs]uint64
	XCRS    kvm.XCRS
	MPState uint32
	LAPIC   kvm.LAPICState
	FPU     kvm.FPU
	XSave   kvm.XSave
	Events  kvm.VCPUEvents
}
