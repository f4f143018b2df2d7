// Package cpuid patches a vCPU's CPUID table before it boots, so an
// isle kernel sees a hypervisor and TSC deadline timer advertised and
// never walks into the architectural performance-monitoring leaf.
package cpuid

import "github.com/nmi/uhyve/kvm"

const (
	// hypervisorPresentBit is ECX bit 31 of leaf 1: set on every
	// hypervisor-exposed guest, per the x86 virtualization convention.
	hypervisorPresentBit = 31
	// tscDeadlineBit is ECX bit 24 of leaf 1, advertising the TSC
	// deadline APIC timer mode uhyve's vCPU setup always configures.
	tscDeadlineBit = 24
	// msrBit is EDX bit 5 of leaf 1, advertising RDMSR/WRMSR support.
	msrBit = 5
)

// Patch rewrites table in place: it sets the hypervisor-present,
// TSC-deadline-timer and MSR bits on the standard feature leaf, and zeroes the
// architectural performance-monitoring leaf so the guest does not try
// to program counters KVM does not virtualize for it.
func Patch(table *kvm.CPUID) {
	for i := range table.Entries[:table.Nent] {
		e := &table.Entries[i]

		switch e.Function {
		case kvm.CPUIDFuncFeatures:
			e.Ecx |= 1 << hypervisorPresentBit
			e.Ecx |= 1 << tscDeadlineBit
			e.Edx |= 1 << msrBit
		case kvm.CPUIDFuncPerfMon:
			e.Eax, e.Ebx, e.Ecx, e.Edx = 0, 0, 0, 0
		}
	}
}
