package cpuid

import (
	"testing"

	"github.com/nmi/uhyve/kvm"
)

func TestPatchSetsFeatureBits(t *testing.T) {
	t.Parallel()

	table := &kvm.CPUID{Nent: 1}
	table.Entries[0].Function = kvm.CPUIDFuncFeatures

	Patch(table)

	e := table.Entries[0]
	if e.Ecx&(1<<hypervisorPresentBit) == 0 {
		t.Error("hypervisor-present bit not set")
	}

	if e.Ecx&(1<<tscDeadlineBit) == 0 {
		t.Error("tsc-deadline bit not set")
	}
}

func TestPatchZeroesPerfMonLeaf(t *testing.T) {
	t.Parallel()

	table := &kvm.CPUID{Nent: 1}
	table.Entries[0].Function = kvm.CPUIDFuncPerfMon
	table.Entries[0].Eax = 0xff
	table.Entries[0].Edx = 0xff

	Patch(table)

	e := table.Entries[0]
	if e.Eax != 0 || e.Ebx != 0 || e.Ecx != 0 || e.Edx != 0 {
		t.Errorf("perfmon leaf not zeroed: %+v", e)
	}
}

func TestPatchLeavesOtherLeavesAlone(t *testing.T) {
	t.Parallel()

	table := &kvm.CPUID{Nent: 1}
	table.Entries[0].Function = 0x02
	table.Entries[0].Eax = 0x1234

	Patch(table)

	if table.Entries[0].Eax != 0x1234 {
		t.Error("unrelated leaf was modified")
	}
}
