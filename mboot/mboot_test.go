package mboot

import "testing"

func TestInitAndReadBack(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 0x100000+0x6000)
	b := At(mem, 0x100000)

	b.Init(0x100000, 0x4000, 0x10000000, 2400)
	b.SetNumCPUs(4)
	b.EnableUART()
	b.SetNetwork([4]byte{10, 0, 2, 15}, [4]byte{10, 0, 2, 2}, [4]byte{255, 255, 255, 0})
	b.SetHostMemBase(0x7f0000000000)
	b.WriteKernelLog("booting\n")

	if got := b.getU32(offNumCPUs); got != 4 {
		t.Fatalf("numCPUs = %d, want 4", got)
	}

	if got := b.KernelLog(); got != "booting\n" {
		t.Fatalf("KernelLog = %q, want %q", got, "booting\n")
	}

	if got := b.getU32(offUhyve); got != 1 {
		t.Fatalf("uhyve announce flag = %d, want 1", got)
	}
}

func TestCPUOnlineStartupSync(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 0x6000)
	b := At(mem, 0)

	if b.CPUOnline() != 0 {
		t.Fatal("CPUOnline should start at 0")
	}

	b.SetCPUOnline(2)
	if b.CPUOnline() != 2 {
		t.Fatalf("CPUOnline = %d, want 2", b.CPUOnline())
	}

	b.AckCPUOnline(2)
	if got := b.getU32(offCPUOnlineAck); got != 2 {
		t.Fatalf("ack slot = %d, want 2", got)
	}
}
