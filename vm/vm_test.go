package vm

import (
	"os"
	"testing"

	"github.com/nmi/uhyve/config"
	"github.com/nmi/uhyve/memory"
)

func TestInitialRSPBelowGapWhenGapped(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(memory.GapStart + 512<<20)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer mem.Close()

	got := initialRSP(mem)
	want := memory.GapStart - stackReserve

	if got != want {
		t.Fatalf("initialRSP() = %#x, want %#x", got, want)
	}
}

func TestInitialRSPBelowMemSizeWhenUngapped(t *testing.T) {
	t.Parallel()

	const size = 64 << 20

	mem, err := memory.New(size)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer mem.Close()

	got := initialRSP(mem)
	want := uint64(size) - stackReserve

	if got != want {
		t.Fatalf("initialRSP() = %#x, want %#x", got, want)
	}
}

func TestMemoryRegionsSingleSlotWhenUngapped(t *testing.T) {
	t.Parallel()

	const size = 64 << 20

	mem, err := memory.New(size)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer mem.Close()

	regions := memoryRegions(mem)
	if len(regions) != 1 {
		t.Fatalf("len(regions) = %d, want 1", len(regions))
	}

	if regions[0].GuestPhysAddr != 0 || regions[0].MemorySize != size {
		t.Fatalf("region = %+v, want GuestPhysAddr=0 MemorySize=%#x", regions[0], uint64(size))
	}
}

func TestMemoryRegionsTwoSlotsAroundGap(t *testing.T) {
	t.Parallel()

	size := uint64(memory.GapStart + 512<<20)

	mem, err := memory.New(size)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer mem.Close()

	regions := memoryRegions(mem)
	if len(regions) != 2 {
		t.Fatalf("len(regions) = %d, want 2", len(regions))
	}

	if regions[0].GuestPhysAddr != 0 || regions[0].MemorySize != memory.GapStart {
		t.Fatalf("region 0 = %+v, want GuestPhysAddr=0 MemorySize=%#x", regions[0], uint64(memory.GapStart))
	}

	if regions[1].Slot != 1 || regions[1].GuestPhysAddr != memory.GapEnd {
		t.Fatalf("region 1 = %+v, want Slot=1 GuestPhysAddr=%#x", regions[1], uint64(memory.GapEnd))
	}

	wantSize := size - memory.GapStart
	if regions[1].MemorySize != wantSize {
		t.Fatalf("region 1 MemorySize = %#x, want %#x", regions[1].MemorySize, wantSize)
	}
}

func TestMemorySegmentsTotalMemSize(t *testing.T) {
	t.Parallel()

	size := uint64(memory.GapStart + 512<<20)

	mem, err := memory.New(size)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer mem.Close()

	segs := memorySegments(mem)
	if len(segs) != 2 {
		t.Fatalf("len(segs) = %d, want 2", len(segs))
	}

	var total int
	for _, s := range segs {
		total += len(s)
	}

	if uint64(total) != mem.Len() {
		t.Fatalf("total segment bytes = %d, want %d", total, mem.Len())
	}
}

func TestBootRejectsMissingKernel(t *testing.T) {
	t.Parallel()

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("skipping: /dev/kvm not available: %v", err)
	}

	_, err := Boot(config.Config{NCPUs: 1, Memory: 16 << 20})
	if err == nil {
		t.Fatal("expected an error booting without a kernel")
	}
}

func TestCloseIsSafeOnZeroValueVM(t *testing.T) {
	t.Parallel()

	v := &VM{}
	if err := v.Close(); err != nil {
		t.Fatalf("Close on zero-value VM: %v", err)
	}
}
