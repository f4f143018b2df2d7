package checkpoint

import (
	"bytes"
	"testing"

	"github.com/nmi/uhyve/paging"
)

// buildGuest lays out identity page tables for a memSize-byte guest at
// the fixed boot addresses and returns the backing buffer (the PML4
// sits at paging.BootPML4), mirroring how uhyve's own boot sequence populates memory.
func buildGuest(t *testing.T, memSize uint64) []byte {
	t.Helper()

	pml4, pdpte, pde := paging.Identity(memSize)

	memEnd := paging.BootPDE + uint64(len(pde))*4096
	if memSize > memEnd {
		memEnd = memSize
	}

	mem := make([]byte, memEnd)
	copy(mem[paging.BootPML4:], pml4.Bytes())
	copy(mem[paging.BootPDPTE:], pdpte.Bytes())

	for i, pg := range pde {
		copy(mem[paging.BootPDE+uint64(i)*4096:], pg.Bytes())
	}

	return mem
}

func markAccessed(mem []byte, pageAddr uint64) {
	pml4e := readEntry(mem, paging.BootPML4)
	g := pageAddr / paging.LargePageSize / 512
	i := (pageAddr / paging.LargePageSize) % 512

	pdpte := readEntry(mem, pml4e.Address()+g*8)
	slot := pdpte.Address() + i*8
	e := readEntry(mem, slot)
	writeEntry(mem, slot, paging.NewEntry(e.Address(), paging.FlagPresent|paging.FlagWritable|paging.FlagHugePage|paging.FlagAccessed))
}

func TestScanFullCheckpointCapturesAccessedPages(t *testing.T) {
	t.Parallel()

	memSize := uint64(4 * 1024 * 1024) // 2 large pages
	mem := buildGuest(t, memSize)

	markAccessed(mem, 0)
	markAccessed(mem, paging.LargePageSize)

	pml4Addr := uint64(paging.BootPML4)

	var buf bytes.Buffer
	if err := scanPageTables(mem, pml4Addr, false, true, &buf); err != nil {
		t.Fatalf("scanPageTables: %v", err)
	}

	if buf.Len() == 0 {
		t.Fatal("expected scan output, got none")
	}

	// two large-page records: 8 byte header + 2 MiB data each
	wantLen := 2 * (8 + paging.LargePageSize)
	if buf.Len() != wantLen {
		t.Fatalf("scan output length = %d, want %d", buf.Len(), wantLen)
	}
}

func TestRestorePagesRoundTrip(t *testing.T) {
	t.Parallel()

	// Use the second 2 MiB page so the pattern write below does not
	// clobber the boot page tables, which live inside the first page.
	memSize := uint64(4 * 1024 * 1024)
	src := buildGuest(t, memSize)

	pml4Addr := uint64(paging.BootPML4)
	markAccessed(src, paging.LargePageSize)

	page := src[paging.LargePageSize : 2*paging.LargePageSize]
	for i := range page {
		page[i] = byte(i)
	}

	var buf bytes.Buffer
	if err := scanPageTables(src, pml4Addr, false, true, &buf); err != nil {
		t.Fatalf("scanPageTables: %v", err)
	}

	dst := buildGuest(t, memSize)

	if err := restorePages(&buf, dst); err != nil {
		t.Fatalf("restorePages: %v", err)
	}

	want := src[paging.LargePageSize : 2*paging.LargePageSize]
	got := dst[paging.LargePageSize : 2*paging.LargePageSize]

	if !bytes.Equal(got, want) {
		t.Fatal("restored page does not match source page")
	}
}

func TestIncrementalScanClearsWitnessBits(t *testing.T) {
	t.Parallel()

	memSize := uint64(2 * 1024 * 1024)
	mem := buildGuest(t, memSize)
	markAccessed(mem, 0)

	var first bytes.Buffer
	if err := scanPageTables(mem, paging.BootPML4, true, true, &first); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	if first.Len() == 0 {
		t.Fatal("expected first incremental scan to find the accessed page")
	}

	var second bytes.Buffer
	if err := scanPageTables(mem, paging.BootPML4, true, false, &second); err != nil {
		t.Fatalf("second scan: %v", err)
	}

	if second.Len() != 0 {
		t.Fatal("second incremental scan should find no dirty pages after the witness bit was cleared")
	}
}
