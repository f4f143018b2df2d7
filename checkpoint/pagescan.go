package checkpoint

import (
	"encoding/binary"
	"io"

	"github.com/nmi/uhyve/paging"
)

func readEntry(mem []byte, addr uint64) paging.Entry {
	return paging.Entry(binary.LittleEndian.Uint64(mem[addr:]))
}

func writeEntry(mem []byte, addr uint64, e paging.Entry) {
	binary.LittleEndian.PutUint64(mem[addr:], uint64(e))
}

// scanPageTables walks the guest's 4-level page table rooted at
// pml4Addr, writing (PageTableEntry, page bytes) pairs for every leaf
// whose witness bit (ACCESSED for a full/first checkpoint, DIRTY for
// an incremental one) is set. Huge-page leaves are found at the PDE
// level; their serialized entry keeps the huge-page bit set so restore
// knows to read back LargePageSize bytes instead of BasePageSize.
//
// When incremental is true, the witness bits are cleared on the live
// entry immediately after it is recorded, so the next scan only finds
// pages touched since this one.
func scanPageTables(mem []byte, pml4Addr uint64, incremental, first bool, w io.Writer) error {
	witness := uint64(paging.FlagAccessed)
	if incremental && !first {
		witness = paging.FlagDirty
	}

	for pml4i := uint64(0); pml4i < 512; pml4i++ {
		pml4Slot := pml4Addr + pml4i*8

		pml4e := readEntry(mem, pml4Slot)
		if !pml4e.Present() {
			continue
		}

		if err := scanPDPTE(mem, pml4e.Address(), witness, incremental, w); err != nil {
			return err
		}
	}

	return nil
}

func scanPDPTE(mem []byte, pdpteAddr uint64, witness uint64, incremental bool, w io.Writer) error {
	for i := uint64(0); i < 512; i++ {
		slot := pdpteAddr + i*8

		e := readEntry(mem, slot)
		if !e.Present() {
			continue
		}

		if err := scanPDE(mem, e.Address(), witness, incremental, w); err != nil {
			return err
		}
	}

	return nil
}

func scanPDE(mem []byte, pdeAddr uint64, witness uint64, incremental bool, w io.Writer) error {
	for i := uint64(0); i < 512; i++ {
		slot := pdeAddr + i*8

		e := readEntry(mem, slot)
		if !e.Present() {
			continue
		}

		if e.HugePage() {
			if uint64(e)&witness == 0 {
				continue
			}

			if err := writePage(w, e, mem, e.Address(), paging.LargePageSize); err != nil {
				return err
			}

			if incremental {
				writeEntry(mem, slot, e.ClearAccessedDirty())
			}

			continue
		}

		if err := scanPTE(mem, e.Address(), witness, incremental, w); err != nil {
			return err
		}
	}

	return nil
}

func scanPTE(mem []byte, pteAddr uint64, witness uint64, incremental bool, w io.Writer) error {
	for i := uint64(0); i < 512; i++ {
		slot := pteAddr + i*8

		e := readEntry(mem, slot)
		if !e.Present() {
			continue
		}

		if uint64(e)&witness == 0 {
			continue
		}

		if err := writePage(w, e, mem, e.Address(), paging.BasePageSize); err != nil {
			return err
		}

		if incremental {
			writeEntry(mem, slot, e.ClearAccessedDirty())
		}
	}

	return nil
}

func writePage(w io.Writer, e paging.Entry, mem []byte, pageAddr uint64, size int) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(e))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	_, err := w.Write(mem[pageAddr : pageAddr+uint64(size)])

	return err
}

// restorePages reads (PageTableEntry, page bytes) tuples from r until
// EOF, writing each page's bytes back into mem at the entry's address.
func restorePages(r io.Reader, mem []byte) error {
	var hdr [8]byte

	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				return nil
			}

			return err
		}

		e := paging.Entry(binary.LittleEndian.Uint64(hdr[:]))

		size := paging.BasePageSize
		if e.HugePage() {
			size = paging.LargePageSize
		}

		if _, err := io.ReadFull(r, mem[e.Address():e.Address()+uint64(size)]); err != nil {
			return err
		}
	}
}
