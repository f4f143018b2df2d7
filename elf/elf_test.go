package elf

import (
	"bytes"
	"encoding/binary"
	"testing"
)

const (
	ehsize = 64
	phsize = 56
)

// buildELF assembles a minimal valid ELF64 executable: one PT_LOAD
// segment containing payload, loaded at paddr, with entry point
// paddr. class/osabi/typ/machine override the corresponding
// header fields so invalid-input tests can corrupt exactly one field.
func buildELF(t *testing.T, class, osabi byte, typ, machine uint16, paddr uint64, payload []byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', class, 1 /* little endian */, 1 /* version */, osabi}
	buf.Write(ident[:])

	binary.Write(&buf, binary.LittleEndian, typ)
	binary.Write(&buf, binary.LittleEndian, machine)
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // version
	binary.Write(&buf, binary.LittleEndian, uint64(paddr))          // entry
	binary.Write(&buf, binary.LittleEndian, uint64(ehsize))         // phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))              // shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))              // flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))         // ehsize
	binary.Write(&buf, binary.LittleEndian, uint16(phsize))         // phentsize
	binary.Write(&buf, binary.LittleEndian, uint16(1))              // phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))              // shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))              // shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))              // shstrndx

	dataOff := uint64(ehsize + phsize)

	binary.Write(&buf, binary.LittleEndian, uint32(1)) // p_type = PT_LOAD
	binary.Write(&buf, binary.LittleEndian, uint32(7)) // p_flags = RWX
	binary.Write(&buf, binary.LittleEndian, dataOff)   // p_offset
	binary.Write(&buf, binary.LittleEndian, paddr)     // p_vaddr
	binary.Write(&buf, binary.LittleEndian, paddr)     // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload)))   // p_filesz
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload)+8)) // p_memsz (trailing zero-fill)
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))         // p_align

	buf.Write(payload)

	return buf.Bytes()
}

func TestLoadValidKernel(t *testing.T) {
	t.Parallel()

	const paddr = 0x100000

	payload := []byte{0xc3, 0x90, 0x90, 0x90}
	img := buildELF(t, 2, 0x42, 2 /* ET_EXEC */, 0x3e /* EM_X86_64 */, paddr, payload)

	mem := make([]byte, 2*1024*1024)

	loaded, err := Load(bytes.NewReader(img), mem)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Entry != paddr {
		t.Fatalf("Entry = %#x, want %#x", loaded.Entry, paddr)
	}

	if loaded.LowestAddr != paddr {
		t.Fatalf("LowestAddr = %#x, want %#x", loaded.LowestAddr, paddr)
	}

	if !bytes.Equal(mem[paddr:paddr+len(payload)], payload) {
		t.Fatal("segment payload not copied into guest memory")
	}

	for i := paddr + uint64(len(payload)); i < paddr+uint64(len(payload))+8; i++ {
		if mem[i] != 0 {
			t.Fatalf("byte at %#x not zero-filled", i)
		}
	}
}

func TestLoadRejectsWrongClass(t *testing.T) {
	t.Parallel()

	img := buildELF(t, 1 /* ELFCLASS32 */, 0x42, 2, 0x3e, 0x1000, []byte{0x90})
	mem := make([]byte, 1<<20)

	if _, err := Load(bytes.NewReader(img), mem); err == nil {
		t.Fatal("expected error loading 32-bit ELF")
	}
}

func TestLoadRejectsWrongOSABI(t *testing.T) {
	t.Parallel()

	img := buildELF(t, 2, 0x00, 2, 0x3e, 0x1000, []byte{0x90})
	mem := make([]byte, 1<<20)

	if _, err := Load(bytes.NewReader(img), mem); err == nil {
		t.Fatal("expected error loading ELF with wrong OSABI")
	}
}

func TestLoadRejectsWrongType(t *testing.T) {
	t.Parallel()

	img := buildELF(t, 2, 0x42, 3 /* ET_DYN */, 0x3e, 0x1000, []byte{0x90})
	mem := make([]byte, 1<<20)

	if _, err := Load(bytes.NewReader(img), mem); err == nil {
		t.Fatal("expected error loading non-EXEC ELF")
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	t.Parallel()

	img := buildELF(t, 2, 0x42, 2, 0x03 /* EM_386 */, 0x1000, []byte{0x90})
	mem := make([]byte, 1<<20)

	if _, err := Load(bytes.NewReader(img), mem); err == nil {
		t.Fatal("expected error loading non-x86-64 ELF")
	}
}
