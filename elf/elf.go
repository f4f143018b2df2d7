// Package elf loads a 64-bit isle kernel image into guest memory.
package elf

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
)

// osabiUhyve is the OS/ABI byte a uhyve-compatible kernel declares in its
// ELF header. It has no standard name in debug/elf.
const osabiUhyve = 0x42

// ErrInvalidFile is returned when the kernel image does not match the
// class/OSABI/type/machine an isle kernel requires.
var ErrInvalidFile = errors.New("invalid kernel file")

// Loaded describes a kernel image after it has been copied into guest
// memory.
type Loaded struct {
	// Entry is the guest virtual address execution should begin at.
	Entry uint64
	// LowestAddr is the physical address of the lowest PT_LOAD segment,
	// where the multiboot info block is written.
	LowestAddr uint64
	// Size is the total number of bytes spanned from LowestAddr to the
	// end of the highest PT_LOAD segment.
	Size uint64
}

// Load validates kernel as a uhyve-compatible 64-bit ELF executable and
// copies every PT_LOAD segment into mem at its physical address,
// zero-filling the portion of each segment beyond its file contents.
func Load(r io.ReaderAt, mem []byte) (Loaded, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return Loaded{}, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return Loaded{}, fmt.Errorf("%w: class %s, want ELFCLASS64", ErrInvalidFile, f.Class)
	}

	if uint8(f.OSABI) != osabiUhyve {
		return Loaded{}, fmt.Errorf("%w: osabi %#x, want %#x", ErrInvalidFile, uint8(f.OSABI), osabiUhyve)
	}

	if f.Type != elf.ET_EXEC {
		return Loaded{}, fmt.Errorf("%w: type %s, want ET_EXEC", ErrInvalidFile, f.Type)
	}

	if f.Machine != elf.EM_X86_64 {
		return Loaded{}, fmt.Errorf("%w: machine %s, want EM_X86_64", ErrInvalidFile, f.Machine)
	}

	var (
		lowest  = ^uint64(0)
		highest uint64
		found   bool
	)

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		found = true

		if p.Paddr < lowest {
			lowest = p.Paddr
		}

		if end := p.Paddr + p.Memsz; end > highest {
			highest = end
		}

		if p.Paddr+p.Memsz > uint64(len(mem)) {
			return Loaded{}, fmt.Errorf("%w: segment at %#x+%#x exceeds guest memory", ErrInvalidFile, p.Paddr, p.Memsz)
		}

		n, err := p.ReadAt(mem[p.Paddr:p.Paddr+p.Filesz], 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return Loaded{}, fmt.Errorf("reading PT_LOAD segment: %w", err)
		}

		if uint64(n) != p.Filesz {
			return Loaded{}, fmt.Errorf("reading PT_LOAD segment: got %d bytes, want %d", n, p.Filesz)
		}

		for i := p.Paddr + p.Filesz; i < p.Paddr+p.Memsz; i++ {
			mem[i] = 0
		}
	}

	if !found {
		return Loaded{}, fmt.Errorf("%w: no PT_LOAD segments", ErrInvalidFile)
	}

	return Loaded{Entry: f.Entry, LowestAddr: lowest, Size: highest - lowest}, nil
}
