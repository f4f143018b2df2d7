// Package memory manages the single contiguous host mapping that backs
// an isle's guest-physical address space, including the 32-bit MMIO gap
// reserved just below the 4 GiB boundary on large guests.
package memory

import (
	"errors"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrNotEnoughMemory is returned when the host mmap backing guest RAM
// could not be established.
var ErrNotEnoughMemory = errors.New("not enough memory")

const (
	gib = 1 << 30
	mib = 1 << 20

	// GapStart is the guest-physical address where the 32-bit MMIO gap
	// begins, 3.25 GiB.
	GapStart = 3*gib + 256*mib
	// GapEnd is the guest-physical address where the MMIO gap ends, the
	// 4 GiB boundary.
	GapEnd = 4 * gib
	gapLen = GapEnd - GapStart
)

// Poison fills memory outside the loaded kernel so that a stray guest
// jump into empty RAM traps immediately instead of executing zero bytes
// as a long run of ADD instructions.
//
// mov eax, 0xcafebabe; nop; ud2
const Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

// GuestMemory is a contiguous host mapping backing guest physical
// addresses [0, Len()). When Len() exceeds GapStart, the byte range
// [GapStart, GapEnd) is reserved as the MMIO gap and carries no host
// access permission; host bytes beyond GapEnd back guest-physical
// addresses continuing at GapEnd, i.e. the mapping is gapLen
// (GapEnd-GapStart, 768 MiB) longer than the requested guest size
// whenever the gap is present.
type GuestMemory struct {
	buf  []byte
	size uint64
}

// New mmaps a host mapping large enough to back size bytes of guest
// physical memory, reserving the MMIO gap when size crosses GapStart.
func New(size uint64) (*GuestMemory, error) {
	mapLen := size
	if size > GapStart {
		mapLen = size + gapLen
	}

	buf, err := syscall.Mmap(-1, 0, int(mapLen), syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, ErrNotEnoughMemory
	}

	if size > GapStart {
		if err := unix.Mprotect(buf[GapStart:GapStart+gapLen], unix.PROT_NONE); err != nil {
			_ = syscall.Munmap(buf)

			return nil, ErrNotEnoughMemory
		}
	}

	poison(buf, size)

	return &GuestMemory{buf: buf, size: size}, nil
}

// poison fills the whole mapping outside the MMIO gap with the trap
// pattern, starting at guest-physical 0; the ELF segments and the fixed
// boot structures are copied over it afterwards.
func poison(buf []byte, size uint64) {
	start := uint64(0)
	if size > GapStart {
		for i := start; i+uint64(len(Poison)) <= GapStart; i += uint64(len(Poison)) {
			copy(buf[i:], Poison)
		}

		for i := GapEnd; i+uint64(len(Poison)) <= uint64(len(buf)); i += uint64(len(Poison)) {
			copy(buf[i:], Poison)
		}

		return
	}

	for i := start; i+uint64(len(Poison)) <= size; i += uint64(len(Poison)) {
		copy(buf[i:], Poison)
	}
}

// Len returns the guest-physical memory size in bytes, not counting the
// host-side MMIO gap padding.
func (m *GuestMemory) Len() uint64 {
	return m.size
}

// AsSlice returns the full host mapping, including the unusable MMIO
// gap range when present. Callers indexing guest-physical addresses
// directly (paging, ELF loading, hypercall argument access) use this.
func (m *GuestMemory) AsSlice() []byte {
	return m.buf
}

// Ptr returns a pointer to guest-physical address 0.
func (m *GuestMemory) Ptr() unsafe.Pointer {
	if len(m.buf) == 0 {
		return nil
	}

	return unsafe.Pointer(&m.buf[0])
}

// HasGap reports whether this mapping reserves the 32-bit MMIO gap.
func (m *GuestMemory) HasGap() bool {
	return m.size > GapStart
}

// Close unmaps the host memory backing the guest.
func (m *GuestMemory) Close() error {
	if m.buf == nil {
		return nil
	}

	err := syscall.Munmap(m.buf)
	m.buf = nil

	return err
}
