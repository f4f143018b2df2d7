package hypercall

import (
	"encoding/binary"
	"errors"
)

// ErrOutOfBounds is returned whenever a guest-supplied address or
// length would read or write outside guest memory. It never reaches
// the guest as a host-side error: callers degrade it to the port's own
// negative-return convention.
var ErrOutOfBounds = errors.New("hypercall: guest pointer out of bounds")

// block is a bounds-checked view over an argument structure living in
// guest memory at a guest-physical address. All unsafe indexing into
// guest memory from hypercall handling is confined to this type.
type block struct {
	mem  []byte
	base uint64
	size uint64
}

// newBlock bounds-checks [addr, addr+size) against mem before allowing
// any field access.
func newBlock(mem []byte, addr, size uint64) (block, error) {
	if addr+size < addr || addr+size > uint64(len(mem)) {
		return block{}, ErrOutOfBounds
	}

	return block{mem: mem, base: addr, size: size}, nil
}

func (b block) u32(off uint64) uint32 {
	return binary.LittleEndian.Uint32(b.mem[b.base+off:])
}

func (b block) putU32(off uint64, v uint32) {
	binary.LittleEndian.PutUint32(b.mem[b.base+off:], v)
}

func (b block) i32(off uint64) int32 { return int32(b.u32(off)) }

func (b block) putI32(off uint64, v int32) { b.putU32(off, uint32(v)) }

func (b block) u64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(b.mem[b.base+off:])
}

func (b block) putU64(off uint64, v uint64) {
	binary.LittleEndian.PutUint64(b.mem[b.base+off:], v)
}

func (b block) i64(off uint64) int64 { return int64(b.u64(off)) }

func (b block) putI64(off uint64, v int64) { b.putU64(off, uint64(v)) }

// guestBuf resolves a guest-physical pointer/length pair carried inside
// this block into a bounds-checked byte slice directly backed by guest
// memory.
func (b block) guestBuf(ptrOff, length uint64) ([]byte, error) {
	addr := b.u64(ptrOff)
	if addr+length < addr || addr+length > uint64(len(b.mem)) {
		return nil, ErrOutOfBounds
	}

	return b.mem[addr : addr+length], nil
}

// guestCString reads a NUL-terminated string starting at the
// guest-physical address stored at ptrOff, scanning at most max bytes.
func (b block) guestCString(ptrOff uint64, max uint64) (string, error) {
	addr := b.u64(ptrOff)
	if addr > uint64(len(b.mem)) {
		return "", ErrOutOfBounds
	}

	end := addr + max
	if end > uint64(len(b.mem)) {
		end = uint64(len(b.mem))
	}

	n := uint64(0)
	for addr+n < end && b.mem[addr+n] != 0 {
		n++
	}

	return string(b.mem[addr : addr+n]), nil
}

// putCString writes s followed by a NUL terminator into a preallocated
// guest buffer at the guest-physical address stored at ptrOff.
func (b block) putCString(ptrOff uint64, s string) error {
	addr := b.u64(ptrOff)
	if addr+uint64(len(s))+1 < addr || addr+uint64(len(s))+1 > uint64(len(b.mem)) {
		return ErrOutOfBounds
	}

	n := copy(b.mem[addr:], s)
	b.mem[addr+uint64(n)] = 0

	return nil
}
