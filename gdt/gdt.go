// Package gdt builds the three-entry Global Descriptor Table an isle
// kernel expects at boot, and projects those descriptors into the
// kvm.Segment form vCPU register setup needs.
package gdt

import "github.com/nmi/uhyve/kvm"

// Fixed selector indices into the boot GDT.
const (
	NullSegment = 0
	CodeSegment = 1
	DataSegment = 2
)

// Entry is a packed 64-bit x86 segment descriptor.
type Entry uint64

// New builds a descriptor from its access byte (present/DPL/type,
// placed at bits 40-47 of the raw descriptor) combined with base and
// limit. The G/DB/L flags nibble (bits 52-55) is not set here; callers
// OR it in, as Boot does. Matches the bit layout of a standard GDT entry.
func New(flags uint8, base, limit uint32) Entry {
	var e uint64

	e |= uint64(limit) & 0xffff
	e |= (uint64(limit) >> 16 & 0xf) << 48

	e |= (uint64(base) & 0xff_ffff) << 16
	e |= (uint64(base) >> 24 & 0xff) << 56

	e |= uint64(flags) << 40

	return Entry(e)
}

// limit returns the raw 20-bit limit field, expanded by G if set.
func (e Entry) limit() uint32 {
	raw := uint32(e&0xffff) | uint32((e>>48)&0xf)<<16
	if e.granularity() {
		return raw<<12 | 0xfff
	}

	return raw
}

func (e Entry) base() uint32 {
	return uint32((e>>16)&0xff_ffff) | uint32((e>>56)&0xff)<<24
}

func (e Entry) accessByte() uint8  { return uint8(e >> 40) }
func (e Entry) flagsNibble() uint8 { return uint8(e>>52) & 0xf }

func (e Entry) present() bool     { return e.accessByte()&0x80 != 0 }
func (e Entry) dpl() uint8        { return (e.accessByte() >> 5) & 0x3 }
func (e Entry) executable() bool  { return e.accessByte()&0x08 != 0 }
func (e Entry) db() bool          { return e.flagsNibble()&0x4 != 0 }
func (e Entry) longMode() bool    { return e.flagsNibble()&0x2 != 0 }
func (e Entry) granularity() bool { return e.flagsNibble()&0x8 != 0 }

// Table is the three-entry boot GDT: null, 64-bit code, and data.
type Table [3]Entry

// Boot builds the fixed boot-time GDT: a null descriptor, a 64-bit
// code segment (access 0x9b, flags nibble 0xA -> long mode, no DB),
// and a flat data segment (access 0x93, flags nibble 0xC -> 4 KiB
// granularity, 32-bit).
func Boot() Table {
	return Table{
		NullSegment: New(0x00, 0, 0),
		CodeSegment: New(0x9b, 0, 0xfffff) | Entry(0xa)<<52,
		DataSegment: New(0x93, 0, 0xfffff) | Entry(0xc)<<52,
	}
}

// Bytes renders the table into guest-memory byte form for BootGDT.
func (t Table) Bytes() []byte {
	buf := make([]byte, len(t)*8)
	for i, e := range t {
		v := uint64(e)
		buf[i*8+0] = byte(v)
		buf[i*8+1] = byte(v >> 8)
		buf[i*8+2] = byte(v >> 16)
		buf[i*8+3] = byte(v >> 24)
		buf[i*8+4] = byte(v >> 32)
		buf[i*8+5] = byte(v >> 40)
		buf[i*8+6] = byte(v >> 48)
		buf[i*8+7] = byte(v >> 56)
	}

	return buf
}

// Segment projects a GDT entry into the kvm.Segment form expected by
// KVM_SET_SREGS, with the given selector (index << 3).
func (e Entry) Segment(selector uint16) kvm.Segment {
	present := uint8(0)
	if e.present() {
		present = 1
	}

	db := uint8(0)
	if e.db() {
		db = 1
	}

	l := uint8(0)
	if e.longMode() {
		l = 1
	}

	g := uint8(0)
	if e.granularity() {
		g = 1
	}

	typ := e.accessByte() & 0xf

	return kvm.Segment{
		Base:     uint64(e.base()),
		Limit:    e.limit(),
		Selector: selector,
		Typ:      typ,
		Present:  present,
		DPL:      e.dpl(),
		DB:       db,
		S:        1,
		L:        l,
		G:        g,
	}
}

// CodeSelector and DataSelector are the GDT selectors (index << 3) for
// the two boot segments, used for cs/ss respectively.
const (
	CodeSelector = CodeSegment << 3
	DataSelector = DataSegment << 3
)
