package kvm

import "unsafe"

const (
	nrGetRegs  = 0x81
	nrSetRegs  = 0x82
	nrGetSregs = 0x83
	nrSetSregs = 0x84
	nrGetFPU   = 0x8c
	nrSetFPU   = 0x8d
)

var (
	kvmGetRegs  = IIOR(nrGetRegs, unsafe.Sizeof(Regs{}))
	kvmSetRegs  = IIOW(nrSetRegs, unsafe.Sizeof(Regs{}))
	kvmGetSregs = IIOR(nrGetSregs, unsafe.Sizeof(Sregs{}))
	kvmSetSregs = IIOW(nrSetSregs, unsafe.Sizeof(Sregs{}))
	kvmGetFPU   = IIOR(nrGetFPU, unsafe.Sizeof(FPU{}))
	kvmSetFPU   = IIOW(nrSetFPU, unsafe.Sizeof(FPU{}))
)

const numInterrupts = 0x100

// Regs holds the general-purpose registers of a vCPU.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// Segment is an x86 segment descriptor as understood by KVM_{GET,SET}_SREGS.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor describes the GDTR/IDTR pseudo-descriptor.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs holds the segment and control registers of a vCPU.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// FPU holds the x87/SSE floating-point state of a vCPU.
type FPU struct {
	FPR        [8][16]uint8
	FCW        uint16
	FSW        uint16
	FTWX       uint8
	_          uint8
	LastOpcode uint16
	LastIP     uint64
	LastDP     uint64
	XMM        [16][16]uint8
	MXCSR      uint32
	_          uint32
}

// GetRegs reads the general-purpose registers of a vCPU.
func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	_, err := Ioctl(vcpuFd, kvmGetRegs, uintptr(unsafe.Pointer(regs)))

	return regs, err
}

// SetRegs writes the general-purpose registers of a vCPU.
func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := Ioctl(vcpuFd, kvmSetRegs, uintptr(unsafe.Pointer(regs)))

	return err
}

// GetSregs reads the segment/control registers of a vCPU.
func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := Ioctl(vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(sregs)))

	return sregs, err
}

// SetSregs writes the segment/control registers of a vCPU.
func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := Ioctl(vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(sregs)))

	return err
}

// GetFPU reads the floating-point state of a vCPU.
func GetFPU(vcpuFd uintptr) (*FPU, error) {
	fpu := &FPU{}
	_, err := Ioctl(vcpuFd, kvmGetFPU, uintptr(unsafe.Pointer(fpu)))

	return fpu, err
}

// SetFPU writes the floating-point state of a vCPU.
func SetFPU(vcpuFd uintptr, fpu *FPU) error {
	_, err := Ioctl(vcpuFd, kvmSetFPU, uintptr(unsafe.Pointer(fpu)))

	return err
}
