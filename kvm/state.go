package kvm

import "unsafe"

const (
	nrGetLAPIC      = 0x8e
	nrSetLAPIC      = 0x8f
	nrGetMPState    = 0x98
	nrSetMPState    = 0x99
	nrGetVCPUEvents = 0x9f
	nrSetVCPUEvents = 0xa0
	nrGetXSave      = 0xa4
	nrSetXSave      = 0xa5
	nrGetXCRS       = 0xa6
	nrSetXCRS       = 0xa7
	nrSetClock      = 0x7b
	nrGetClock      = 0x7c
)

var (
	kvmGetLAPIC      = IIOR(nrGetLAPIC, unsafe.Sizeof(LAPICState{}))
	kvmSetLAPIC      = IIOW(nrSetLAPIC, unsafe.Sizeof(LAPICState{}))
	kvmGetMPState    = IIOR(nrGetMPState, unsafe.Sizeof(MPState{}))
	kvmSetMPState    = IIOW(nrSetMPState, unsafe.Sizeof(MPState{}))
	kvmGetVCPUEvents = IIOR(nrGetVCPUEvents, unsafe.Sizeof(VCPUEvents{}))
	kvmSetVCPUEvents = IIOW(nrSetVCPUEvents, unsafe.Sizeof(VCPUEvents{}))
	kvmGetXSave      = IIOR(nrGetXSave, unsafe.Sizeof(XSave{}))
	kvmSetXSave      = IIOW(nrSetXSave, unsafe.Sizeof(XSave{}))
	kvmGetXCRS       = IIOR(nrGetXCRS, unsafe.Sizeof(XCRS{}))
	kvmSetXCRS       = IIOW(nrSetXCRS, unsafe.Sizeof(XCRS{}))
	kvmSetClock      = IIOW(nrSetClock, unsafe.Sizeof(ClockData{}))
	kvmGetClock      = IIOR(nrGetClock, unsafe.Sizeof(ClockData{}))
)

// MPStateRunnable is the "ready to execute" multiprocessor state.
const MPStateRunnable = 0

// MPState describes whether a vCPU is runnable, halted, or waiting for an
// init/SIPI sequence.
type MPState struct {
	State uint32
}

// LAPICState is the raw 1 KiB local APIC register page.
type LAPICState struct {
	Regs [1024]uint8
}

// VCPUEvents captures pending exceptions, interrupts, and NMI state that
// would otherwise be lost across a save/restore boundary.
type VCPUEvents struct {
	ExceptionInjected uint8
	ExceptionNR       uint8
	ExceptionHasCode  uint8
	_                 uint8
	ExceptionErrCode  uint32

	InterruptInjected uint8
	InterruptNR       uint8
	InterruptSoft     uint8
	InterruptShadow   uint8

	NMIInjected uint8
	NMIPending  uint8
	NMIMasked   uint8
	_           uint8

	SIPIVector uint32
	Flags      uint32

	SMMSMM       uint8
	SMMPending   uint8
	SMMSMMInside uint8
	SMMLatched   uint8

	Reserved [27]uint8
	ExcPad   uint8

	ExceptionPayload uint64
}

// XSave carries the opaque XSAVE extended-state buffer.
type XSave struct {
	Region [1024]uint32
}

// XCRS carries the extended control registers (XCR0 and friends).
type XCRS struct {
	NRXCRS uint32
	Flags  uint32
	Values [16]struct {
		XCR   uint32
		_     uint32
		Value uint64
	}
	Padding [16]uint64
}

// DebugRegs carries the x86 debug register file (DR0-3, DR6, DR7).
type DebugRegs struct {
	DB    [4]uint64
	DR6   uint64
	DR7   uint64
	Flags uint64
	_     [9]uint64
}

// ClockData is the host's view of kvmclock, saved/restored so a
// checkpoint or migrated guest does not observe time running backwards.
type ClockData struct {
	Clock    uint64
	Flags    uint32
	_        uint32
	Realtime uint64
	HostTSC  uint64
	Flags2   uint32
	_        [3]uint32
	Reserved [2]uint64
}

// ClockTSCStable indicates the TSC is marked stable host-wide, a
// precondition for applying Realtime/HostTSC on restore.
const ClockTSCStable = 1 << 1

func GetLAPIC(vcpuFd uintptr, s *LAPICState) error {
	_, err := Ioctl(vcpuFd, kvmGetLAPIC, structPtr(s))

	return err
}

func SetLAPIC(vcpuFd uintptr, s *LAPICState) error {
	_, err := Ioctl(vcpuFd, kvmSetLAPIC, structPtr(s))

	return err
}

func GetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := Ioctl(vcpuFd, kvmGetMPState, structPtr(s))

	return err
}

func SetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := Ioctl(vcpuFd, kvmSetMPState, structPtr(s))

	return err
}

func GetVCPUEvents(vcpuFd uintptr, s *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, kvmGetVCPUEvents, structPtr(s))

	return err
}

func SetVCPUEvents(vcpuFd uintptr, s *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, kvmSetVCPUEvents, structPtr(s))

	return err
}

func GetXSave(vcpuFd uintptr, s *XSave) error {
	_, err := Ioctl(vcpuFd, kvmGetXSave, structPtr(s))

	return err
}

func SetXSave(vcpuFd uintptr, s *XSave) error {
	_, err := Ioctl(vcpuFd, kvmSetXSave, structPtr(s))

	return err
}

func GetXCRS(vcpuFd uintptr, s *XCRS) error {
	_, err := Ioctl(vcpuFd, kvmGetXCRS, structPtr(s))

	return err
}

func SetXCRS(vcpuFd uintptr, s *XCRS) error {
	_, err := Ioctl(vcpuFd, kvmSetXCRS, structPtr(s))

	return err
}

// GetClock reads the VM-wide kvmclock.
func GetClock(vmFd uintptr, s *ClockData) error {
	_, err := Ioctl(vmFd, kvmGetClock, structPtr(s))

	return err
}

// SetClock writes the VM-wide kvmclock.
func SetClock(vmFd uintptr, s *ClockData) error {
	_, err := Ioctl(vmFd, kvmSetClock, structPtr(s))

	return err
}
