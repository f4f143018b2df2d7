package kvm

import (
	"syscall"
	"unsafe"
)

const (
	nrGetMSRIndexList = 0x02
	nrGetMSRs         = 0x88
	nrSetMSRs         = 0x89

	maxMSREntries = 256
)

// MSR indices for the fixed set of model-specific registers a uhyve vCPU
// saves and restores across checkpoint and migration boundaries.
const (
	MSRIA32APICBase    = 0x0000001b
	MSRIA32SysenterCS  = 0x00000174
	MSRIA32SysenterESP = 0x00000175
	MSRIA32SysenterEIP = 0x00000176
	MSRIA32CRPAT       = 0x00000277
	MSRIA32MiscEnable  = 0x000001a0
	MSRIA32TSC         = 0x00000010
	MSRCSTAR           = 0xc0000083
	MSRSTAR            = 0xc0000081
	MSREFER            = 0xc0000080
	MSRLSTAR           = 0xc0000082
	MSRGSBase          = 0xc0000101
	MSRFSBase          = 0xc0000100
	MSRKernelGSBase    = 0xc0000102
)

// NumSavedMSRs is len(SavedMSRs), fixed as a constant so callers can
// size arrays (rather than slices) to hold one value per saved MSR.
const NumSavedMSRs = 14

// SavedMSRs lists, in save/restore order, the MSRs a uhyve vCPU carries
// across a checkpoint or migration boundary.
var SavedMSRs = [NumSavedMSRs]uint32{
	MSRIA32APICBase,
	MSRIA32SysenterCS,
	MSRIA32SysenterESP,
	MSRIA32SysenterEIP,
	MSRIA32CRPAT,
	MSRIA32MiscEnable,
	MSRIA32TSC,
	MSRCSTAR,
	MSRSTAR,
	MSREFER,
	MSRLSTAR,
	MSRGSBase,
	MSRFSBase,
	MSRKernelGSBase,
}

var (
	kvmGetMSRIndexList = IIOWR(nrGetMSRIndexList, unsafe.Sizeof(MSRList{}))
)

// MSRList is the fixed-size buffer for KVM_GET_MSR_INDEX_LIST: the kernel
// reports the true count and returns E2BIG on the first call, then fills
// Indices on a second call sized to that count.
type MSRList struct {
	NMSRs   uint32
	Indices [maxMSREntries]uint32
}

// MSREntry is an index/value pair for one model-specific register.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// MSRS is the variable-length argument to KVM_{GET,SET}_MSRS. NMSRs must
// equal len(Entries) before issuing the ioctl.
type MSRS struct {
	NMSRs   uint32
	_       uint32
	Entries []MSREntry
}

// GetMSRIndexList returns the MSR indices the host kernel supports saving
// and restoring via KVM_GET_MSRS/KVM_SET_MSRS.
func GetMSRIndexList(kvmFd uintptr) ([]uint32, error) {
	list := &MSRList{NMSRs: maxMSREntries}

	_, err := Ioctl(kvmFd, kvmGetMSRIndexList, uintptr(unsafe.Pointer(list)))
	if err != nil && err != syscall.E2BIG {
		return nil, err
	}

	out := make([]uint32, list.NMSRs)
	copy(out, list.Indices[:list.NMSRs])

	return out, nil
}

func msrsIoctl(fd, op uintptr, msrs *MSRS) error {
	// kvm_msrs is a C flexible array member; lay out NMSRs followed by the
	// entries contiguously so the ioctl sees one packed buffer.
	buf := make([]byte, 8+len(msrs.Entries)*int(unsafe.Sizeof(MSREntry{})))
	*(*uint32)(unsafe.Pointer(&buf[0])) = uint32(len(msrs.Entries))

	entries := unsafe.Slice((*MSREntry)(unsafe.Pointer(&buf[8])), len(msrs.Entries))
	copy(entries, msrs.Entries)

	_, err := Ioctl(fd, op, uintptr(unsafe.Pointer(&buf[0])))
	if err == nil {
		copy(msrs.Entries, entries)
	}

	return err
}

// GetMSRs reads the current value of each MSR named in msrs.Entries[i].Index.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	return msrsIoctl(vcpuFd, IIOWR(nrGetMSRs, unsafe.Sizeof(uintptr(0))), msrs)
}

// SetMSRs writes each MSR named in msrs.Entries.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	return msrsIoctl(vcpuFd, IIOW(nrSetMSRs, unsafe.Sizeof(uintptr(0))), msrs)
}
