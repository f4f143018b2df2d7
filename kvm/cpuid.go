package kvm

import "unsafe"

const (
	nrGetSupportedCPUID = 0x05
	nrSetCPUID2         = 0x90

	// MaxCPUIDEntries bounds the fixed-size entry array below; 100 entries
	// is comfortably above what any real host CPUID table returns.
	MaxCPUIDEntries = 100

	// CPUIDSignature is the leaf a hypervisor uses to advertise itself.
	CPUIDSignature = 0x40000000
	// CPUIDFeatures is the paravirt feature leaf, one past the signature.
	CPUIDFeatures = 0x40000001
	// CPUIDFuncPerfMon is the architectural performance monitoring leaf.
	CPUIDFuncPerfMon = 0x0A
	// CPUIDFuncFeatures is the standard feature leaf.
	CPUIDFuncFeatures = 0x01
)

var (
	kvmGetSupportedCPUID = IIOWR(nrGetSupportedCPUID, unsafe.Sizeof(CPUID{}))
	kvmSetCPUID2         = IIOW(nrSetCPUID2, unsafe.Sizeof(CPUID{}))
)

// CPUIDEntry2 is one CPUID leaf/subleaf result.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// CPUID is the fixed-size entry table used by KVM_GET_SUPPORTED_CPUID and
// KVM_SET_CPUID2.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [MaxCPUIDEntries]CPUIDEntry2
}

// GetSupportedCPUID fetches the set of CPUID leaves the host/KVM
// combination can expose to a guest.
func GetSupportedCPUID(kvmFd uintptr, cpuid *CPUID) error {
	cpuid.Nent = MaxCPUIDEntries
	_, err := Ioctl(kvmFd, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(cpuid)))

	return err
}

// SetCPUID2 installs a vCPU's CPUID table.
func SetCPUID2(vcpuFd uintptr, cpuid *CPUID) error {
	_, err := Ioctl(vcpuFd, kvmSetCPUID2, uintptr(unsafe.Pointer(cpuid)))

	return err
}
