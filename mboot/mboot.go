// Package mboot writes and reads the multiboot info block an isle
// kernel expects at the physical address of its lowest loaded ELF
// segment.
package mboot

import "encoding/binary"

// Field offsets within the info block, matching the isle kernel ABI.
const (
	offKernelStart  = 0x08
	offMemLimit     = 0x10
	offCPUFreqMHz   = 0x18
	offNumCPUs      = 0x24
	offKernelSize   = 0x38
	offNUMANodes    = 0x60
	offUhyve        = 0x94
	offUARTPort     = 0x98
	offIP           = 0xB0
	offGateway      = 0xB4
	offNetmask      = 0xB8
	offHostMemBase  = 0xBC
	offKernelLog = 0x5000

	// offCPUOnline and offCPUOnlineAck double as the APIC id target slot
	// and are only used during cold-boot vCPU startup synchronization.
	offCPUOnline    = 0x20
	offCPUOnlineAck = 0x30
)

// UARTPort is the hypercall port written to offUARTPort when console
// output is enabled, matching the UART hypercall port number.
const UARTPort = 0x800

// Block is a writable view over the multiboot info block within guest
// memory, anchored at the physical address of the lowest loaded ELF
// segment.
type Block struct {
	mem  []byte
	base uint64
}

// At returns a Block anchored at base within mem.
func At(mem []byte, base uint64) Block {
	return Block{mem: mem, base: base}
}

func (b Block) off(n uint64) []byte {
	return b.mem[b.base+n:]
}

func (b Block) putU32(off uint64, v uint32) { binary.LittleEndian.PutUint32(b.off(off), v) }
func (b Block) putU64(off uint64, v uint64) { binary.LittleEndian.PutUint64(b.off(off), v) }

func (b Block) getU32(off uint64) uint32 { return binary.LittleEndian.Uint32(b.off(off)) }

// Init writes the static fields of the info block: kernel load address
// and size, host memory limit, CPU frequency, NUMA node count, and the
// uhyve announce flag. numCPUs is initially written as 1; SetNumCPUs
// overwrites it with the real count.
func (b Block) Init(kernelStart, kernelSize, memLimit uint64, cpuFreqMHz uint32) {
	b.putU64(offKernelStart, kernelStart)
	b.putU64(offMemLimit, memLimit)
	b.putU32(offCPUFreqMHz, cpuFreqMHz)
	b.putU32(offNumCPUs, 1)
	b.putU64(offKernelSize, kernelSize)
	b.putU32(offNUMANodes, 1)
	b.putU32(offUhyve, 1)
}

// SetNumCPUs records the real vCPU count. The VM calls it right after
// Init, before any vCPU runs.
func (b Block) SetNumCPUs(n uint32) { b.putU32(offNumCPUs, n) }

// EnableUART records the hypercall UART port for a verbose boot.
func (b Block) EnableUART() { b.putU64(offUARTPort, UARTPort) }

// SetNetwork records the guest-visible IPv4 address, gateway, and
// netmask as raw big-endian octets.
func (b Block) SetNetwork(ip, gateway, netmask [4]byte) {
	copy(b.off(offIP), ip[:])
	copy(b.off(offGateway), gateway[:])
	copy(b.off(offNetmask), netmask[:])
}

// SetHostMemBase records the host-virtual address backing guest
// physical 0, used by the kernel to translate pointers it hands back
// through hypercalls.
func (b Block) SetHostMemBase(addr uint64) { b.putU64(offHostMemBase, addr) }

// WriteKernelLog writes a NUL-terminated kernel log string at the fixed
// log offset.
func (b Block) WriteKernelLog(s string) {
	dst := b.off(offKernelLog)
	n := copy(dst, s)
	dst[n] = 0
}

// KernelLog returns the NUL-terminated kernel log string.
func (b Block) KernelLog() string {
	dst := b.off(offKernelLog)

	n := 0
	for n < len(dst) && dst[n] != 0 {
		n++
	}

	return string(dst[:n])
}

// SetCPUOnline publishes id as the barrier counter every vCPU spin-waits
// on at cold boot: vCPU i waits until this value is >= i, then
// advances it by writing its own id to the acknowledgement slot.
func (b Block) SetCPUOnline(id uint32) { b.putU32(offCPUOnline, id) }

// CPUOnline reads the cold-boot startup counter.
func (b Block) CPUOnline() uint32 { return b.getU32(offCPUOnline) }

// AckCPUOnline records that vCPU id has observed the startup counter
// and is proceeding into its run loop.
func (b Block) AckCPUOnline(id uint32) { b.putU32(offCPUOnlineAck, id) }
