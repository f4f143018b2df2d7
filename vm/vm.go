// Package vm owns one isle's lifetime end to end: opening /dev/kvm,
// partitioning guest memory around the MMIO gap, loading the kernel,
// creating and booting every vCPU, and running the main loop that
// multiplexes signals, the periodic checkpoint tick, and guest exit
// against the vCPU threads.
package vm

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/nmi/uhyve/checkpoint"
	"github.com/nmi/uhyve/config"
	"github.com/nmi/uhyve/control"
	"github.com/nmi/uhyve/elf"
	"github.com/nmi/uhyve/gdt"
	"github.com/nmi/uhyve/hypercall"
	"github.com/nmi/uhyve/kvm"
	"github.com/nmi/uhyve/mboot"
	"github.com/nmi/uhyve/memory"
	"github.com/nmi/uhyve/migration"
	nic "github.com/nmi/uhyve/net"
	"github.com/nmi/uhyve/paging"
	"github.com/nmi/uhyve/vcpu"
)

// apiVersion is the only KVM_GET_API_VERSION result this hypervisor
// understands, matching every Linux KVM implementation in practice.
const apiVersion = 12

// checkpointBase is the directory checkpoint/ is created under.
const checkpointBase = "."

// Fixed guest-physical addresses for the two pages KVM itself manages
// for real-mode emulation; an isle never executes in real mode, so
// these only need to sit somewhere that never collides with guest RAM.
// The last 8 KiB of the 32-bit MMIO gap is unused by anything else and
// is never accessed by a 64-bit-only guest, so it's a natural home.
const (
	identityMapAddr = memory.GapEnd - 0x1000
	tssAddr         = memory.GapEnd - 0x2000

	// stackReserve is how far below the top of usable low memory the
	// initial RSP is placed, leaving room for the guard/red zone isle's
	// entry assembly expects before it establishes its own stack.
	stackReserve = 0x1000
)

// VM owns one running isle: its KVM handles, guest memory, vCPUs, and
// the checkpoint/migration state threaded through them.
type VM struct {
	kvmFd, vmFd uintptr

	mem   *memory.GuestMemory
	vcpus []*vcpu.VCPU
	nic   *nic.Interface

	control    *control.Data
	dispatcher *hypercall.Dispatcher
	caps       CapabilitySet
	loaded     elf.Loaded
	mboot      mboot.Block
	pml4Addr   uint64
	chkCfg     checkpoint.Config
	cfg        config.Config

	// coldBoot is true for a freshly booted VM, false for one
	// reconstructed by ReceiveMigration: a resumed vCPU's guest kernel
	// already finished AP bring-up before it was checkpointed, so Run
	// skips the cold-boot WaitStartup handshake for it.
	coldBoot bool

	exitCode atomic.Int32
}

// Boot constructs a VM per cfg: opens the KVM device, creates the VM
// and its in-kernel irqchip/PIT, partitions and loads guest memory,
// writes the boot GDT/page tables/multiboot block, attaches networking
// if configured, and brings every vCPU up runnable at the kernel's
// entry point.
func Boot(cfg config.Config) (*VM, error) {
	v, err := openVM(cfg, cfg.Memory)
	if err != nil {
		return nil, err
	}

	if err := v.load(cfg); err != nil {
		v.Close()

		return nil, err
	}

	if err := v.bringUpCPUs(cfg); err != nil {
		v.Close()

		return nil, err
	}

	if cfg.Netif != "" {
		if err := v.attachNetwork(cfg); err != nil {
			v.Close()

			return nil, err
		}
	}

	applyMemoryAdvice(v.mem, cfg)

	v.chkCfg = checkpoint.Config{
		NumCPUs:  uint32(cfg.NCPUs),
		MemSize:  v.mem.Len(),
		ElfEntry: v.loaded.Entry,
		Full:     cfg.FullCheckpoint,
	}
	v.coldBoot = true

	return v, nil
}

// openVM performs the KVM setup common to both booting a fresh isle
// and reconstructing one from an incoming migration: opening the
// device, creating the VM and its in-kernel irqchip/PIT, and
// partitioning and registering memSize bytes of guest memory.
func openVM(cfg config.Config, memSize uint64) (*VM, error) {
	dev := cfg.Dev
	if dev == "" {
		dev = "/dev/kvm"
	}

	kvmFd, err := kvm.Open(dev)
	if err != nil {
		return nil, err
	}

	version, err := kvm.GetAPIVersion(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("getting api version: %w", err)
	}

	if version != apiVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrAPIVersion, version, apiVersion)
	}

	caps, err := detectCapabilities(kvmFd)
	if err != nil {
		return nil, err
	}

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("creating vm: %w", err)
	}

	if err := kvm.SetTSSAddr(vmFd, tssAddr); err != nil {
		return nil, fmt.Errorf("setting tss addr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(vmFd, identityMapAddr); err != nil {
		return nil, fmt.Errorf("setting identity map addr: %w", err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		return nil, fmt.Errorf("creating irqchip: %w", err)
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		return nil, fmt.Errorf("creating pit: %w", err)
	}

	mem, err := memory.New(memSize)
	if err != nil {
		return nil, err
	}

	for _, region := range memoryRegions(mem) {
		region := region
		if err := kvm.SetUserMemoryRegion(vmFd, &region); err != nil {
			mem.Close()

			return nil, fmt.Errorf("setting memory region %d: %w", region.Slot, err)
		}
	}

	return &VM{
		kvmFd: kvmFd,
		vmFd:  vmFd,
		mem:   mem,
		caps:  caps,
		cfg:   cfg,
	}, nil
}

// load copies the kernel into guest memory and writes the boot GDT,
// identity page tables, and multiboot info block the vCPUs boot into.
func (v *VM) load(cfg config.Config) error {
	if cfg.Kernel == "" {
		return ErrKernelNotLoaded
	}

	kernelFile, err := os.Open(cfg.Kernel)
	if err != nil {
		return fmt.Errorf("opening kernel: %w", err)
	}
	defer kernelFile.Close()

	loaded, err := elf.Load(kernelFile, v.mem.AsSlice())
	if err != nil {
		return err
	}

	v.loaded = loaded
	v.pml4Addr = paging.BootPML4

	gdtTable := gdt.Boot()
	copy(v.mem.AsSlice()[paging.BootGDT:], gdtTable.Bytes())

	pml4, pdpte, pde := paging.Identity(v.mem.Len())
	copy(v.mem.AsSlice()[paging.BootPML4:], pml4.Bytes())
	copy(v.mem.AsSlice()[paging.BootPDPTE:], pdpte.Bytes())

	for i, t := range pde {
		t := t
		copy(v.mem.AsSlice()[paging.BootPDE+i*paging.BasePageSize:], t.Bytes())
	}

	cpuFreq, err := hostCPUFreqMHz()
	if err != nil {
		return err
	}

	v.mboot = mboot.At(v.mem.AsSlice(), loaded.LowestAddr)
	v.mboot.Init(loaded.LowestAddr, loaded.Size, v.mem.Len(), cpuFreq)
	v.mboot.SetNumCPUs(uint32(cfg.NCPUs))
	v.mboot.SetHostMemBase(uint64(uintptr(v.mem.Ptr())))

	if cfg.Verbose {
		v.mboot.EnableUART()
	}

	return nil
}

// bringUpCPUs creates every vCPU and sets it runnable at the kernel's
// entry point, sharing one control.Data and hypercall dispatcher.
func (v *VM) bringUpCPUs(cfg config.Config) error {
	rsp := initialRSP(v.mem)

	return v.createCPUs(cfg, func(c *vcpu.VCPU, i int) error {
		if err := c.InitBoot(v.pml4Addr, v.loaded.Entry, rsp, v.loaded.LowestAddr); err != nil {
			return fmt.Errorf("vcpu %d: %w", i, err)
		}

		if err := c.InitMiscEnable(); err != nil {
			return fmt.Errorf("vcpu %d: %w", i, err)
		}

		if err := c.SetRunnable(); err != nil {
			return fmt.Errorf("vcpu %d: %w", i, err)
		}

		return nil
	})
}

// createCPUs allocates v.control, the hypercall dispatcher, and every
// vCPU, then hands each one to init before it's recorded: bringUpCPUs
// boots it fresh, restoreCPUs replays a migrated state into it.
func (v *VM) createCPUs(cfg config.Config, init func(c *vcpu.VCPU, i int) error) error {
	v.control = control.New(cfg.NCPUs)

	v.dispatcher = &hypercall.Dispatcher{
		Mem:     v.mem.AsSlice(),
		Host:    hostFiles{},
		Cmdline: cmdline{params: cfg.Params},
		Console: console{},
		Verbose: cfg.Verbose,
	}

	vcpus := make([]*vcpu.VCPU, cfg.NCPUs)

	for i := 0; i < cfg.NCPUs; i++ {
		c, err := vcpu.New(v.kvmFd, v.vmFd, i, mmapSizeOf(v), v.mem.AsSlice(), v.dispatcher, v.control)
		if err != nil {
			return err
		}

		if err := init(c, i); err != nil {
			return err
		}

		vcpus[i] = c
	}

	v.vcpus = vcpus

	return nil
}

// attachNetwork opens the configured tap device, wires its interrupt,
// and records the guest-visible network configuration in the
// multiboot block.
func (v *VM) attachNetwork(cfg config.Config) error {
	iface, err := nic.Attach(cfg.Netif, cfg.MAC)
	if err != nil {
		return fmt.Errorf("attaching network interface: %w", err)
	}

	if err := iface.WireIRQ(v.vmFd); err != nil {
		return fmt.Errorf("wiring network irq: %w", err)
	}

	var ip, gateway, mask [4]byte
	copy(ip[:], cfg.IP.To4())
	copy(gateway[:], cfg.Gateway.To4())
	copy(mask[:], cfg.Mask.To4())

	v.mboot.SetNetwork(ip, gateway, mask)
	v.dispatcher.Net = iface
	v.nic = iface

	return nil
}

// applyMemoryAdvice issues the madvise hints config.HugePage/Mergeable
// request; failures here are advisory and do not prevent boot, since a
// host that refuses a hint (e.g. no THP) should not stop an isle that
// would otherwise work fine without it.
func applyMemoryAdvice(mem *memory.GuestMemory, cfg config.Config) {
	if cfg.HugePage {
		if err := unix.Madvise(mem.AsSlice(), unix.MADV_HUGEPAGE); err != nil {
			log.Printf("uhyve: madvise(MADV_HUGEPAGE) failed: %v", err)
		}
	}

	if cfg.Mergeable {
		if err := unix.Madvise(mem.AsSlice(), unix.MADV_MERGEABLE); err != nil {
			log.Printf("uhyve: madvise(MADV_MERGEABLE) failed: %v", err)
		}
	}
}

// initialRSP picks the guest's initial stack pointer: the top of the
// contiguous low-memory region, whether or not the MMIO gap is present,
// leaving stackReserve bytes below the gap (or below mem size, when
// there is no gap) for the kernel's own entry code.
func initialRSP(mem *memory.GuestMemory) uint64 {
	if mem.HasGap() {
		return memory.GapStart - stackReserve
	}

	return mem.Len() - stackReserve
}

// memoryRegions builds the KVM_SET_USER_MEMORY_REGION slots backing
// mem: one slot when there's no MMIO gap, two when there is, since the
// gap's host mapping is unmapped (PROT_NONE) and must never be
// registered as guest-accessible memory.
func memoryRegions(mem *memory.GuestMemory) []kvm.UserspaceMemoryRegion {
	base := uint64(uintptr(mem.Ptr()))

	if !mem.HasGap() {
		return []kvm.UserspaceMemoryRegion{
			{Slot: 0, GuestPhysAddr: 0, MemorySize: mem.Len(), UserspaceAddr: base},
		}
	}

	return []kvm.UserspaceMemoryRegion{
		{Slot: 0, GuestPhysAddr: 0, MemorySize: memory.GapStart, UserspaceAddr: base},
		{
			Slot: 1, GuestPhysAddr: memory.GapEnd,
			MemorySize: mem.Len() - memory.GapStart, UserspaceAddr: base + memory.GapEnd,
		},
	}
}

// memorySegments returns the contiguous, host-readable slices of mem's
// guest-physical address space, in guest-physical order: one slice
// without a gap, two around it with one. Together they total exactly
// mem.Len() bytes, matching the migration wire protocol's mem_size.
func memorySegments(mem *memory.GuestMemory) [][]byte {
	buf := mem.AsSlice()
	if !mem.HasGap() {
		return [][]byte{buf[:mem.Len()]}
	}

	return [][]byte{buf[:memory.GapStart], buf[memory.GapEnd:]}
}

func mmapSizeOf(v *VM) uintptr {
	sz, _ := kvm.GetVCPUMmapSize(v.kvmFd)

	return sz
}

// Close releases the network interface, guest memory, and the VM and
// KVM file descriptors. vCPU file descriptors are not closed here.
func (v *VM) Close() error {
	if v.nic != nil {
		v.nic.Stop()
		_ = v.nic.Close()
	}

	if v.mem != nil {
		_ = v.mem.Close()
	}

	if v.vmFd != 0 {
		_ = syscall.Close(int(v.vmFd))
	}

	if v.kvmFd != 0 {
		_ = syscall.Close(int(v.kvmFd))
	}

	return nil
}

var usr2Absorb sync.Once

// absorbSIGUSR2 installs a handler for SIGUSR2 that does nothing but
// prevent the default action (process termination): a vCPU's
// Interrupt still aborts that thread's blocked run ioctl with EINTR,
// since the signal is delivered and handled, just not acted on here.
func absorbSIGUSR2() {
	usr2Absorb.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGUSR2)
	})
}

// Run starts every vCPU and the network poll thread, then multiplexes
// termination signals, the periodic checkpoint tick, and vCPU 0's
// completion until the VM should stop. It returns the guest's exit
// code (valid when the guest invoked the exit hypercall) and the first
// error any vCPU thread reported.
func (v *VM) Run() (int, error) {
	absorbSIGUSR2()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	if v.nic != nil {
		go v.nic.PollLoop()
	}

	var g errgroup.Group

	done := make(chan struct{})

	for i, c := range v.vcpus {
		i, c := i, c

		g.Go(func() error {
			if v.coldBoot {
				c.WaitStartup(v.mboot)
			}

			res, err := c.Run()
			if err != nil {
				v.exitCode.Store(1)
				v.control.SetRunning(false)
				v.logKernelLog()
			} else if res.Exited {
				v.exitCode.Store(res.ExitCode)
			}

			if i == 0 {
				close(done)
			}

			return err
		})
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var tick uint32

runLoop:
	for v.control.Running() {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				break runLoop
			case syscall.SIGUSR1:
				if !v.handleMigration() {
					break runLoop
				}
			}
		case <-ticker.C:
			tick++

			if v.cfg.CheckpointInterval > 0 && tick%v.cfg.CheckpointInterval == 0 {
				v.handleCheckpoint()
			}
		case <-done:
			break runLoop
		}
	}

	err := v.stop(&g)

	return int(v.exitCode.Load()), err
}

// logKernelLog surfaces the guest's own kernel log string (the
// NUL-terminated region the kernel writes at mboot's +0x5000) once a
// vCPU run fails, since that string often holds the guest-side panic
// message that caused the exit. Only a coldBoot VM has a populated
// mboot block.
func (v *VM) logKernelLog() {
	if !v.coldBoot {
		return
	}

	if s := v.mboot.KernelLog(); s != "" {
		log.Printf("uhyve: guest kernel log: %s", s)
	}
}

// stop clears control.running, wakes every vCPU thread out of a
// blocked run ioctl, and waits for them all to return.
func (v *VM) stop(g *errgroup.Group) error {
	v.control.SetRunning(false)

	for _, c := range v.vcpus {
		_ = c.Interrupt()
	}

	return g.Wait()
}

// freeze implements the checkpoint/migration freeze protocol shared by
// handleCheckpoint and handleMigration: mark every vCPU interrupted,
// signal each one out of its run ioctl, wait for them all to arrive at
// the barrier, run work with every vCPU frozen, then release them.
func (v *VM) freeze(work func() error) error {
	v.control.SetInterrupted(true)

	for _, c := range v.vcpus {
		_ = c.Interrupt()
	}

	v.control.Barrier.Wait()

	err := work()

	v.control.SetInterrupted(false)
	v.control.Barrier.Wait()

	return err
}

// handleCheckpoint freezes the VM, writes one checkpoint generation,
// and resumes. A failure is logged, not fatal: the spec's error policy
// treats checkpoint/migration errors as recoverable.
func (v *VM) handleCheckpoint() {
	err := v.freeze(func() error {
		next, err := checkpoint.Create(checkpointBase, v.chkCfg, v.mem.AsSlice(), v.pml4Addr, v.vmFd,
			func(i int) ([]byte, error) { return v.vcpus[i].Save() })
		if err != nil {
			return err
		}

		v.chkCfg = next

		return nil
	})
	if err != nil {
		log.Printf("uhyve: checkpoint failed: %v", err)
	}
}

// handleMigration freezes the VM and streams its full state to
// cfg.MigrationSupport. It reports whether the main loop should keep
// running: a successful migration hands the guest off entirely, so the
// source stops (returns false); a failed one is logged and the guest
// keeps running here (returns true), matching the non-fatal
// checkpoint/migration error policy.
func (v *VM) handleMigration() bool {
	if v.cfg.MigrationSupport == "" {
		log.Printf("uhyve: migration failed: %v", ErrUnsupportedMigration)

		return true
	}

	err := v.freeze(v.sendMigration)
	if err != nil {
		log.Printf("uhyve: migration failed: %v", err)

		return true
	}

	return false
}

func (v *VM) sendMigration() error {
	addr := net.JoinHostPort(v.cfg.MigrationSupport, strconv.Itoa(migration.Port))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	sender := migration.NewSender(conn)

	cfg := v.chkCfg
	cfg.CheckpointNumber = 0

	if err := sender.SendConfig(cfg); err != nil {
		return err
	}

	for _, seg := range memorySegments(v.mem) {
		if err := sender.SendMemory(seg); err != nil {
			return err
		}
	}

	states := make([]migration.VCPUState, len(v.vcpus))

	for i, c := range v.vcpus {
		raw, err := c.Save()
		if err != nil {
			return fmt.Errorf("saving vcpu %d: %w", i, err)
		}

		st, err := vcpu.DecodeState(raw)
		if err != nil {
			return fmt.Errorf("decoding vcpu %d: %w", i, err)
		}

		states[i] = st
	}

	if err := sender.SendVCPUStates(states); err != nil {
		return err
	}

	if !v.caps.ClockStable {
		return sender.SendClock(nil, false)
	}

	var clock kvm.ClockData
	if err := kvm.GetClock(v.vmFd, &clock); err != nil {
		return fmt.Errorf("reading clock: %w", err)
	}

	return sender.SendClock(&clock, true)
}
