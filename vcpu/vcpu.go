// Package vcpu owns one guest virtual CPU: its KVM file descriptor and
// kvm_run mapping, cold-boot register setup, checkpoint/migration
// save-restore, and the run loop that dispatches hypercalls and
// surfaces preemption signals to its caller.
package vcpu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nmi/uhyve/control"
	"github.com/nmi/uhyve/cpuid"
	"github.com/nmi/uhyve/gdt"
	"github.com/nmi/uhyve/hypercall"
	"github.com/nmi/uhyve/kvm"
	"github.com/nmi/uhyve/mboot"
	"github.com/nmi/uhyve/migration"
	"github.com/nmi/uhyve/paging"
)

// VCPU is one guest virtual CPU.
type VCPU struct {
	Index int

	fd  uintptr
	run *kvm.RunData
	mem []byte

	dispatcher *hypercall.Dispatcher
	control    *control.Data

	// tid is the Linux thread id of the goroutine currently inside Run,
	// set once LockOSThread has pinned it; 0 before Run starts. The main
	// loop reads it to direct a SIGUSR2 at exactly this thread.
	tid atomic.Int32
}

// New creates vCPU index on vmFd, maps its kvm_run page, and installs a
// CPUID table patched per the cpuid package (hypervisor-present and
// TSC-deadline bits set, perfmon leaf zeroed) from the set kvmFd
// reports supported. ctrl is the VM-wide running/interrupt/barrier
// state this vCPU's run loop synchronizes against.
func New(kvmFd, vmFd uintptr, index int, mmapSize uintptr, mem []byte, d *hypercall.Dispatcher, ctrl *control.Data) (*VCPU, error) {
	fd, err := kvm.CreateVCPU(vmFd, index)
	if err != nil {
		return nil, fmt.Errorf("creating vcpu %d: %w", index, err)
	}

	table := kvm.CPUID{}
	if err := kvm.GetSupportedCPUID(kvmFd, &table); err != nil {
		return nil, fmt.Errorf("getting supported cpuid for vcpu %d: %w", index, err)
	}

	cpuid.Patch(&table)

	if err := kvm.SetCPUID2(fd, &table); err != nil {
		return nil, fmt.Errorf("setting cpuid for vcpu %d: %w", index, err)
	}

	runMap, err := syscall.Mmap(int(fd), 0, int(mmapSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping kvm_run for vcpu %d: %w", index, err)
	}

	return &VCPU{
		Index:      index,
		fd:         fd,
		run:        (*kvm.RunData)(unsafe.Pointer(&runMap[0])),
		mem:        mem,
		dispatcher: d,
		control:    ctrl,
	}, nil
}

// InitBoot sets this vCPU's registers for cold boot into 64-bit long
// mode: CR0/CR3/CR4/EFER enabling paging and long mode, CS/DS from the
// boot GDT, and RIP/RSP/RSI (the multiboot info pointer, per the isle
// ABI) from the loaded kernel.
func (v *VCPU) InitBoot(pml4Addr, rip, rsp, mbootAddr uint64) error {
	sregs, err := kvm.GetSregs(v.fd)
	if err != nil {
		return fmt.Errorf("getting sregs: %w", err)
	}

	sregs.CR0 = 0x80000001 // PE | PG
	sregs.CR3 = pml4Addr
	sregs.CR4 = 0x20   // PAE
	sregs.EFER = 0x500 // LME | LMA
	sregs.ApicBase = 0xfee00000

	boot := gdt.Boot()
	sregs.CS = boot[gdt.CodeSegment].Segment(gdt.CodeSelector)
	sregs.DS = boot[gdt.DataSegment].Segment(gdt.DataSelector)
	sregs.ES = sregs.DS
	sregs.FS = sregs.DS
	sregs.GS = sregs.DS
	sregs.SS = sregs.DS

	sregs.GDT.Base = paging.BootGDT
	sregs.GDT.Limit = uint16(len(boot)*8 - 1)

	if err := kvm.SetSregs(v.fd, sregs); err != nil {
		return fmt.Errorf("setting sregs: %w", err)
	}

	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		return fmt.Errorf("getting regs: %w", err)
	}

	regs.RFLAGS = 2
	regs.RIP = rip
	regs.RSP = rsp
	regs.RSI = mbootAddr

	return kvm.SetRegs(v.fd, regs)
}

// InitMiscEnable sets IA32_MISC_ENABLE's fast-string bit, matching the
// state a real BIOS leaves a core in at cold boot.
func (v *VCPU) InitMiscEnable() error {
	msrs := kvm.MSRS{Entries: []kvm.MSREntry{{Index: kvm.MSRIA32MiscEnable, Data: 1}}}

	return kvm.SetMSRs(v.fd, &msrs)
}

// SetRunnable marks the vCPU ready to execute (multiprocessing state
// MPStateRunnable). Every vCPU but the boot one would otherwise wait
// for a startup IPI; uhyve boots every vCPU runnable from the start
// since it never emulates the INIT/SIPI sequence itself.
func (v *VCPU) SetRunnable() error {
	return kvm.SetMPState(v.fd, &kvm.MPState{State: kvm.MPStateRunnable})
}

// Save captures this vCPU's complete architectural state into the
// fixed-size binary form shared by checkpoint and migration.
func (v *VCPU) Save() ([]byte, error) {
	sregs, err := kvm.GetSregs(v.fd)
	if err != nil {
		return nil, fmt.Errorf("getting sregs: %w", err)
	}

	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		return nil, fmt.Errorf("getting regs: %w", err)
	}

	msrEntries := make([]kvm.MSREntry, len(kvm.SavedMSRs))
	for i, idx := range kvm.SavedMSRs {
		msrEntries[i].Index = idx
	}

	msrs := kvm.MSRS{Entries: msrEntries}
	if err := kvm.GetMSRs(v.fd, &msrs); err != nil {
		return nil, fmt.Errorf("getting msrs: %w", err)
	}

	var xcrs kvm.XCRS
	if err := kvm.GetXCRS(v.fd, &xcrs); err != nil {
		return nil, fmt.Errorf("getting xcrs: %w", err)
	}

	var mpstate kvm.MPState
	if err := kvm.GetMPState(v.fd, &mpstate); err != nil {
		return nil, fmt.Errorf("getting mp state: %w", err)
	}

	var lapic kvm.LAPICState
	if err := kvm.GetLAPIC(v.fd, &lapic); err != nil {
		return nil, fmt.Errorf("getting lapic: %w", err)
	}

	fpu, err := kvm.GetFPU(v.fd)
	if err != nil {
		return nil, fmt.Errorf("getting fpu: %w", err)
	}

	var xsave kvm.XSave
	if err := kvm.GetXSave(v.fd, &xsave); err != nil {
		return nil, fmt.Errorf("getting xsave: %w", err)
	}

	var events kvm.VCPUEvents
	if err := kvm.GetVCPUEvents(v.fd, &events); err != nil {
		return nil, fmt.Errorf("getting vcpu events: %w", err)
	}

	state := migration.VCPUState{
		Sregs:   *sregs,
		Regs:    *regs,
		XCRS:    xcrs,
		MPState: mpstate.State,
		LAPIC:   lapic,
		FPU:     *fpu,
		XSave:   xsave,
		Events:  events,
	}

	for i, e := range msrs.Entries {
		state.MSRs[i] = e.Data
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, state); err != nil {
		return nil, fmt.Errorf("encoding vcpu state: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeState parses a raw snapshot produced by Save into its
// structured form, for callers (migration) that need the individual
// fields rather than the opaque bytes Save/Restore exchange.
func DecodeState(data []byte) (migration.VCPUState, error) {
	var state migration.VCPUState
	err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &state)

	return state, err
}

// Restore applies a snapshot produced by Save, in the order Sregs,
// Regs, MSRs, XCRS, MP state, LAPIC, FPU, XSave, then vCPU events.
func (v *VCPU) Restore(data []byte) error {
	var state migration.VCPUState
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &state); err != nil {
		return fmt.Errorf("decoding vcpu state: %w", err)
	}

	if err := kvm.SetSregs(v.fd, &state.Sregs); err != nil {
		return fmt.Errorf("setting sregs: %w", err)
	}

	if err := kvm.SetRegs(v.fd, &state.Regs); err != nil {
		return fmt.Errorf("setting regs: %w", err)
	}

	msrEntries := make([]kvm.MSREntry, len(kvm.SavedMSRs))
	for i, idx := range kvm.SavedMSRs {
		msrEntries[i] = kvm.MSREntry{Index: idx, Data: state.MSRs[i]}
	}

	msrs := kvm.MSRS{Entries: msrEntries}
	if err := kvm.SetMSRs(v.fd, &msrs); err != nil {
		return fmt.Errorf("setting msrs: %w", err)
	}

	if err := kvm.SetXCRS(v.fd, &state.XCRS); err != nil {
		return fmt.Errorf("setting xcrs: %w", err)
	}

	mpstate := kvm.MPState{State: state.MPState}
	if err := kvm.SetMPState(v.fd, &mpstate); err != nil {
		return fmt.Errorf("setting mp state: %w", err)
	}

	if err := kvm.SetLAPIC(v.fd, &state.LAPIC); err != nil {
		return fmt.Errorf("setting lapic: %w", err)
	}

	if err := kvm.SetFPU(v.fd, &state.FPU); err != nil {
		return fmt.Errorf("setting fpu: %w", err)
	}

	if err := kvm.SetXSave(v.fd, &state.XSave); err != nil {
		return fmt.Errorf("setting xsave: %w", err)
	}

	if err := kvm.SetVCPUEvents(v.fd, &state.Events); err != nil {
		return fmt.Errorf("setting vcpu events: %w", err)
	}

	return nil
}

// Result reports how a Run call ended.
type Result struct {
	// Exited is true when the guest invoked the exit hypercall.
	Exited bool
	// ExitCode is the guest-supplied exit status, valid only if Exited.
	ExitCode int32
	// Interrupted is true when Run returned because the VM cleared
	// control.running. An EINTR from a checkpoint or migration freeze
	// does not end Run: the vCPU freezes and resumes the run ioctl.
	Interrupted bool
}

// Run locks this goroutine to its OS thread (vCPU ioctls must be issued
// from the thread that created the vCPU), installs an empty signal
// mask for the run ioctl so a SIGUSR2 sent to this thread via Interrupt
// aborts it with EINTR, and executes the guest until it exits or the
// VM clears control.running.
//
// A SIGUSR2 arriving while control.Interrupted() is true is a
// checkpoint/migration freeze request, not a shutdown: this vCPU
// arrives at the shared barrier twice (once to signal it has frozen,
// once to wait for the freeze to end) and then resumes the run ioctl.
func (v *VCPU) Run() (Result, error) {
	runtime.LockOSThread()

	v.tid.Store(int32(unix.Gettid()))

	if err := kvm.SetSignalMask(v.fd); err != nil {
		return Result{}, fmt.Errorf("setting signal mask: %w", err)
	}

	for v.control.Running() {
		err := kvm.Run(v.fd)
		if err == syscall.EINTR {
			v.freeze()

			continue
		}

		if err != nil {
			return Result{}, fmt.Errorf("vcpu %d run: %w", v.Index, err)
		}

		switch kvm.ExitType(v.run.ExitReason) {
		case kvm.ExitIntr:
			v.freeze()

			continue
		case kvm.ExitHLT:
			return Result{}, nil
		case kvm.ExitDebug:
			v.dumpState()

			return Result{}, fmt.Errorf("vcpu %d: %w", v.Index, ErrDebugExit)
		case kvm.ExitIO:
			direction, _, port, count, offset := v.run.IO()

			for i := uint64(0); i < count; i++ {
				data := v.ioData(direction, offset)

				exited, code, err := v.dispatcher.Handle(hypercall.Port(port), data)
				if err != nil {
					return Result{}, fmt.Errorf("vcpu %d port %#x: %w", v.Index, port, err)
				}

				if exited {
					v.control.SetRunning(false)

					return Result{Exited: true, ExitCode: code}, nil
				}
			}
		default:
			return Result{}, fmt.Errorf("vcpu %d: unexpected exit reason %s", v.Index,
				kvm.ExitType(v.run.ExitReason))
		}
	}

	return Result{Interrupted: true}, nil
}

// freeze arrives at the shared barrier twice when a checkpoint or
// migration is in progress, once to report this vCPU has stopped and
// once to wait out the freeze; it is a no-op otherwise, covering the
// case where EINTR was spurious or raced the interrupt flag clearing.
func (v *VCPU) freeze() {
	if !v.control.Interrupted() {
		return
	}

	v.control.Barrier.Wait()
	v.control.Barrier.Wait()
}

// Interrupt sends SIGUSR2 to the OS thread currently running this
// vCPU, aborting a blocked run ioctl with EINTR. It is a no-op before
// Run has started.
func (v *VCPU) Interrupt() error {
	tid := v.tid.Load()
	if tid == 0 {
		return nil
	}

	return unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR2)
}

// ioData reads the 64-bit value the guest wrote to (or the hypervisor
// must supply for) a port-IO exit, at the given byte offset within the
// shared kvm_run page.
func (v *VCPU) ioData(direction, offset uint64) uint64 {
	base := uintptr(unsafe.Pointer(v.run)) + uintptr(offset)

	if direction == kvm.DirOut {
		return *(*uint64)(unsafe.Pointer(base))
	}

	return 0
}

// WaitStartup spin-waits on the multiboot startup counter until it is
// at least v.Index, then publishes its own arrival, matching isle's
// cold-boot AP synchronization protocol.
func (v *VCPU) WaitStartup(info mboot.Block) {
	for info.CPUOnline() < uint32(v.Index) {
		runtime.Gosched()
	}

	info.AckCPUOnline(uint32(v.Index))
}
