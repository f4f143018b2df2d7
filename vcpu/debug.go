package vcpu

import (
	"errors"
	"fmt"
	"log"

	"golang.org/x/arch/x86/x86asm"

	"github.com/nmi/uhyve/kvm"
)

// ErrDebugExit is returned when the guest traps to a KVM_EXIT_DEBUG,
// after its registers have been logged.
var ErrDebugExit = errors.New("kvm debug exit")

// dumpState logs this vCPU's general-purpose/segment registers and, if
// the instruction at RIP can be decoded, its disassembly, matching
// spec's "on KVMDebug, registers are dumped to the log before the
// error propagates".
func (v *VCPU) dumpState() {
	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		log.Printf("vcpu %d: debug exit, reading regs failed: %v", v.Index, err)

		return
	}

	sregs, err := kvm.GetSregs(v.fd)
	if err != nil {
		log.Printf("vcpu %d: debug exit, reading sregs failed: %v", v.Index, err)

		return
	}

	log.Printf("vcpu %d: debug exit at rip=%#x rsp=%#x cs=%#x\n%s", v.Index, regs.RIP, regs.RSP,
		sregs.CS.Selector, formatRegs(regs))

	if insn, ok := v.disassembleAt(regs.RIP); ok {
		log.Printf("vcpu %d: %s", v.Index, insn)
	}
}

// disassembleAt reads 16 bytes at rip and decodes one instruction. The
// boot page tables identity-map all of guest RAM, so a guest virtual
// address is also its guest-physical offset into v.mem.
func (v *VCPU) disassembleAt(rip uint64) (string, bool) {
	if rip+16 > uint64(len(v.mem)) {
		return "", false
	}

	code := v.mem[rip : rip+16]

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "", false
	}

	return x86asm.GNUSyntax(inst, rip, nil), true
}

func formatRegs(r *kvm.Regs) string {
	return fmt.Sprintf(
		"rax=%#x rbx=%#x rcx=%#x rdx=%#x rsi=%#x rdi=%#x rbp=%#x r8=%#x r9=%#x r10=%#x "+
			"r11=%#x r12=%#x r13=%#x r14=%#x r15=%#x rflags=%#x",
		r.RAX, r.RBX, r.RCX, r.RDX, r.RSI, r.RDI, r.RBP, r.R8, r.R9, r.R10,
		r.R11, r.R12, r.R13, r.R14, r.R15, r.RFLAGS)
}
