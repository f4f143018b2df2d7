// Package probe reports which KVM capabilities a uhyve requires are
// available on the host, for use by the "probe" CLI subcommand.
package probe

import (
	"fmt"
	"io"
	"syscall"

	"github.com/nmi/uhyve/kvm"
)

// Required is the fixed set of capabilities a uhyve VM queries at
// construction time.
var Required = []kvm.Capability{
	kvm.CapIRQChip,
	kvm.CapUserMemory,
	kvm.CapSetTSSAddr,
	kvm.CapMPState,
	kvm.CapIRQRouting,
	kvm.CapIRQFD,
	kvm.CapPIT2,
	kvm.CapVCPUEvents,
	kvm.CapXSave,
	kvm.CapXCRS,
	kvm.CapTSCDeadlineTimer,
	kvm.CapAdjustClock,
	kvm.CapVAPIC,
}

// Run opens kvmPath and writes one line per required capability,
// reporting whether the host supports it.
func Run(kvmPath string, w io.Writer) error {
	fd, err := kvm.Open(kvmPath)
	if err != nil {
		return err
	}
	defer func() { _ = syscall.Close(int(fd)) }()

	for _, cap := range Required {
		v, err := kvm.CheckExtension(fd, cap)
		if err != nil {
			return fmt.Errorf("checking %s: %w", cap, err)
		}

		fmt.Fprintf(w, "%-24s: %d\n", cap, v)
	}

	return nil
}
