package vm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nmi/uhyve/checkpoint"
	"github.com/nmi/uhyve/config"
	"github.com/nmi/uhyve/paging"
	"github.com/nmi/uhyve/vcpu"
)

// BootFromCheckpoint reconstructs a VM from the on-disk checkpoint/
// directory, replaying the saved pages (every generation for an
// incremental checkpoint, only the last one for a full checkpoint) and
// restoring each vCPU's saved state instead of loading a kernel ELF.
func BootFromCheckpoint(cfg config.Config) (*VM, error) {
	dir := checkpoint.Dir(checkpointBase)

	cfgFile, err := os.Open(checkpointConfigPath(dir))
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint config: %w", err)
	}

	chkCfg, err := checkpoint.ParseText(cfgFile)
	cfgFile.Close()

	if err != nil {
		return nil, err
	}

	cfg.NCPUs = int(chkCfg.NumCPUs)

	v, err := openVM(cfg, chkCfg.MemSize)
	if err != nil {
		return nil, err
	}

	v.chkCfg = chkCfg
	v.pml4Addr = paging.BootPML4

	// Every vCPU must exist before checkpoint.Load can restore it, so
	// they're created first, runnable but holding whatever transient
	// state vcpu.New leaves them in; Load immediately overwrites that
	// via each one's Restore.
	if err := v.createCPUs(cfg, func(c *vcpu.VCPU, i int) error { return nil }); err != nil {
		v.Close()

		return nil, err
	}

	load := func(i int, data []byte) error { return v.vcpus[i].Restore(data) }

	if err := checkpoint.Load(checkpointBase, chkCfg, v.mem.AsSlice(), v.vmFd, load, v.caps.ClockStable); err != nil {
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

	return v, nil
}

func checkpointConfigPath(dir string) string {
	return filepath.Join(dir, "chk_config.txt")
}
