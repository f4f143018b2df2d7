package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/nmi/uhyve/config"
	"github.com/nmi/uhyve/kvm"
	"github.com/nmi/uhyve/migration"
	"github.com/nmi/uhyve/paging"
	"github.com/nmi/uhyve/vcpu"
)

// ReceiveMigration listens for a single incoming migration on
// migration.Port, reconstructs the VM it describes, restores every
// vCPU's state, and returns it ready to run. Unlike Boot, no kernel ELF
// is loaded: the incoming memory image already holds the entire guest.
func ReceiveMigration(cfg config.Config) (*VM, error) {
	addr := net.JoinHostPort("", strconv.Itoa(migration.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	defer listener.Close()

	conn, err := listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("accepting migration connection: %w", err)
	}
	defer conn.Close()

	receiver := migration.NewReceiver(conn)

	chkCfg, err := receiver.ReadConfig()
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

	for _, seg := range memorySegments(v.mem) {
		if err := receiver.ReadMemory(seg); err != nil {
			v.Close()

			return nil, err
		}
	}

	states, err := receiver.ReadVCPUStates(chkCfg.NumCPUs)
	if err != nil {
		v.Close()

		return nil, err
	}

	if err := v.restoreCPUs(cfg, states); err != nil {
		v.Close()

		return nil, err
	}

	clock, present, err := receiver.ReadClock()
	if err != nil {
		v.Close()

		return nil, err
	}

	if present && v.caps.ClockStable {
		if err := kvm.SetClock(v.vmFd, &clock); err != nil {
			v.Close()

			return nil, fmt.Errorf("restoring clock: %w", err)
		}
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

// restoreCPUs creates one vCPU per entry in states and replays its
// saved register/MSR/event state into it via vcpu.Restore.
func (v *VM) restoreCPUs(cfg config.Config, states []migration.VCPUState) error {
	return v.createCPUs(cfg, func(c *vcpu.VCPU, i int) error {
		raw, err := encodeState(states[i])
		if err != nil {
			return fmt.Errorf("encoding vcpu %d state: %w", i, err)
		}

		if err := c.Restore(raw); err != nil {
			return fmt.Errorf("restoring vcpu %d: %w", i, err)
		}

		return nil
	})
}

// encodeState is the inverse of vcpu.DecodeState: it serializes a
// migration.VCPUState back into the fixed-width form vcpu.Restore
// expects, since the migration transport hands callers structured
// values rather than the raw bytes a vCPU's own Save produces.
func encodeState(state migration.VCPUState) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, state); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
