package checkpoint

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nmi/uhyve/kvm"
)

// SaveVCPU returns the raw per-vCPU snapshot (registers, sregs, MSRs,
// FPU/XSave, and so on, concatenated by the caller) for vCPU i.
type SaveVCPU func(i int) ([]byte, error)

// LoadVCPU restores vCPU i from a raw snapshot previously produced by a
// SaveVCPU of the same shape.
type LoadVCPU func(i int, data []byte) error

// Dir returns the checkpoint directory path uhyve uses, rooted at base.
func Dir(base string) string {
	return filepath.Join(base, "checkpoint")
}

func configPath(dir string) string { return filepath.Join(dir, "chk_config.txt") }

func memPath(dir string, n uint32) string {
	return filepath.Join(dir, fmt.Sprintf("chk%d_mem.dat", n))
}

func corePath(dir string, n uint32, i int) string {
	return filepath.Join(dir, fmt.Sprintf("chk%d_core%d.dat", n, i))
}

// Create writes one checkpoint generation: chk<N>_mem.dat (a ClockData
// header followed by the dirty/accessed page scan), one
// chk<N>_core<i>.dat per vCPU, and the updated chk_config.txt. It
// returns cfg with CheckpointNumber incremented, ready for the next
// call.
func Create(base string, cfg Config, mem []byte, pml4Addr uint64, vmFd uintptr, save SaveVCPU) (Config, error) {
	dir := Dir(base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Config{}, fmt.Errorf("creating checkpoint dir: %w", err)
	}

	first := cfg.CheckpointNumber == 0

	memFile, err := os.Create(memPath(dir, cfg.CheckpointNumber))
	if err != nil {
		return Config{}, fmt.Errorf("creating checkpoint memory file: %w", err)
	}
	defer memFile.Close()

	var clock kvm.ClockData
	if err := kvm.GetClock(vmFd, &clock); err != nil {
		return Config{}, fmt.Errorf("reading clock: %w", err)
	}

	if err := writeClockHeader(memFile, clock); err != nil {
		return Config{}, fmt.Errorf("writing clock header: %w", err)
	}

	incremental := !cfg.Full
	if err := scanPageTables(mem, pml4Addr, incremental, first, memFile); err != nil {
		return Config{}, fmt.Errorf("scanning page tables: %w", err)
	}

	for i := uint32(0); i < cfg.NumCPUs; i++ {
		data, err := save(int(i))
		if err != nil {
			return Config{}, fmt.Errorf("saving vcpu %d: %w", i, err)
		}

		if err := os.WriteFile(corePath(dir, cfg.CheckpointNumber, int(i)), data, 0o644); err != nil {
			return Config{}, fmt.Errorf("writing vcpu %d snapshot: %w", i, err)
		}
	}

	next := cfg
	next.CheckpointNumber = cfg.CheckpointNumber + 1

	cfgFile, err := os.Create(configPath(dir))
	if err != nil {
		return Config{}, fmt.Errorf("creating checkpoint config: %w", err)
	}
	defer cfgFile.Close()

	if err := WriteText(cfgFile, next); err != nil {
		return Config{}, fmt.Errorf("writing checkpoint config: %w", err)
	}

	return next, nil
}

// Load restores a checkpointed guest from base's checkpoint directory.
// When cfg.Full is true, only the final generation (CheckpointNumber-1)
// is applied since a full checkpoint is self-contained; otherwise every
// generation from 0 up to and including CheckpointNumber-1 is replayed
// in order, since each incremental generation only records pages
// touched since the previous one.
//
// clockStable reports whether the host's TSC is stable (kvm.ClockTSCStable).
// The clock read from the final generation's header is only applied
// when clockStable is true, matching the KVM guidance that Realtime and
// HostTSC are meaningless to restore otherwise.
func Load(base string, cfg Config, mem []byte, vmFd uintptr, load LoadVCPU, clockStable bool) error {
	dir := Dir(base)

	start := uint32(0)
	if cfg.Full {
		start = cfg.CheckpointNumber - 1
	}

	var lastClock kvm.ClockData

	for gen := start; gen < cfg.CheckpointNumber; gen++ {
		memFile, err := os.Open(memPath(dir, gen))
		if err != nil {
			return fmt.Errorf("opening checkpoint memory file %d: %w", gen, err)
		}

		clock, err := readClockHeader(memFile)
		if err != nil {
			memFile.Close()

			return fmt.Errorf("reading clock header %d: %w", gen, err)
		}

		lastClock = clock

		if err := restorePages(memFile, mem); err != nil {
			memFile.Close()

			return fmt.Errorf("restoring pages from generation %d: %w", gen, err)
		}

		memFile.Close()
	}

	for i := uint32(0); i < cfg.NumCPUs; i++ {
		data, err := os.ReadFile(corePath(dir, cfg.CheckpointNumber-1, int(i)))
		if err != nil {
			return fmt.Errorf("reading vcpu %d snapshot: %w", i, err)
		}

		if err := load(int(i), data); err != nil {
			return fmt.Errorf("restoring vcpu %d: %w", i, err)
		}
	}

	if clockStable {
		if err := kvm.SetClock(vmFd, &lastClock); err != nil {
			return fmt.Errorf("restoring clock: %w", err)
		}
	}

	return nil
}

func writeClockHeader(w io.Writer, c kvm.ClockData) error {
	var buf [40]byte

	putLE64(buf[0:], c.Clock)
	putLE32(buf[8:], c.Flags)
	putLE64(buf[16:], c.Realtime)
	putLE64(buf[24:], c.HostTSC)
	putLE32(buf[32:], c.Flags2)

	_, err := w.Write(buf[:])

	return err
}

func readClockHeader(r io.Reader) (kvm.ClockData, error) {
	var buf [40]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return kvm.ClockData{}, err
	}

	return kvm.ClockData{
		Clock:    getLE64(buf[0:]),
		Flags:    getLE32(buf[8:]),
		Realtime: getLE64(buf[16:]),
		HostTSC:  getLE64(buf[24:]),
		Flags2:   getLE32(buf[32:]),
	}, nil
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putLE32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getLE64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}

	return v
}

func getLE32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(b[i]) << (8 * i)
	}

	return v
}
