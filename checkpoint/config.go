// Package checkpoint implements uhyve's file-based guest checkpoint
// and restore: periodic page-table scans that capture dirty/accessed
// guest memory alongside per-vCPU register state.
package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Config mirrors the in-memory and on-disk CheckpointConfig record.
type Config struct {
	NumCPUs          uint32
	MemSize          uint64
	CheckpointNumber uint32
	ElfEntry         uint64
	Full             bool
}

// ErrInvalidCheckpoint is returned when chk_config.txt does not match
// the expected line-prefix-ordered format.
var ErrInvalidCheckpoint = errors.New("invalid checkpoint config")

const (
	prefixCores   = "number of cores: "
	prefixMemSize = "memory size: 0x"
	prefixChkNum  = "checkpoint number: "
	prefixEntry   = "entry point: 0x"
	prefixFull    = "full checkpoint: "
)

// WriteText renders cfg as checkpoint/chk_config.txt's canonical,
// line-prefix-ordered text format.
func WriteText(w io.Writer, cfg Config) error {
	full := "0"
	if cfg.Full {
		full = "1"
	}

	_, err := fmt.Fprintf(w,
		"%s%d\n%s%x\n%s%d\n%s%x\n%s%s\n",
		prefixCores, cfg.NumCPUs,
		prefixMemSize, cfg.MemSize,
		prefixChkNum, cfg.CheckpointNumber,
		prefixEntry, cfg.ElfEntry,
		prefixFull, full,
	)

	return err
}

// ParseText parses chk_config.txt. Each field's prefix must appear, in
// the same order WriteText emits them; any other order or a missing
// prefix is ErrInvalidCheckpoint.
func ParseText(r io.Reader) (Config, error) {
	scanner := bufio.NewScanner(r)

	next := func(prefix string) (string, error) {
		if !scanner.Scan() {
			return "", fmt.Errorf("%w: missing line for %q", ErrInvalidCheckpoint, prefix)
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, prefix) {
			return "", fmt.Errorf("%w: expected prefix %q, got %q", ErrInvalidCheckpoint, prefix, line)
		}

		return strings.TrimPrefix(line, prefix), nil
	}

	var cfg Config

	coresStr, err := next(prefixCores)
	if err != nil {
		return Config{}, err
	}

	cores, err := strconv.ParseUint(coresStr, 10, 32)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}

	cfg.NumCPUs = uint32(cores)

	memStr, err := next(prefixMemSize)
	if err != nil {
		return Config{}, err
	}

	mem, err := strconv.ParseUint(memStr, 16, 64)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}

	cfg.MemSize = mem

	numStr, err := next(prefixChkNum)
	if err != nil {
		return Config{}, err
	}

	num, err := strconv.ParseUint(numStr, 10, 32)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}

	cfg.CheckpointNumber = uint32(num)

	entryStr, err := next(prefixEntry)
	if err != nil {
		return Config{}, err
	}

	entry, err := strconv.ParseUint(entryStr, 16, 64)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}

	cfg.ElfEntry = entry

	fullStr, err := next(prefixFull)
	if err != nil {
		return Config{}, err
	}

	cfg.Full = fullStr == "1"

	return cfg, nil
}
