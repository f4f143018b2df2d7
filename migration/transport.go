package migration

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nmi/uhyve/checkpoint"
	"github.com/nmi/uhyve/kvm"
)

// Sender writes the migration stream to an underlying connection, in
// the fixed order: CheckpointConfig, full guest RAM, one VCPUState per
// vCPU, then a single presence byte and an optional kvm.ClockData.
type Sender struct {
	w io.Writer
}

// NewSender wraps w, typically a net.Conn dialed to Port, as a Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// SendConfig writes cfg's fixed-width binary form. It must be the first
// thing sent: the receiver uses cfg.NumCPUs and cfg.MemSize to know how
// many subsequent bytes to expect, since nothing else in this protocol
// is length-prefixed.
func (s *Sender) SendConfig(cfg checkpoint.Config) error {
	if err := binary.Write(s.w, binary.LittleEndian, cfg.NumCPUs); err != nil {
		return fmt.Errorf("sending num cpus: %w", err)
	}

	if err := binary.Write(s.w, binary.LittleEndian, cfg.MemSize); err != nil {
		return fmt.Errorf("sending mem size: %w", err)
	}

	if err := binary.Write(s.w, binary.LittleEndian, cfg.CheckpointNumber); err != nil {
		return fmt.Errorf("sending checkpoint number: %w", err)
	}

	if err := binary.Write(s.w, binary.LittleEndian, cfg.ElfEntry); err != nil {
		return fmt.Errorf("sending elf entry: %w", err)
	}

	full := uint8(0)
	if cfg.Full {
		full = 1
	}

	if err := binary.Write(s.w, binary.LittleEndian, full); err != nil {
		return fmt.Errorf("sending full flag: %w", err)
	}

	return nil
}

// SendMemory writes the guest's entire physical address space, raw.
func (s *Sender) SendMemory(mem []byte) error {
	_, err := s.w.Write(mem)

	return err
}

// SendVCPUStates writes one fixed-size VCPUState record per vCPU, in
// vCPU-index order.
func (s *Sender) SendVCPUStates(states []VCPUState) error {
	for i, st := range states {
		if err := binary.Write(s.w, binary.LittleEndian, st); err != nil {
			return fmt.Errorf("sending vcpu %d state: %w", i, err)
		}
	}

	return nil
}

// SendClock writes a single presence byte followed by clock, when
// present is true, or just the presence byte otherwise. A live
// migration's clock is only meaningful when the destination host also
// reports a stable TSC, so the caller decides whether to include it.
func (s *Sender) SendClock(clock *kvm.ClockData, present bool) error {
	flag := uint8(0)
	if present {
		flag = 1
	}

	if err := binary.Write(s.w, binary.LittleEndian, flag); err != nil {
		return fmt.Errorf("sending clock presence flag: %w", err)
	}

	if !present {
		return nil
	}

	if err := binary.Write(s.w, binary.LittleEndian, clock); err != nil {
		return fmt.Errorf("sending clock: %w", err)
	}

	return nil
}

// Receiver reads the migration stream written by a Sender, in the same
// fixed order.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r, typically an accepted net.Conn, as a Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// ReadConfig reads the CheckpointConfig record that must open the
// stream.
func (r *Receiver) ReadConfig() (checkpoint.Config, error) {
	var cfg checkpoint.Config

	if err := binary.Read(r.r, binary.LittleEndian, &cfg.NumCPUs); err != nil {
		return checkpoint.Config{}, fmt.Errorf("reading num cpus: %w", err)
	}

	if err := binary.Read(r.r, binary.LittleEndian, &cfg.MemSize); err != nil {
		return checkpoint.Config{}, fmt.Errorf("reading mem size: %w", err)
	}

	if err := binary.Read(r.r, binary.LittleEndian, &cfg.CheckpointNumber); err != nil {
		return checkpoint.Config{}, fmt.Errorf("reading checkpoint number: %w", err)
	}

	if err := binary.Read(r.r, binary.LittleEndian, &cfg.ElfEntry); err != nil {
		return checkpoint.Config{}, fmt.Errorf("reading elf entry: %w", err)
	}

	var full uint8
	if err := binary.Read(r.r, binary.LittleEndian, &full); err != nil {
		return checkpoint.Config{}, fmt.Errorf("reading full flag: %w", err)
	}

	cfg.Full = full == 1

	return cfg, nil
}

// ReadMemory reads exactly len(mem) bytes of guest RAM into mem.
func (r *Receiver) ReadMemory(mem []byte) error {
	_, err := io.ReadFull(r.r, mem)

	return err
}

// ReadVCPUStates reads n fixed-size VCPUState records.
func (r *Receiver) ReadVCPUStates(n uint32) ([]VCPUState, error) {
	states := make([]VCPUState, n)

	for i := range states {
		if err := binary.Read(r.r, binary.LittleEndian, &states[i]); err != nil {
			return nil, fmt.Errorf("reading vcpu %d state: %w", i, err)
		}
	}

	return states, nil
}

// ReadClock reads the presence byte and, if set, the following
// kvm.ClockData.
func (r *Receiver) ReadClock() (clock kvm.ClockData, present bool, err error) {
	var flag uint8
	if err := binary.Read(r.r, binary.LittleEndian, &flag); err != nil {
		return kvm.ClockData{}, false, fmt.Errorf("reading clock presence flag: %w", err)
	}

	if flag == 0 {
		return kvm.ClockData{}, false, nil
	}

	if err := binary.Read(r.r, binary.LittleEndian, &clock); err != nil {
		return kvm.ClockData{}, false, fmt.Errorf("reading clock: %w", err)
	}

	return clock, true, nil
}
