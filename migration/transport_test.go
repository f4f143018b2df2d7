package migration

import (
	"bytes"
	"testing"

	"github.com/nmi/uhyve/checkpoint"
	"github.com/nmi/uhyve/kvm"
)

func TestConfigRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := checkpoint.Config{
		NumCPUs:          2,
		MemSize:          1 << 30,
		CheckpointNumber: 5,
		ElfEntry:         0x100000,
		Full:             true,
	}

	var buf bytes.Buffer

	if err := NewSender(&buf).SendConfig(cfg); err != nil {
		t.Fatalf("SendConfig: %v", err)
	}

	got, err := NewReceiver(&buf).ReadConfig()
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}

	if got != cfg {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cfg)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 4096)
	for i := range mem {
		mem[i] = byte(i)
	}

	var buf bytes.Buffer

	if err := NewSender(&buf).SendMemory(mem); err != nil {
		t.Fatalf("SendMemory: %v", err)
	}

	got := make([]byte, len(mem))
	if err := NewReceiver(&buf).ReadMemory(got); err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}

	if !bytes.Equal(got, mem) {
		t.Fatal("memory round trip mismatch")
	}
}

func TestVCPUStatesRoundTrip(t *testing.T) {
	t.Parallel()

	states := []VCPUState{
		{Regs: kvm.Regs{RIP: 0x1000, RAX: 1}},
		{Regs: kvm.Regs{RIP: 0x2000, RAX: 2}},
	}
	states[0].MSRs[0] = 0xdead
	states[1].MSRs[kvm.NumSavedMSRs-1] = 0xbeef

	var buf bytes.Buffer

	if err := NewSender(&buf).SendVCPUStates(states); err != nil {
		t.Fatalf("SendVCPUStates: %v", err)
	}

	got, err := NewReceiver(&buf).ReadVCPUStates(uint32(len(states)))
	if err != nil {
		t.Fatalf("ReadVCPUStates: %v", err)
	}

	for i := range states {
		if got[i] != states[i] {
			t.Fatalf("vcpu %d mismatch: got %+v, want %+v", i, got[i], states[i])
		}
	}
}

func TestClockOptionalAbsent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	if err := NewSender(&buf).SendClock(nil, false); err != nil {
		t.Fatalf("SendClock: %v", err)
	}

	_, present, err := NewReceiver(&buf).ReadClock()
	if err != nil {
		t.Fatalf("ReadClock: %v", err)
	}

	if present {
		t.Fatal("expected clock to be reported absent")
	}
}

func TestClockOptionalPresent(t *testing.T) {
	t.Parallel()

	clock := kvm.ClockData{Clock: 12345, HostTSC: 99}

	var buf bytes.Buffer

	if err := NewSender(&buf).SendClock(&clock, true); err != nil {
		t.Fatalf("SendClock: %v", err)
	}

	got, present, err := NewReceiver(&buf).ReadClock()
	if err != nil {
		t.Fatalf("ReadClock: %v", err)
	}

	if !present {
		t.Fatal("expected clock to be reported present")
	}

	if got != clock {
		t.Fatalf("clock mismatch: got %+v, want %+v", got, clock)
	}
}

func TestFullSequentialStream(t *testing.T) {
	t.Parallel()

	cfg := checkpoint.Config{NumCPUs: 1, MemSize: 4096, CheckpointNumber: 1, ElfEntry: 0x1000}
	mem := bytes.Repeat([]byte{0xAB}, int(cfg.MemSize))
	states := []VCPUState{{Regs: kvm.Regs{RIP: 0x1000}}}
	clock := kvm.ClockData{Clock: 7}

	var buf bytes.Buffer
	sender := NewSender(&buf)

	if err := sender.SendConfig(cfg); err != nil {
		t.Fatalf("SendConfig: %v", err)
	}

	if err := sender.SendMemory(mem); err != nil {
		t.Fatalf("SendMemory: %v", err)
	}

	if err := sender.SendVCPUStates(states); err != nil {
		t.Fatalf("SendVCPUStates: %v", err)
	}

	if err := sender.SendClock(&clock, true); err != nil {
		t.Fatalf("SendClock: %v", err)
	}

	recv := NewReceiver(&buf)

	gotCfg, err := recv.ReadConfig()
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}

	if gotCfg != cfg {
		t.Fatalf("config mismatch: got %+v, want %+v", gotCfg, cfg)
	}

	gotMem := make([]byte, gotCfg.MemSize)
	if err := recv.ReadMemory(gotMem); err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}

	if !bytes.Equal(gotMem, mem) {
		t.Fatal("memory mismatch")
	}

	gotStates, err := recv.ReadVCPUStates(gotCfg.NumCPUs)
	if err != nil {
		t.Fatalf("ReadVCPUStates: %v", err)
	}

	if gotStates[0] != states[0] {
		t.Fatal("vcpu state mismatch")
	}

	gotClock, present, err := recv.ReadClock()
	if err != nil {
		t.Fatalf("ReadClock: %v", err)
	}

	if !present || gotClock != clock {
		t.Fatal("clock mismatch")
	}
}
