package checkpoint

import (
	"bytes"
	"strings"
	"testing"
)

func TestConfigTextRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := Config{
		NumCPUs:          4,
		MemSize:          0x40000000,
		CheckpointNumber: 3,
		ElfEntry:         0x100000,
		Full:             true,
	}

	var buf bytes.Buffer
	if err := WriteText(&buf, cfg); err != nil {
		t.Fatalf("WriteText: %v", err)
	}

	got, err := ParseText(&buf)
	if err != nil {
		t.Fatalf("ParseText: %v", err)
	}

	if got != cfg {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cfg)
	}
}

func TestConfigTextCanonicalOrder(t *testing.T) {
	t.Parallel()

	cfg := Config{NumCPUs: 1, MemSize: 0x1000, CheckpointNumber: 0, ElfEntry: 0x200000, Full: false}

	var buf bytes.Buffer
	if err := WriteText(&buf, cfg); err != nil {
		t.Fatalf("WriteText: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	wantPrefixes := []string{
		"number of cores: ",
		"memory size: 0x",
		"checkpoint number: ",
		"entry point: 0x",
		"full checkpoint: ",
	}

	if len(lines) != len(wantPrefixes) {
		t.Fatalf("got %d lines, want %d", len(lines), len(wantPrefixes))
	}

	for i, p := range wantPrefixes {
		if !strings.HasPrefix(lines[i], p) {
			t.Errorf("line %d = %q, want prefix %q", i, lines[i], p)
		}
	}
}

func TestParseTextRejectsWrongOrder(t *testing.T) {
	t.Parallel()

	bad := "memory size: 0x1000\nnumber of cores: 1\ncheckpoint number: 0\nentry point: 0x0\nfull checkpoint: 0\n"

	if _, err := ParseText(strings.NewReader(bad)); err == nil {
		t.Fatal("expected error for out-of-order fields")
	}
}

func TestParseTextRejectsMissingField(t *testing.T) {
	t.Parallel()

	bad := "number of cores: 1\nmemory size: 0x1000\n"

	if _, err := ParseText(strings.NewReader(bad)); err == nil {
		t.Fatal("expected error for missing fields")
	}
}
