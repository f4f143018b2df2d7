package probe

import (
	"bytes"
	"os"
	"testing"
)

func TestRunAgainstRealKVM(t *testing.T) {
	t.Parallel()

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("skipping: /dev/kvm not available: %v", err)
	}

	var buf bytes.Buffer

	if err := Run("/dev/kvm", &buf); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if buf.Len() == 0 {
		t.Fatal("Run produced no output")
	}
}
