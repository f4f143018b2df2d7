package vm

import (
	"os"
	"strings"
)

// cmdline serves an isle kernel its command-line parameters and the
// host's environment, for the CmdSize/CmdVal hypercalls. Args never
// includes the kernel binary name: the kernel only ever sees the
// parameters the boot config carried, not argv[0].
type cmdline struct {
	params string
}

func (c cmdline) Args() []string {
	if c.params == "" {
		return nil
	}

	return strings.Fields(c.params)
}

func (c cmdline) Environ() []string {
	return os.Environ()
}
