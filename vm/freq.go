package vm

import (
	"bufio"
	"errors"
	"os"
	"strconv"
	"strings"
)

// ErrMissingFrequency is returned when the host's CPU frequency cannot
// be determined, which the multiboot info block requires so the guest
// can calibrate its own timers.
var ErrMissingFrequency = errors.New("could not determine host cpu frequency")

// hostCPUFreqMHz reads the first "cpu MHz" line out of /proc/cpuinfo.
func hostCPUFreqMHz() (uint32, error) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return 0, errors.Join(ErrMissingFrequency, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu MHz") {
			continue
		}

		fields := strings.Split(line, ":")
		if len(fields) != 2 {
			continue
		}

		mhz, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			continue
		}

		return uint32(mhz), nil
	}

	return 0, ErrMissingFrequency
}
