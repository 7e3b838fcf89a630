package cpugov

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// newProcStatSampler returns a sampler computing system idle percent from
// aggregate /proc/stat counter deltas between calls. The first call has no
// baseline and reports full idle.
func newProcStatSampler() func() (float64, error) {
	var lastIdle, lastTotal uint64
	return func() (float64, error) {
		idle, total, err := readProcStat("/proc/stat")
		if err != nil {
			return 0, err
		}
		defer func() { lastIdle, lastTotal = idle, total }()

		if lastTotal == 0 || total <= lastTotal {
			return 100, nil
		}
		idleDelta := idle - lastIdle
		totalDelta := total - lastTotal
		return float64(idleDelta) / float64(totalDelta) * 100, nil
	}
}

// readProcStat parses the aggregate "cpu" line. Idle counts idle+iowait;
// total is the sum of all jiffy columns.
func readProcStat(path string) (idle, total uint64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	for line := range strings.Lines(string(data)) {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("parse %s field %d: %w", path, i+1, err)
			}
			total += v
			if i == 3 || i == 4 { // idle, iowait
				idle += v
			}
		}
		return idle, total, nil
	}
	return 0, 0, fmt.Errorf("no aggregate cpu line in %s", path)
}
