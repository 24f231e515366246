package restrack

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Kernel USER_HZ. Fixed at 100 on every supported platform.
const clockTicksPerSecond = 100

// processCPUTime reads cumulative CPU time (user + system, including reaped
// children) from /proc/<pid>/stat.
func processCPUTime(pid int) (time.Duration, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}

	// The comm field is parenthesized and may contain spaces; fields are
	// counted from after the closing paren.
	idx := strings.LastIndexByte(string(data), ')')
	if idx < 0 {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(string(data[idx+1:]))
	// After ") ": field 0 is state; utime/stime/cutime/cstime are 11-14.
	if len(fields) < 15 {
		return 0, fmt.Errorf("short stat for pid %d", pid)
	}

	var ticks int64
	for _, i := range []int{11, 12, 13, 14} {
		n, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse stat field for pid %d: %w", pid, err)
		}
		ticks += n
	}

	return time.Duration(ticks) * time.Second / clockTicksPerSecond, nil
}

// processRSS reads resident set size in bytes from /proc/<pid>/status.
func processRSS(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}

	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse VmRSS for pid %d: %w", pid, err)
		}
		return kb << 10, nil
	}
	return 0, fmt.Errorf("no VmRSS for pid %d", pid)
}
