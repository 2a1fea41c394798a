package monitor

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Kernel clock ticks per second for utime/stime in /proc/<pid>/stat.
const userHz = 100

// procProbe reads process state from /proc.
type procProbe struct{}

func (procProbe) Snapshot(pid int) (Snapshot, error) {
	var snap Snapshot

	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return Snapshot{}, err
	}
	// comm may contain spaces; the fixed-format fields start after ')'.
	idx := strings.LastIndexByte(string(stat), ')')
	if idx < 0 {
		return Snapshot{}, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(string(stat[idx+1:]))
	// After the closing paren: state is field 0, utime is field 11,
	// stime is field 12.
	if len(fields) < 13 {
		return Snapshot{}, fmt.Errorf("short stat for pid %d", pid)
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return Snapshot{}, err
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return Snapshot{}, err
	}
	snap.CPUTime = time.Duration(utime+stime) * time.Second / userHz

	statm, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return Snapshot{}, err
	}
	parts := strings.Fields(string(statm))
	if len(parts) >= 2 {
		if pages, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			snap.RSS = pages * int64(os.Getpagesize())
		}
	}

	snap.TotalMem = totalMem()
	return snap, nil
}

func totalMem() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) >= 2 {
			if kb, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				return kb * 1024
			}
		}
		break
	}
	return 0
}
