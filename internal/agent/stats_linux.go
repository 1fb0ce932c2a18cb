package agent

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

func readMemory() (usage, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return usage{}, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalram) * unit
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	if free > total {
		free = total
	}
	return usage{used: total - free, total: total}, nil
}

func readStorage(path string) (usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return usage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	avail := st.Bavail * bsize
	if avail > total {
		avail = total
	}
	return usage{used: total - avail, total: total}, nil
}

// cpuSampler turns successive /proc/stat readings into a usage percentage.
type cpuSampler struct {
	mu          sync.Mutex
	idle, total uint64
}

func (s *cpuSampler) sample() (float64, error) {
	idle, total, err := readProcStat("/proc/stat")
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prevIdle, prevTotal := s.idle, s.total
	s.idle, s.total = idle, total
	if prevTotal == 0 || total <= prevTotal {
		return 0, nil
	}
	dTotal := float64(total - prevTotal)
	dIdle := float64(idle - prevIdle)
	return 100 * (dTotal - dIdle) / dTotal, nil
}

func readProcStat(path string) (idle, total uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		for i, raw := range fields[1:] {
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("parse %s: %w", path, err)
			}
			total += v
			// idle and iowait
			if i == 3 || i == 4 {
				idle += v
			}
		}
		return idle, total, nil
	}
	if err := sc.Err(); err != nil {
		return 0, 0, err
	}
	return 0, 0, errors.New("no aggregate cpu line in " + path)
}
