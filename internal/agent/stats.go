package agent

import (
	"context"
	"log/slog"

	"github.com/aesterisk/aesterisk/internal/packet"
)

const gib = float64(1 << 30)

// Collector gathers the state a daemon reports.
type Collector interface {
	NodeStats(ctx context.Context) (packet.NodeStats, error)
	Servers(ctx context.Context) ([]packet.ServerStatus, error)
}

// HostCollector reads memory, storage and CPU usage from the host and, when
// Docker is configured, container counts and server states.
type HostCollector struct {
	StoragePath string
	Docker      *Docker // optional
	Logger      *slog.Logger

	cpu cpuSampler
}

func (h *HostCollector) NodeStats(ctx context.Context) (packet.NodeStats, error) {
	var st packet.NodeStats
	mem, err := readMemory()
	if err != nil {
		return st, err
	}
	st.UsedMemory = float64(mem.used) / gib
	st.TotalMemory = float64(mem.total) / gib

	path := h.StoragePath
	if path == "" {
		path = "/"
	}
	disk, err := readStorage(path)
	if err != nil {
		return st, err
	}
	st.UsedStorage = float64(disk.used) / gib
	st.TotalStorage = float64(disk.total) / gib

	if usage, err := h.cpu.sample(); err == nil {
		st.CPU = usage
	} else if h.Logger != nil {
		h.Logger.Debug("agent: cpu sample failed", "error", err)
	}

	if h.Docker != nil {
		info, err := h.Docker.Engine(ctx)
		if err != nil {
			if h.Logger != nil {
				h.Logger.Warn("agent: docker info failed", "error", err)
			}
		} else {
			st.CPUs = info.NCPU
			st.Containers = info.Containers
			st.ContainersRunning = info.ContainersRunning
		}
	}
	return st, nil
}

func (h *HostCollector) Servers(ctx context.Context) ([]packet.ServerStatus, error) {
	if h.Docker == nil {
		return nil, nil
	}
	return h.Docker.Servers(ctx)
}

type usage struct {
	used  uint64
	total uint64
}
