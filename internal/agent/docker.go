package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"

	"github.com/aesterisk/aesterisk/internal/packet"
)

// ServerLabel marks containers that are managed servers. Its value is the
// server id the dashboard knows the container by.
const ServerLabel = "io.aesterisk.server.id"

// Server states reported in ServerStatus events.
const (
	StateHealthy  = "healthy"
	StateStarting = "starting"
	StateStopping = "stopping"
	StateOffline  = "offline"
	StateUnknown  = "unknown"
)

// DockerAPI is the subset of the Docker client the agent reads from.
type DockerAPI interface {
	Info(ctx context.Context) (system.Info, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Close() error
}

var _ DockerAPI = (*client.Client)(nil)

// Docker reports container and engine state from the local Docker daemon.
type Docker struct {
	api DockerAPI
}

// NewDocker connects to the Docker daemon configured in the environment.
func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{api: cli}, nil
}

// NewDockerWithAPI wraps an existing client.
func NewDockerWithAPI(api DockerAPI) *Docker {
	return &Docker{api: api}
}

// Servers lists the status of every managed container, ordered by server id.
func (d *Docker) Servers(ctx context.Context) ([]packet.ServerStatus, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ServerLabel)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]packet.ServerStatus, 0, len(list))
	for _, c := range list {
		id := c.Labels[ServerLabel]
		if id == "" {
			continue
		}
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, packet.ServerStatus{
			ServerID: id,
			Name:     name,
			State:    serverState(string(c.State)),
			Status:   c.Status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out, nil
}

// Engine returns the CPU count and container counts of the Docker host.
func (d *Docker) Engine(ctx context.Context) (system.Info, error) {
	info, err := d.api.Info(ctx)
	if err != nil {
		return system.Info{}, fmt.Errorf("docker info: %w", err)
	}
	return info, nil
}

func (d *Docker) Close() error {
	return d.api.Close()
}

func serverState(dockerState string) string {
	switch strings.ToLower(dockerState) {
	case "running":
		return StateHealthy
	case "created", "restarting":
		return StateStarting
	case "removing", "paused":
		return StateStopping
	case "exited", "dead":
		return StateOffline
	default:
		return StateUnknown
	}
}
