// Package runtime talks to container runtimes over the Docker Engine API.
package runtime

import "context"

// Container states reported by the runtime
const (
	StateRunning = "running"
	StateExited  = "exited"
)

// Port is one exposed container port
type Port struct {
	IP          string `json:"ip,omitempty"`
	PrivatePort uint16 `json:"private_port"`
	PublicPort  uint16 `json:"public_port,omitempty"`
	Type        string `json:"type"`
}

// Container is one container as reported by a runtime endpoint
type Container struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Image    string            `json:"image"`
	ImageID  string            `json:"image_id"`
	Digest   string            `json:"digest,omitempty"` // registry content digest, "sha256:..."
	State    string            `json:"state"`
	Status   string            `json:"status"`
	ExitCode *int              `json:"exit_code,omitempty"` // nil while running or unknown
	Labels   map[string]string `json:"labels"`
	Ports    []Port            `json:"ports"`
}

// Running reports whether the container is running
func (c Container) Running() bool {
	return c.State == StateRunning
}

// HostInfo describes the runtime host
type HostInfo struct {
	Name              string `json:"name"`
	ServerVersion     string `json:"server_version"`
	OperatingSystem   string `json:"operating_system"`
	KernelVersion     string `json:"kernel_version"`
	Architecture      string `json:"architecture"`
	CPUs              int    `json:"cpus"`
	MemoryTotal       int64  `json:"memory_total"`
	ContainersRunning int    `json:"containers_running"`
}

// ContainerStats is a one-shot resource usage sample
type ContainerStats struct {
	ID            string  `json:"id"`
	MemoryUsage   uint64  `json:"memory_usage"`
	MemoryLimit   uint64  `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
	CPUPercent    float64 `json:"cpu_percent"`
	NetworkRx     uint64  `json:"network_rx"`
	NetworkTx     uint64  `json:"network_tx"`
	PIDs          uint64  `json:"pids"`
}

// Client is the subset of the runtime API the collector needs.
// Every call is bounded by the context deadline.
type Client interface {
	ListContainers(ctx context.Context) ([]Container, error)
	ContainerStats(ctx context.Context, id string) (*ContainerStats, error)
	HostInfo(ctx context.Context) (*HostInfo, error)
}
