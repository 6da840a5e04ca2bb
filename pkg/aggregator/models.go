package aggregator

import (
	"time"

	"github.com/lissto-dev/fleet/pkg/collector"
	"github.com/lissto-dev/fleet/pkg/runtime"
)

// Instance is one container on one host
type Instance struct {
	Key           string         `json:"key"` // hostId:containerId
	HostID        string         `json:"host_id"`
	HostLabel     string         `json:"host_label"`
	ContainerID   string         `json:"container_id"`
	ContainerName string         `json:"container_name"`
	Image         string         `json:"image"`
	State         string         `json:"state"`
	ExitCode      *int           `json:"exit_code,omitempty"`
	Version       string         `json:"version,omitempty"`
	Digest        string         `json:"digest,omitempty"`
	URL           string         `json:"url,omitempty"`
	Ports         []runtime.Port `json:"ports"`
	Color         string         `json:"color,omitempty"`
}

// Running reports whether the instance is running
func (i Instance) Running() bool {
	return i.State == runtime.StateRunning
}

// Crashed reports a stopped instance with a non-zero exit code
func (i Instance) Crashed() bool {
	return !i.Running() && i.ExitCode != nil && *i.ExitCode != 0
}

// App groups the instances of one logical application across hosts
type App struct {
	Key           string     `json:"key"`
	Name          string     `json:"name"`
	Icon          string     `json:"icon,omitempty"`
	Description   string     `json:"description,omitempty"`
	Tags          []string   `json:"tags"`
	Versions      []string   `json:"versions"`
	LatestVersion string     `json:"latest_version,omitempty"`
	Instances     []Instance `json:"instances"`
}

// HostStats summarizes one configured host
type HostStats struct {
	HostID    string            `json:"host_id"`
	HostLabel string            `json:"host_label"`
	Color     string            `json:"color,omitempty"`
	Online    bool              `json:"online"`
	Total     int               `json:"total"`
	Running   int               `json:"running"`
	Stopped   int               `json:"stopped"`
	Crashed   int               `json:"crashed"`
	Outdated  int               `json:"outdated"`
	Info      *runtime.HostInfo `json:"info,omitempty"`
}

// Snapshot is the result of one aggregation
type Snapshot struct {
	ID              string              `json:"snapshot_id"`
	Apps            []App               `json:"apps"`
	AppFilters      []string            `json:"app_filters"`
	HostFilters     []string            `json:"host_filters"`
	Warnings        []collector.Warning `json:"warnings"`
	HostStats       []HostStats         `json:"host_stats"`
	TotalContainers int                 `json:"total_containers"`
	GeneratedAt     time.Time           `json:"generated_at"`
}

// VersionUpdate is one instance whose version was resolved from its digest
type VersionUpdate struct {
	Key     string `json:"key"`
	AppKey  string `json:"app_key"`
	Version string `json:"version"`
}

// AppVersions is the recomputed version set of an app
type AppVersions struct {
	Key           string   `json:"key"`
	Versions      []string `json:"versions"`
	LatestVersion string   `json:"latest_version,omitempty"`
}

// VersionBackfill is the result of resolving ambiguous versions
type VersionBackfill struct {
	SnapshotID string          `json:"snapshot_id"`
	Updates    []VersionUpdate `json:"updates"`
	Apps       []AppVersions   `json:"apps"`
	HostStats  []HostStats     `json:"host_stats"`
}

// HostUsage totals live usage over the running containers of one host
type HostUsage struct {
	HostID        string  `json:"host_id"`
	Containers    int     `json:"containers"`
	MemoryUsage   uint64  `json:"memory_usage"`
	CPUPercent    float64 `json:"cpu_percent"`
	NetworkRx     uint64  `json:"network_rx"`
	NetworkTx     uint64  `json:"network_tx"`
	PIDs          uint64  `json:"pids"`
	MemoryTotal   int64   `json:"memory_total,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
}

// UsageBackfill is the live usage of the running instances of a snapshot
type UsageBackfill struct {
	SnapshotID string                             `json:"snapshot_id"`
	Containers map[string]*runtime.ContainerStats `json:"containers"` // keyed by instance key
	Hosts      []HostUsage                        `json:"hosts"`
}
