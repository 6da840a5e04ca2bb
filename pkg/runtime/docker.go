package runtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"

	"github.com/lissto-dev/fleet/pkg/config"
)

// exitCodePattern extracts the exit code from a status line like "Exited (137) 2 hours ago"
var exitCodePattern = regexp.MustCompile(`Exited \((-?\d+)\)`)

// DockerClient implements Client against the Docker Engine API
type DockerClient struct {
	cli *client.Client
}

// NewDockerClient creates a client for a local socket or a remote endpoint
func NewDockerClient(source config.SourceConfig) (*DockerClient, error) {
	opts, err := clientOptions(source)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", source.Name, err)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client for %s: %w", source.Name, err)
	}
	return &DockerClient{cli: cli}, nil
}

func clientOptions(source config.SourceConfig) ([]client.Opt, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}

	if source.Socket != "" {
		return append(opts, client.WithHost("unix://"+source.Socket)), nil
	}

	host, scheme, err := endpointHost(source.Endpoint)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: 4,
	}
	if scheme == "https" || source.TLS != nil {
		scheme = "https"
		tlsOpts := tlsconfig.Options{}
		if source.TLS != nil {
			tlsOpts = tlsconfig.Options{
				CAFile:             source.TLS.CAFile,
				CertFile:           source.TLS.CertFile,
				KeyFile:            source.TLS.KeyFile,
				InsecureSkipVerify: source.TLS.InsecureSkipVerify,
			}
		}
		tlsConfig, err := tlsconfig.Client(tlsOpts)
		if err != nil {
			return nil, fmt.Errorf("load tls material: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	// The HTTP client must be in place before WithHost configures its transport
	opts = append(opts,
		client.WithHTTPClient(&http.Client{Transport: transport}),
		client.WithHost(host),
		client.WithScheme(scheme),
	)

	if source.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(source.Username + ":" + source.Password))
		opts = append(opts, client.WithHTTPHeaders(map[string]string{
			"Authorization": "Basic " + creds,
		}))
	}

	return opts, nil
}

// endpointHost turns an http, https or tcp URL into a docker host string
func endpointHost(endpoint string) (host, scheme string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}

	var defaultPort string
	switch u.Scheme {
	case "tcp":
		scheme, defaultPort = "http", "2375"
	case "http":
		scheme, defaultPort = "http", "80"
	case "https":
		scheme, defaultPort = "https", "443"
	default:
		return "", "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	hostPort := u.Host
	if u.Port() == "" {
		hostPort = net.JoinHostPort(u.Hostname(), defaultPort)
	}
	return "tcp://" + hostPort + strings.TrimSuffix(u.Path, "/"), scheme, nil
}

// ListContainers lists every container, running or not
func (d *DockerClient) ListContainers(ctx context.Context) ([]Container, error) {
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, err
	}

	// One image listing maps image IDs to registry digests for every container
	repoDigests := make(map[string][]string)
	if images, err := d.cli.ImageList(ctx, image.ListOptions{}); err == nil {
		for _, img := range images {
			repoDigests[img.ID] = img.RepoDigests
		}
	}

	containers := make([]Container, 0, len(summaries))
	for _, s := range summaries {
		containers = append(containers, fromSummary(s, repoDigests[s.ImageID]))
	}
	return containers, nil
}

func fromSummary(s container.Summary, repoDigests []string) Container {
	c := Container{
		ID:      s.ID,
		Image:   s.Image,
		ImageID: s.ImageID,
		State:   string(s.State),
		Status:  s.Status,
		Labels:  s.Labels,
		Digest:  pickDigest(s.Image, repoDigests),
	}
	if len(s.Names) > 0 {
		c.Name = strings.TrimPrefix(s.Names[0], "/")
	}
	if c.Labels == nil {
		c.Labels = map[string]string{}
	}
	if !c.Running() {
		c.ExitCode = parseExitCode(s.Status)
	}
	for _, p := range s.Ports {
		c.Ports = append(c.Ports, Port{
			IP:          p.IP,
			PrivatePort: p.PrivatePort,
			PublicPort:  p.PublicPort,
			Type:        p.Type,
		})
	}
	return c
}

// pickDigest prefers the repo digest of the repository the container was started from
func pickDigest(imageRef string, repoDigests []string) string {
	if at := strings.LastIndex(imageRef, "@"); at != -1 {
		return imageRef[at+1:]
	}

	repo := imageRef
	if colon := strings.LastIndex(repo, ":"); colon != -1 && !strings.Contains(repo[colon:], "/") {
		repo = repo[:colon]
	}

	var first string
	for _, rd := range repoDigests {
		name, digest, ok := strings.Cut(rd, "@")
		if !ok {
			continue
		}
		if first == "" {
			first = digest
		}
		if name == repo || strings.HasSuffix(name, "/"+repo) {
			return digest
		}
	}
	return first
}

func parseExitCode(status string) *int {
	m := exitCodePattern.FindStringSubmatch(status)
	if m == nil {
		return nil
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &code
}

// ContainerStats takes a one-shot resource usage sample
func (d *DockerClient) ContainerStats(ctx context.Context, id string) (*ContainerStats, error) {
	resp, err := d.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode stats for %s: %w", id, err)
	}
	return statsFromResponse(id, &raw), nil
}

func statsFromResponse(id string, raw *container.StatsResponse) *ContainerStats {
	stats := &ContainerStats{
		ID:          id,
		MemoryLimit: raw.MemoryStats.Limit,
		PIDs:        raw.PidsStats.Current,
	}

	// Page cache is reclaimable and excluded from usage, like docker stats does
	used := raw.MemoryStats.Usage
	if cache, ok := raw.MemoryStats.Stats["inactive_file"]; ok && cache < used {
		used -= cache
	} else if cache, ok := raw.MemoryStats.Stats["cache"]; ok && cache < used {
		used -= cache
	}
	stats.MemoryUsage = used
	if stats.MemoryLimit > 0 {
		stats.MemoryPercent = float64(used) / float64(stats.MemoryLimit) * 100
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	onlineCPUs := float64(raw.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuDelta > 0 && systemDelta > 0 {
		stats.CPUPercent = cpuDelta / systemDelta * onlineCPUs * 100
	}

	for _, n := range raw.Networks {
		stats.NetworkRx += n.RxBytes
		stats.NetworkTx += n.TxBytes
	}
	return stats
}

// HostInfo returns daemon and host details
func (d *DockerClient) HostInfo(ctx context.Context) (*HostInfo, error) {
	info, err := d.cli.Info(ctx)
	if err != nil {
		return nil, err
	}
	return &HostInfo{
		Name:              info.Name,
		ServerVersion:     info.ServerVersion,
		OperatingSystem:   info.OperatingSystem,
		KernelVersion:     info.KernelVersion,
		Architecture:      info.Architecture,
		CPUs:              info.NCPU,
		MemoryTotal:       info.MemTotal,
		ContainersRunning: info.ContainersRunning,
	}, nil
}

// Close releases the underlying HTTP transport
func (d *DockerClient) Close() error {
	return d.cli.Close()
}
