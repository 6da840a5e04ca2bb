// Package collector polls container runtimes one host at a time.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lissto-dev/fleet/pkg/config"
	"github.com/lissto-dev/fleet/pkg/logging"
	"github.com/lissto-dev/fleet/pkg/metrics"
	"github.com/lissto-dev/fleet/pkg/runtime"
)

// statsConcurrency bounds in-flight stats calls per host
const statsConcurrency = 4

// Warning reports a host that could not be collected
type Warning struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

// HostResult is everything collected from one host
type HostResult struct {
	Source     config.SourceConfig
	Containers []runtime.Container
	Info       *runtime.HostInfo
}

// Collector fetches containers and host details under a per-host deadline
type Collector struct {
	pool    *runtime.Pool
	timeout time.Duration
}

// New creates a collector; timeout applies to sources without their own
func New(pool *runtime.Pool, timeout time.Duration) *Collector {
	return &Collector{pool: pool, timeout: timeout}
}

// Timeout returns the deadline used for source
func (c *Collector) Timeout(source config.SourceConfig) time.Duration {
	if source.Timeout > 0 {
		return source.Timeout
	}
	return c.timeout
}

type collectResult struct {
	containers []runtime.Container
	info       *runtime.HostInfo
	err        error
}

// Collect lists containers and host info for source.
// It never returns later than the source deadline; failures come back as a Warning.
func (c *Collector) Collect(ctx context.Context, source config.SourceConfig) (*HostResult, *Warning) {
	start := time.Now()
	timeout := c.Timeout(source)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cli, err := c.pool.Get(source)
	if err != nil {
		return nil, c.warn(source, err, start, timeout)
	}

	done := make(chan collectResult, 1)
	go func() {
		var res collectResult
		res.containers, res.err = cli.ListContainers(ctx)
		if res.err == nil {
			info, err := cli.HostInfo(ctx)
			if err != nil {
				logging.Logger.Debug("Host info unavailable",
					zap.String("source", source.Name),
					zap.Error(err))
			}
			res.info = info
		}
		done <- res
	}()

	select {
	case <-ctx.Done():
		return nil, c.warn(source, ctx.Err(), start, timeout)
	case res := <-done:
		if res.err != nil {
			return nil, c.warn(source, res.err, start, timeout)
		}
		metrics.ObserveHostCollect(source.Name, "ok", time.Since(start))
		logging.Logger.Debug("Collected host",
			zap.String("source", source.Name),
			zap.Int("containers", len(res.containers)),
			zap.Duration("elapsed", time.Since(start)))
		return &HostResult{Source: source, Containers: res.containers, Info: res.info}, nil
	}
}

func (c *Collector) warn(source config.SourceConfig, err error, start time.Time, timeout time.Duration) *Warning {
	class := Classify(err)
	metrics.ObserveHostCollect(source.Name, class, time.Since(start))
	logging.LogHostWarning(source.Name, class, err)

	msg := describe(class)
	if class == ClassTimeout {
		msg = fmt.Sprintf("timed out after %s", timeout)
	}
	return &Warning{
		Source:  source.Label(),
		Message: fmt.Sprintf("%s: %s", source.Label(), msg),
	}
}

// Stats samples resource usage for the given containers on source.
// Containers whose sample fails or misses the deadline are left out.
func (c *Collector) Stats(ctx context.Context, source config.SourceConfig, ids []string) map[string]*runtime.ContainerStats {
	results := make(map[string]*runtime.ContainerStats, len(ids))
	if len(ids) == 0 {
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout(source))
	defer cancel()

	cli, err := c.pool.Get(source)
	if err != nil {
		logging.LogHostWarning(source.Name, Classify(err), err)
		return results
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			stats, err := cli.ContainerStats(gctx, id)
			if err != nil {
				logging.Logger.Debug("Container stats unavailable",
					zap.String("source", source.Name),
					zap.String("container", id),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			results[id] = stats
			mu.Unlock()
			return nil
		})
	}

	waitCh := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]*runtime.ContainerStats, len(results))
	for id, s := range results {
		out[id] = s
	}
	return out
}
