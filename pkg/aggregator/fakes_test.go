package aggregator_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lissto-dev/fleet/pkg/cache"
	"github.com/lissto-dev/fleet/pkg/collector"
	"github.com/lissto-dev/fleet/pkg/config"
	"github.com/lissto-dev/fleet/pkg/metadata"
	"github.com/lissto-dev/fleet/pkg/registry"
	"github.com/lissto-dev/fleet/pkg/runtime"
)

// fakeHost is an in-memory runtime client
type fakeHost struct {
	containers []runtime.Container
	info       *runtime.HostInfo
	stats      map[string]*runtime.ContainerStats
	hang       bool
}

func (f *fakeHost) ListContainers(ctx context.Context) ([]runtime.Container, error) {
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.containers, nil
}

func (f *fakeHost) ContainerStats(_ context.Context, id string) (*runtime.ContainerStats, error) {
	if s, ok := f.stats[id]; ok {
		return s, nil
	}
	return nil, errors.New("no such container")
}

func (f *fakeHost) HostInfo(context.Context) (*runtime.HostInfo, error) {
	if f.info == nil {
		return nil, errors.New("info unavailable")
	}
	return f.info, nil
}

func newCollector(hosts map[string]*fakeHost, timeout time.Duration) *collector.Collector {
	pool := runtime.NewPool(func(source config.SourceConfig) (runtime.Client, error) {
		h, ok := hosts[source.Name]
		if !ok {
			return nil, errors.New("unknown host")
		}
		return h, nil
	})
	return collector.New(pool, timeout)
}

// fakeMetadata answers from fixed maps keyed by image, after delay per call
type fakeMetadata struct {
	icons        map[string]string
	descriptions map[string]string
	delay        time.Duration
}

func (f *fakeMetadata) wait(ctx context.Context) bool {
	if f.delay == 0 {
		return true
	}
	select {
	case <-time.After(f.delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *fakeMetadata) ResolveIcon(ctx context.Context, req metadata.Request) string {
	if !f.wait(ctx) {
		return ""
	}
	return f.icons[req.Image]
}

func (f *fakeMetadata) ResolveDescription(ctx context.Context, req metadata.Request) string {
	if !f.wait(ctx) {
		return ""
	}
	return f.descriptions[req.Image]
}

// fakeVersions resolves digests from a fixed map and records requests
type fakeVersions struct {
	mu       sync.Mutex
	tags     map[string]string // digest -> tag
	requests []registry.Request
}

func (f *fakeVersions) ResolveBatch(_ context.Context, requests []registry.Request) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, requests...)

	out := make(map[string]string)
	for _, req := range requests {
		if tag, ok := f.tags[req.Digest]; ok {
			out[req.Key] = tag
		}
	}
	return out
}

// flakyCache fails writes once failing is set
type flakyCache struct {
	cache.Cache
	failing bool
}

func (f *flakyCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if f.failing {
		return errors.New("connection refused")
	}
	return f.Cache.Set(ctx, key, value, ttl)
}

func exitCode(code int) *int {
	return &code
}
