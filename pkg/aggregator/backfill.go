package aggregator

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lissto-dev/fleet/pkg/image"
	"github.com/lissto-dev/fleet/pkg/logging"
	"github.com/lissto-dev/fleet/pkg/registry"
	"github.com/lissto-dev/fleet/pkg/runtime"
	"github.com/lissto-dev/fleet/pkg/version"
)

// BackfillVersions resolves the digests of instances whose version is not a
// plain release and stores the updated snapshot. When keys is non-empty only
// those instances are considered.
func (a *Aggregator) BackfillVersions(ctx context.Context, snapshotID string, keys []string) (*VersionBackfill, error) {
	snap, err := a.store.Load(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	var only map[string]struct{}
	if len(keys) > 0 {
		only = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			only[k] = struct{}{}
		}
	}

	var requests []registry.Request
	appOf := make(map[string]int)
	for ai := range snap.Apps {
		for _, inst := range snap.Apps[ai].Instances {
			if only != nil {
				if _, ok := only[inst.Key]; !ok {
					continue
				}
			}
			if inst.Digest == "" || !version.NeedsResolution(inst.Version) {
				continue
			}
			requests = append(requests, registry.Request{
				Key:    inst.Key,
				Ref:    image.Parse(inst.Image),
				Digest: inst.Digest,
			})
			appOf[inst.Key] = ai
		}
	}

	result := &VersionBackfill{
		SnapshotID: snap.ID,
		Updates:    []VersionUpdate{},
		Apps:       []AppVersions{},
		HostStats:  snap.HostStats,
	}
	if len(requests) == 0 || a.versions == nil {
		return result, nil
	}

	resolved := a.versions.ResolveBatch(ctx, requests)
	if len(resolved) == 0 {
		logging.Logger.Debug("No digests resolved",
			zap.String("snapshot_id", snap.ID),
			zap.Int("requests", len(requests)))
		return result, nil
	}

	touched := make(map[int]struct{})
	for _, req := range requests {
		tag, ok := resolved[req.Key]
		if !ok {
			continue
		}
		ai := appOf[req.Key]
		app := &snap.Apps[ai]
		for i := range app.Instances {
			if app.Instances[i].Key == req.Key {
				app.Instances[i].Version = tag
			}
		}
		touched[ai] = struct{}{}
		result.Updates = append(result.Updates, VersionUpdate{
			Key:     req.Key,
			AppKey:  app.Key,
			Version: tag,
		})
	}

	for ai := range snap.Apps {
		if _, ok := touched[ai]; !ok {
			continue
		}
		app := &snap.Apps[ai]
		recomputeVersions(app)
		result.Apps = append(result.Apps, AppVersions{
			Key:           app.Key,
			Versions:      app.Versions,
			LatestVersion: app.LatestVersion,
		})
	}

	snap.HostStats = recountHostStats(snap.HostStats, snap.Apps)
	result.HostStats = snap.HostStats

	if err := a.store.Save(ctx, snap); err != nil {
		return nil, err
	}

	logging.Logger.Info("Backfilled versions",
		zap.String("snapshot_id", snap.ID),
		zap.Int("requested", len(requests)),
		zap.Int("resolved", len(result.Updates)))

	return result, nil
}

func recomputeVersions(app *App) {
	versions := make([]string, 0, len(app.Instances))
	for _, inst := range app.Instances {
		versions = append(versions, inst.Version)
	}
	app.Versions = version.Dedupe(versions)
	app.LatestVersion = version.Max(app.Versions)
}

// BackfillStats samples live usage of every running instance of a snapshot,
// one goroutine per host
func (a *Aggregator) BackfillStats(ctx context.Context, snapshotID string) (*UsageBackfill, error) {
	snap, err := a.store.Load(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	// container IDs and their instance keys, per host
	type hostWork struct {
		ids  []string
		keys map[string]string
	}
	work := make(map[string]*hostWork)
	for _, app := range snap.Apps {
		for _, inst := range app.Instances {
			if !inst.Running() {
				continue
			}
			w, ok := work[inst.HostID]
			if !ok {
				w = &hostWork{keys: make(map[string]string)}
				work[inst.HostID] = w
			}
			w.ids = append(w.ids, inst.ContainerID)
			w.keys[inst.ContainerID] = inst.Key
		}
	}

	memTotal := make(map[string]int64, len(snap.HostStats))
	for _, hs := range snap.HostStats {
		if hs.Info != nil {
			memTotal[hs.HostID] = hs.Info.MemoryTotal
		}
	}

	result := &UsageBackfill{
		SnapshotID: snap.ID,
		Containers: make(map[string]*runtime.ContainerStats),
		Hosts:      []HostUsage{},
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, source := range a.sources {
		w, ok := work[source.Name]
		if !ok {
			continue
		}
		source := source
		g.Go(func() error {
			stats := a.collector.Stats(ctx, source, w.ids)

			usage := HostUsage{HostID: source.Name, MemoryTotal: memTotal[source.Name]}
			for _, id := range w.ids {
				s, ok := stats[id]
				if !ok || s == nil {
					continue
				}
				usage.Containers++
				usage.MemoryUsage += s.MemoryUsage
				usage.CPUPercent += s.CPUPercent
				usage.NetworkRx += s.NetworkRx
				usage.NetworkTx += s.NetworkTx
				usage.PIDs += s.PIDs
			}
			if usage.MemoryTotal > 0 {
				usage.MemoryPercent = float64(usage.MemoryUsage) / float64(usage.MemoryTotal) * 100
			}

			mu.Lock()
			defer mu.Unlock()
			for id, s := range stats {
				if key, ok := w.keys[id]; ok && s != nil {
					result.Containers[key] = s
				}
			}
			result.Hosts = append(result.Hosts, usage)
			return nil
		})
	}
	_ = g.Wait()

	// keep host order stable across calls
	order := make(map[string]int, len(a.sources))
	for i, s := range a.sources {
		order[s.Name] = i
	}
	sort.Slice(result.Hosts, func(i, j int) bool {
		return order[result.Hosts[i].HostID] < order[result.Hosts[j].HostID]
	})

	return result, nil
}
