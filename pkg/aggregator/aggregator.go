// Package aggregator builds the fleet-wide view of applications.
//
// Aggregate polls every host in parallel, groups containers into apps,
// resolves display metadata and folds per-host statistics. Digest based
// version resolution and live usage are deferred calls against a stored
// snapshot.
package aggregator

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lissto-dev/fleet/pkg/collector"
	"github.com/lissto-dev/fleet/pkg/config"
	"github.com/lissto-dev/fleet/pkg/logging"
	"github.com/lissto-dev/fleet/pkg/metadata"
	"github.com/lissto-dev/fleet/pkg/registry"
	"github.com/lissto-dev/fleet/pkg/runtime"
	"github.com/lissto-dev/fleet/pkg/version"
)

// metadataConcurrency bounds apps resolving icons and descriptions at once
const metadataConcurrency = 8

// HostCollector polls one host
type HostCollector interface {
	Collect(ctx context.Context, source config.SourceConfig) (*collector.HostResult, *collector.Warning)
	Stats(ctx context.Context, source config.SourceConfig, ids []string) map[string]*runtime.ContainerStats
}

// MetadataResolver resolves display metadata for an image
type MetadataResolver interface {
	ResolveIcon(ctx context.Context, req metadata.Request) string
	ResolveDescription(ctx context.Context, req metadata.Request) string
}

// VersionResolver resolves digests to tags in bounded batches
type VersionResolver interface {
	ResolveBatch(ctx context.Context, requests []registry.Request) map[string]string
}

// Aggregator orchestrates collection, grouping and resolution
type Aggregator struct {
	sources   []config.SourceConfig
	collector HostCollector
	metadata  MetadataResolver
	versions  VersionResolver
	store     *Store
	now       func() time.Time

	// metadataBudget caps icon and description resolution per Aggregate; zero means no cap
	metadataBudget time.Duration
}

// New creates an aggregator over the configured sources
func New(sources []config.SourceConfig, hc HostCollector, mr MetadataResolver, vr VersionResolver, store *Store) *Aggregator {
	return &Aggregator{
		sources:   sources,
		collector: hc,
		metadata:  mr,
		versions:  vr,
		store:     store,
		now:       time.Now,
	}
}

// WithMetadataBudget bounds the time Aggregate spends resolving metadata.
// Apps still unresolved when it runs out keep an empty icon and description.
func (a *Aggregator) WithMetadataBudget(budget time.Duration) *Aggregator {
	a.metadataBudget = budget
	return a
}

// appBuilder accumulates one group while containers are folded in
type appBuilder struct {
	app      *App
	image    string
	labels   map[string]string
	iconHint string
	descHint string
	tags     map[string]struct{}
	versions []string
}

// Aggregate polls every source and returns a stored snapshot.
// Unreachable hosts become warnings; the error is only set when the
// snapshot cannot be stored.
func (a *Aggregator) Aggregate(ctx context.Context) (*Snapshot, error) {
	start := a.now()
	results, warnings := a.collectAll(ctx)

	groups := make(map[string]*appBuilder)
	for _, res := range results {
		if res == nil {
			continue
		}
		for _, c := range res.Containers {
			a.fold(groups, res.Source, c)
		}
	}

	apps := make([]*App, 0, len(groups))
	builders := make([]*appBuilder, 0, len(groups))
	for _, b := range groups {
		finish(b)
		apps = append(apps, b.app)
		builders = append(builders, b)
	}

	a.resolveMetadata(ctx, builders)

	sort.Slice(apps, func(i, j int) bool {
		ni, nj := strings.ToLower(apps[i].Name), strings.ToLower(apps[j].Name)
		if ni != nj {
			return ni < nj
		}
		return apps[i].Key < apps[j].Key
	})

	snap := &Snapshot{
		Apps:        make([]App, 0, len(apps)),
		Warnings:    warnings,
		GeneratedAt: a.now().UTC(),
	}
	for _, app := range apps {
		snap.Apps = append(snap.Apps, *app)
		snap.TotalContainers += len(app.Instances)
	}
	snap.HostStats = foldHostStats(a.sources, results, snap.Apps)
	snap.AppFilters, snap.HostFilters = filters(snap.Apps)
	if snap.Warnings == nil {
		snap.Warnings = []collector.Warning{}
	}

	if err := a.store.Save(ctx, snap); err != nil {
		return nil, err
	}

	logging.Logger.Info("Aggregated fleet",
		zap.String("snapshot_id", snap.ID),
		zap.Int("apps", len(snap.Apps)),
		zap.Int("containers", snap.TotalContainers),
		zap.Int("warnings", len(snap.Warnings)),
		zap.Duration("elapsed", a.now().Sub(start)))

	return snap, nil
}

// collectAll polls every source concurrently; results are indexed like a.sources
func (a *Aggregator) collectAll(ctx context.Context) ([]*collector.HostResult, []collector.Warning) {
	results := make([]*collector.HostResult, len(a.sources))
	warns := make([]*collector.Warning, len(a.sources))

	var g errgroup.Group
	for i, source := range a.sources {
		i, source := i, source
		g.Go(func() error {
			results[i], warns[i] = a.collector.Collect(ctx, source)
			return nil
		})
	}
	_ = g.Wait()

	var warnings []collector.Warning
	for _, w := range warns {
		if w != nil {
			warnings = append(warnings, *w)
		}
	}
	return results, warnings
}

func (a *Aggregator) fold(groups map[string]*appBuilder, source config.SourceConfig, c runtime.Container) {
	key := AppKey(c)
	inst := Instance{
		Key:           instanceKey(source.Name, c.ID),
		HostID:        source.Name,
		HostLabel:     source.Label(),
		ContainerID:   c.ID,
		ContainerName: c.Name,
		Image:         c.Image,
		State:         c.State,
		ExitCode:      c.ExitCode,
		Version:       InstanceVersion(c),
		Digest:        c.Digest,
		URL:           InstanceURL(c, source),
		Ports:         c.Ports,
		Color:         source.Color,
	}
	if inst.Ports == nil {
		inst.Ports = []runtime.Port{}
	}

	b, ok := groups[key]
	if !ok {
		b = &appBuilder{
			app:    &App{Key: key, Name: DisplayName(c, key)},
			image:  c.Image,
			labels: c.Labels,
			tags:   make(map[string]struct{}),
		}
		groups[key] = b
	}

	b.app.Instances = append(b.app.Instances, inst)
	b.versions = append(b.versions, inst.Version)
	for _, t := range Tags(c) {
		b.tags[t] = struct{}{}
	}
	if b.iconHint == "" {
		b.iconHint = firstLabel(c.Labels, metadata.LabelIcon, metadata.LabelUnraidIcon)
	}
	if b.descHint == "" {
		b.descHint = firstLabel(c.Labels, metadata.LabelDescription, metadata.LabelImageDescription)
	}
}

func firstLabel(labels map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(labels[k]); v != "" {
			return v
		}
	}
	return ""
}

// finish orders a group once every container has been folded in
func finish(b *appBuilder) {
	app := b.app
	app.Versions = version.Dedupe(b.versions)
	app.LatestVersion = version.Max(app.Versions)

	app.Tags = make([]string, 0, len(b.tags))
	for t := range b.tags {
		app.Tags = append(app.Tags, t)
	}
	sort.Strings(app.Tags)

	sortInstances(app.Instances)
}

func sortInstances(instances []Instance) {
	sort.SliceStable(instances, func(i, j int) bool {
		if instances[i].HostLabel != instances[j].HostLabel {
			return instances[i].HostLabel < instances[j].HostLabel
		}
		return instances[i].ContainerName < instances[j].ContainerName
	})
}

// resolveMetadata fills icon and description per app; failures leave them empty
func (a *Aggregator) resolveMetadata(ctx context.Context, builders []*appBuilder) {
	if a.metadata == nil {
		return
	}
	if a.metadataBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.metadataBudget)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(metadataConcurrency)
	for _, b := range builders {
		b := b
		g.Go(func() error {
			req := metadata.Request{
				Image:           b.image,
				Labels:          b.labels,
				IconHint:        b.iconHint,
				DescriptionHint: b.descHint,
			}
			b.app.Icon = a.metadata.ResolveIcon(gctx, req)
			b.app.Description = a.metadata.ResolveDescription(gctx, req)
			return nil
		})
	}
	_ = g.Wait()
}

// foldHostStats counts instances per configured host, in configuration order
func foldHostStats(sources []config.SourceConfig, results []*collector.HostResult, apps []App) []HostStats {
	stats := make([]HostStats, len(sources))
	index := make(map[string]*HostStats, len(sources))
	for i, source := range sources {
		stats[i] = HostStats{
			HostID:    source.Name,
			HostLabel: source.Label(),
			Color:     source.Color,
		}
		if i < len(results) && results[i] != nil {
			stats[i].Online = true
			stats[i].Info = results[i].Info
		}
		index[source.Name] = &stats[i]
	}
	countInstances(index, apps)
	return stats
}

// recountHostStats recomputes the counts of existing host stats
func recountHostStats(stats []HostStats, apps []App) []HostStats {
	index := make(map[string]*HostStats, len(stats))
	for i := range stats {
		stats[i].Total, stats[i].Running, stats[i].Stopped, stats[i].Crashed, stats[i].Outdated = 0, 0, 0, 0, 0
		index[stats[i].HostID] = &stats[i]
	}
	countInstances(index, apps)
	return stats
}

func countInstances(index map[string]*HostStats, apps []App) {
	for _, app := range apps {
		for _, inst := range app.Instances {
			hs, ok := index[inst.HostID]
			if !ok {
				continue
			}
			hs.Total++
			if inst.Running() {
				hs.Running++
			} else {
				hs.Stopped++
			}
			if inst.Crashed() {
				hs.Crashed++
			}
			if version.Compare(inst.Version, app.LatestVersion) < 0 {
				hs.Outdated++
			}
		}
	}
}

// filters returns the sorted distinct app names and host labels
func filters(apps []App) (appNames, hostLabels []string) {
	names := make(map[string]struct{})
	hosts := make(map[string]struct{})
	for _, app := range apps {
		names[app.Name] = struct{}{}
		for _, inst := range app.Instances {
			hosts[inst.HostLabel] = struct{}{}
		}
	}
	return sortedKeys(names), sortedKeys(hosts)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
