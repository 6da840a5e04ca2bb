package aggregator_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lissto-dev/fleet/pkg/aggregator"
	"github.com/lissto-dev/fleet/pkg/cache"
	"github.com/lissto-dev/fleet/pkg/config"
	"github.com/lissto-dev/fleet/pkg/runtime"
)

const (
	nightlyDigest = "sha256:5f2c0a8e9b7d4c3a1e6f8d9c0b1a2e3f4d5c6b7a8e9f0d1c2b3a4e5f6d7c8b9a"
	releaseDigest = "sha256:0a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"
)

func findApp(snap *aggregator.Snapshot, key string) *aggregator.App {
	for i := range snap.Apps {
		if snap.Apps[i].Key == key {
			return &snap.Apps[i]
		}
	}
	return nil
}

func findHost(stats []aggregator.HostStats, id string) *aggregator.HostStats {
	for i := range stats {
		if stats[i].HostID == id {
			return &stats[i]
		}
	}
	return nil
}

var _ = Describe("Aggregator", func() {
	var (
		ctx      context.Context
		sources  []config.SourceConfig
		hosts    map[string]*fakeHost
		versions *fakeVersions
		meta     *fakeMetadata
		store    *aggregator.Store
	)

	newAggregator := func() *aggregator.Aggregator {
		return aggregator.New(sources, newCollector(hosts, 100*time.Millisecond), meta, versions, store)
	}

	BeforeEach(func() {
		ctx = context.Background()
		sources = []config.SourceConfig{
			{Name: "nas", DisplayName: "NAS", Socket: "/var/run/docker.sock", Color: "#336699"},
			{Name: "pi", Endpoint: "tcp://10.0.0.5:2375"},
		}
		hosts = map[string]*fakeHost{
			"nas": {
				info: &runtime.HostInfo{Name: "nas", MemoryTotal: 1000},
				containers: []runtime.Container{
					{ID: "c1", Name: "web", Image: "nginx:1.25", State: runtime.StateRunning},
					{ID: "c2", Name: "cache", Image: "redis:7", State: runtime.StateExited, ExitCode: exitCode(137)},
				},
			},
			"pi": {
				containers: []runtime.Container{
					{
						ID: "c3", Name: "proxy", Image: "nginx:latest", State: runtime.StateRunning,
						Ports: []runtime.Port{{PrivatePort: 80, PublicPort: 8080, Type: "tcp"}},
						Labels: map[string]string{
							aggregator.LabelComposeProject: "edge",
						},
					},
				},
			},
		}
		versions = &fakeVersions{tags: map[string]string{}}
		meta = &fakeMetadata{
			icons:        map[string]string{"nginx:1.25": "https://cdn.example.com/nginx.png"},
			descriptions: map[string]string{"nginx:1.25": "Official build of Nginx."},
		}
		store = aggregator.NewStore(cache.NewMemoryCache(), 15*time.Minute)
	})

	Describe("Aggregate", func() {
		It("should group one image across hosts and pick the highest version", func() {
			snap, err := newAggregator().Aggregate(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.ID).NotTo(BeEmpty())
			Expect(snap.Warnings).To(BeEmpty())
			Expect(snap.TotalContainers).To(Equal(3))

			nginx := findApp(snap, "nginx")
			Expect(nginx).NotTo(BeNil())
			Expect(nginx.Name).To(Equal("nginx"))
			Expect(nginx.Versions).To(Equal([]string{"1.25", "latest"}))
			Expect(nginx.LatestVersion).To(Equal("latest"))
			Expect(nginx.Icon).To(Equal("https://cdn.example.com/nginx.png"))
			Expect(nginx.Description).To(Equal("Official build of Nginx."))
			Expect(nginx.Tags).To(Equal([]string{"edge"}))

			Expect(nginx.Instances).To(HaveLen(2))
			Expect(nginx.Instances[0].HostLabel).To(Equal("NAS"))
			Expect(nginx.Instances[0].Key).To(Equal("nas:c1"))
			Expect(nginx.Instances[0].Color).To(Equal("#336699"))
			Expect(nginx.Instances[1].HostLabel).To(Equal("pi"))
			Expect(nginx.Instances[1].URL).To(Equal("http://10.0.0.5:8080"))
		})

		It("should sort apps and build filters", func() {
			snap, err := newAggregator().Aggregate(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(snap.Apps).To(HaveLen(2))
			Expect(snap.Apps[0].Key).To(Equal("nginx"))
			Expect(snap.Apps[1].Key).To(Equal("redis"))
			Expect(snap.AppFilters).To(Equal([]string{"nginx", "redis"}))
			Expect(snap.HostFilters).To(Equal([]string{"NAS", "pi"}))
		})

		It("should count outdated and crashed instances per host", func() {
			snap, err := newAggregator().Aggregate(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.HostStats).To(HaveLen(2))

			nas := findHost(snap.HostStats, "nas")
			Expect(nas.Online).To(BeTrue())
			Expect(nas.Total).To(Equal(2))
			Expect(nas.Running).To(Equal(1))
			Expect(nas.Stopped).To(Equal(1))
			Expect(nas.Crashed).To(Equal(1))
			Expect(nas.Outdated).To(Equal(1))
			Expect(nas.Info).NotTo(BeNil())

			pi := findHost(snap.HostStats, "pi")
			Expect(pi.Total).To(Equal(1))
			Expect(pi.Crashed).To(Equal(0))
			Expect(pi.Outdated).To(Equal(0))
			Expect(pi.Info).To(BeNil())
		})

		It("should report a timed out host as a single warning", func() {
			hosts["pi"].hang = true

			start := time.Now()
			snap, err := newAggregator().Aggregate(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))

			Expect(snap.Warnings).To(HaveLen(1))
			Expect(snap.Warnings[0].Source).To(Equal("pi"))
			Expect(snap.Warnings[0].Message).To(Equal("pi: timed out after 100ms"))

			for _, app := range snap.Apps {
				for _, inst := range app.Instances {
					Expect(inst.HostID).NotTo(Equal("pi"))
				}
			}
			Expect(snap.TotalContainers).To(Equal(2))

			pi := findHost(snap.HostStats, "pi")
			Expect(pi.Online).To(BeFalse())
			Expect(pi.Total).To(Equal(0))
		})

		It("should stop resolving metadata when the budget runs out", func() {
			meta.delay = 5 * time.Second

			start := time.Now()
			snap, err := newAggregator().WithMetadataBudget(100 * time.Millisecond).Aggregate(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(time.Since(start)).To(BeNumerically("<", time.Second))

			nginx := findApp(snap, "nginx")
			Expect(nginx).NotTo(BeNil())
			Expect(nginx.Icon).To(BeEmpty())
			Expect(nginx.Description).To(BeEmpty())
			Expect(nginx.Instances).To(HaveLen(2))
		})

		It("should return an empty snapshot when nothing is configured", func() {
			sources = nil
			snap, err := newAggregator().Aggregate(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Apps).To(BeEmpty())
			Expect(snap.Warnings).NotTo(BeNil())
			Expect(snap.HostStats).To(BeEmpty())
		})
	})

	Describe("BackfillVersions", func() {
		BeforeEach(func() {
			hosts["nas"].containers = append(hosts["nas"].containers, runtime.Container{
				ID: "c4", Name: "app", Image: "ghcr.io/acme/app:nightly", Digest: nightlyDigest, State: runtime.StateRunning,
			})
			hosts["pi"].containers = append(hosts["pi"].containers, runtime.Container{
				ID: "c5", Name: "app", Image: "ghcr.io/acme/app:2.3.0", Digest: releaseDigest, State: runtime.StateRunning,
			})
			versions.tags[nightlyDigest] = "2.4.1"
		})

		It("should replace an ambiguous tag with the resolved release", func() {
			agg := newAggregator()
			snap, err := agg.Aggregate(ctx)
			Expect(err).NotTo(HaveOccurred())

			app := findApp(snap, "ghcr.io/acme/app")
			Expect(app).NotTo(BeNil())
			Expect(app.Versions).To(ConsistOf("2.3.0", "nightly"))

			result, err := agg.BackfillVersions(ctx, snap.ID, nil)
			Expect(err).NotTo(HaveOccurred())

			// only non-release versions with a digest are looked up
			Expect(versions.requests).To(HaveLen(1))
			Expect(versions.requests[0].Key).To(Equal("nas:c4"))
			Expect(versions.requests[0].Ref.Registry).To(Equal("ghcr.io"))

			Expect(result.SnapshotID).To(Equal(snap.ID))
			Expect(result.Updates).To(ConsistOf(aggregator.VersionUpdate{
				Key: "nas:c4", AppKey: "ghcr.io/acme/app", Version: "2.4.1",
			}))
			Expect(result.Apps).To(HaveLen(1))
			Expect(result.Apps[0].Versions).To(Equal([]string{"2.3.0", "2.4.1"}))
			Expect(result.Apps[0].LatestVersion).To(Equal("2.4.1"))

			Expect(findHost(result.HostStats, "pi").Outdated).To(Equal(1))

			stored, err := store.Load(ctx, snap.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(findApp(stored, "ghcr.io/acme/app").LatestVersion).To(Equal("2.4.1"))
		})

		It("should only consider the requested instances", func() {
			agg := newAggregator()
			snap, err := agg.Aggregate(ctx)
			Expect(err).NotTo(HaveOccurred())

			result, err := agg.BackfillVersions(ctx, snap.ID, []string{"pi:c5"})
			Expect(err).NotTo(HaveOccurred())
			Expect(versions.requests).To(BeEmpty())
			Expect(result.Updates).To(BeEmpty())
		})

		It("should report a failed store once", func() {
			backend := &flakyCache{Cache: cache.NewMemoryCache()}
			store = aggregator.NewStore(backend, 15*time.Minute)
			agg := newAggregator()
			snap, err := agg.Aggregate(ctx)
			Expect(err).NotTo(HaveOccurred())

			backend.failing = true
			_, err = agg.BackfillVersions(ctx, snap.ID, nil)
			Expect(err).To(MatchError("failed to store snapshot: connection refused"))
		})

		It("should fail for an unknown snapshot", func() {
			_, err := newAggregator().BackfillVersions(ctx, "missing", nil)
			Expect(err).To(MatchError(aggregator.ErrSnapshotNotFound))
		})
	})

	Describe("BackfillStats", func() {
		It("should sample running instances and total them per host", func() {
			hosts["nas"].stats = map[string]*runtime.ContainerStats{
				"c1": {ID: "c1", MemoryUsage: 250, MemoryLimit: 500, CPUPercent: 12.5, NetworkRx: 10, NetworkTx: 20, PIDs: 3},
				"c2": {ID: "c2", MemoryUsage: 999},
			}
			hosts["pi"].stats = map[string]*runtime.ContainerStats{
				"c3": {ID: "c3", MemoryUsage: 100, CPUPercent: 1.5, PIDs: 2},
			}

			agg := newAggregator()
			snap, err := agg.Aggregate(ctx)
			Expect(err).NotTo(HaveOccurred())

			usage, err := agg.BackfillStats(ctx, snap.ID)
			Expect(err).NotTo(HaveOccurred())

			Expect(usage.Containers).To(HaveLen(2))
			Expect(usage.Containers).To(HaveKey("nas:c1"))
			Expect(usage.Containers).To(HaveKey("pi:c3"))
			Expect(usage.Containers).NotTo(HaveKey("nas:c2"))

			Expect(usage.Hosts).To(HaveLen(2))
			Expect(usage.Hosts[0].HostID).To(Equal("nas"))
			Expect(usage.Hosts[0].Containers).To(Equal(1))
			Expect(usage.Hosts[0].MemoryUsage).To(Equal(uint64(250)))
			Expect(usage.Hosts[0].MemoryPercent).To(BeNumerically("~", 25.0, 0.001))
			Expect(usage.Hosts[0].PIDs).To(Equal(uint64(3)))
			Expect(usage.Hosts[1].HostID).To(Equal("pi"))
			Expect(usage.Hosts[1].CPUPercent).To(BeNumerically("~", 1.5, 0.001))
			Expect(usage.Hosts[1].MemoryPercent).To(BeZero())
		})

		It("should fail for an unknown snapshot", func() {
			_, err := newAggregator().BackfillStats(ctx, "missing")
			Expect(err).To(MatchError(aggregator.ErrSnapshotNotFound))
		})
	})
})
