package metadata_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lissto-dev/fleet/pkg/cache"
	"github.com/lissto-dev/fleet/pkg/config"
	"github.com/lissto-dev/fleet/pkg/metadata"
)

// providerServer fakes the icon CDNs and the Docker Hub API and site
type providerServer struct {
	*httptest.Server
	mu    sync.Mutex
	hits  map[string]int
	icons map[string]int // path -> status
}

func newProviderServer() *providerServer {
	p := &providerServer{hits: map[string]int{}, icons: map[string]int{}}
	mux := http.NewServeMux()

	mux.HandleFunc("/icons/", func(w http.ResponseWriter, r *http.Request) {
		p.count(r)
		if status, ok := p.icons[r.URL.Path]; ok {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	mux.HandleFunc("/v2/repositories/linuxserver/sonarr/", func(w http.ResponseWriter, r *http.Request) {
		p.count(r)
		fmt.Fprint(w, `{"description": "<b>Smart</b>   PVR for newsgroup and bittorrent users.", "logo_url": "https://hub.test/sonarr.png"}`)
	})

	mux.HandleFunc("/api/search/v3/catalog/search", func(w http.ResponseWriter, r *http.Request) {
		p.count(r)
		switch r.URL.Query().Get("query") {
		case "widget":
			fmt.Fprint(w, `{"results": [
				{"slug": "other/widget-tools", "short_description": "Not this one"},
				{"slug": "widget", "short_description": "Widgets for everyone", "logo_url": {"small": "https://hub.test/widget-small.png"}}
			]}`)
		default:
			fmt.Fprint(w, `{"results": []}`)
		}
	})

	mux.HandleFunc("/_/grafana", func(w http.ResponseWriter, r *http.Request) {
		p.count(r)
		fmt.Fprint(w, `<!doctype html><html><head>
			<meta property="og:image" content="https://hub.test/grafana-og.png">
			<meta name="og:description" content="The open observability platform">
			</head><body><meta property="og:image" content="https://ignored"></body></html>`)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		p.count(r)
		w.WriteHeader(http.StatusNotFound)
	})

	p.Server = httptest.NewServer(mux)
	return p
}

func (p *providerServer) count(r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hits[r.URL.Path]++
}

func (p *providerServer) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, v := range p.hits {
		n += v
	}
	return n
}

func (p *providerServer) hitsFor(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

// ttlRecorder remembers the TTL of every write it passes on
type ttlRecorder struct {
	cache.Cache
	mu   sync.Mutex
	ttls map[string]time.Duration
}

func (r *ttlRecorder) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	r.mu.Lock()
	r.ttls[key] = ttl
	r.mu.Unlock()
	return r.Cache.Set(ctx, key, value, ttl)
}

func (r *ttlRecorder) ttl(key string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ttl, ok := r.ttls[key]
	return ttl, ok
}

var _ = Describe("Resolver", func() {
	var (
		ctx      context.Context
		server   *providerServer
		resolver *metadata.Resolver
		cfg      config.MetadataConfig
	)

	newResolver := func() *metadata.Resolver {
		return metadata.NewResolver(cfg, cache.NewMemoryCache(), server.Client())
	}

	BeforeEach(func() {
		ctx = context.Background()
		server = newProviderServer()
		cfg = config.MetadataConfig{
			IconOverrides: map[string]string{
				"registry.local/team/portal": "https://icons.local/portal.svg",
			},
			IconLibraries: []string{
				server.URL + "/icons/dashboard/%s.png",
				server.URL + "/icons/selfhst/%s.png",
			},
			HubAPIURL:     server.URL,
			HubWebURL:     server.URL,
			HubTTL:        24 * time.Hour,
			CDNTTL:        time.Hour,
			CDNFailureTTL: 10 * time.Minute,
		}
		resolver = newResolver()
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("ResolveIcon", func() {
		It("uses an http label without touching the network", func() {
			icon := resolver.ResolveIcon(ctx, metadata.Request{
				Image:  "nginx:1.25",
				Labels: map[string]string{metadata.LabelIcon: "https://example.com/nginx.svg"},
			})
			Expect(icon).To(Equal("https://example.com/nginx.svg"))
			Expect(server.total()).To(Equal(0))
		})

		It("ignores label values that are not http URLs", func() {
			server.icons["/icons/dashboard/nginx.png"] = http.StatusOK
			icon := resolver.ResolveIcon(ctx, metadata.Request{
				Image:    "nginx:1.25",
				Labels:   map[string]string{metadata.LabelUnraidIcon: "file:///boot/nginx.png"},
				IconHint: "javascript:alert(1)",
			})
			Expect(icon).To(Equal(server.URL + "/icons/dashboard/nginx.png"))
		})

		It("treats an override as authoritative", func() {
			server.icons["/icons/dashboard/portal.png"] = http.StatusOK
			icon := resolver.ResolveIcon(ctx, metadata.Request{Image: "registry.local/team/portal:3.2"})
			Expect(icon).To(Equal("https://icons.local/portal.svg"))
			Expect(server.total()).To(Equal(0))
		})

		It("tries name variants across both icon libraries", func() {
			server.icons["/icons/selfhst/homeassistant.png"] = http.StatusOK
			icon := resolver.ResolveIcon(ctx, metadata.Request{Image: "ghcr.io/home-assistant/home-assistant:stable"})
			Expect(icon).To(Equal(server.URL + "/icons/selfhst/homeassistant.png"))
			Expect(server.hitsFor("/icons/dashboard/home-assistant.png")).To(Equal(1))
			Expect(server.hitsFor("/icons/dashboard/homeassistant.png")).To(Equal(1))
			Expect(server.hitsFor("/icons/selfhst/home-assistant.png")).To(Equal(1))
		})

		It("strips common suffixes", func() {
			server.icons["/icons/dashboard/nextcloud.png"] = http.StatusOK
			icon := resolver.ResolveIcon(ctx, metadata.Request{Image: "acme/nextcloud-server:28"})
			Expect(icon).To(Equal(server.URL + "/icons/dashboard/nextcloud.png"))
		})

		It("caches probe results including failures", func() {
			server.icons["/icons/dashboard/jellyfin.png"] = http.StatusInternalServerError
			server.icons["/icons/selfhst/jellyfin.png"] = http.StatusOK

			first := resolver.ResolveIcon(ctx, metadata.Request{Image: "jellyfin/jellyfin"})
			Expect(first).To(Equal(server.URL + "/icons/selfhst/jellyfin.png"))
			before := server.total()

			second := resolver.ResolveIcon(ctx, metadata.Request{Image: "jellyfin/jellyfin:10.9"})
			Expect(second).To(Equal(first))
			Expect(server.total()).To(Equal(before))
		})

		It("caps the CDN result lifetime at six hours", func() {
			cfg.CDNTTL = 24 * time.Hour
			recorder := &ttlRecorder{Cache: cache.NewMemoryCache(), ttls: map[string]time.Duration{}}
			resolver = metadata.NewResolver(cfg, recorder, server.Client())
			server.icons["/icons/dashboard/jellyfin.png"] = http.StatusInternalServerError
			server.icons["/icons/selfhst/jellyfin.png"] = http.StatusOK

			Expect(resolver.ResolveIcon(ctx, metadata.Request{Image: "jellyfin/jellyfin"})).
				To(Equal(server.URL + "/icons/selfhst/jellyfin.png"))

			ttl, ok := recorder.ttl("meta:cdn:" + server.URL + "/icons/selfhst/jellyfin.png")
			Expect(ok).To(BeTrue())
			Expect(ttl).To(Equal(6 * time.Hour))

			ttl, ok = recorder.ttl("meta:cdn:" + server.URL + "/icons/dashboard/jellyfin.png")
			Expect(ok).To(BeTrue())
			Expect(ttl).To(Equal(cfg.CDNFailureTTL))
		})

		It("keeps a shorter CDN lifetime as configured", func() {
			recorder := &ttlRecorder{Cache: cache.NewMemoryCache(), ttls: map[string]time.Duration{}}
			resolver = metadata.NewResolver(cfg, recorder, server.Client())
			server.icons["/icons/dashboard/nginx.png"] = http.StatusOK

			_ = resolver.ResolveIcon(ctx, metadata.Request{Image: "nginx"})
			ttl, ok := recorder.ttl("meta:cdn:" + server.URL + "/icons/dashboard/nginx.png")
			Expect(ok).To(BeTrue())
			Expect(ttl).To(Equal(time.Hour))
		})

		It("does not cache probes cut off by the caller's deadline", func() {
			recorder := &ttlRecorder{Cache: cache.NewMemoryCache(), ttls: map[string]time.Duration{}}
			resolver = metadata.NewResolver(cfg, recorder, server.Client())

			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			Expect(resolver.ResolveIcon(cancelled, metadata.Request{Image: "jellyfin/jellyfin"})).To(BeEmpty())
			for key := range recorder.ttls {
				Expect(key).NotTo(HavePrefix("meta:cdn:"))
			}
		})

		It("falls back to the hub repository logo", func() {
			icon := resolver.ResolveIcon(ctx, metadata.Request{Image: "linuxserver/sonarr:latest"})
			Expect(icon).To(Equal("https://hub.test/sonarr.png"))
		})

		It("uses the search result whose slug matches", func() {
			icon := resolver.ResolveIcon(ctx, metadata.Request{Image: "ghcr.io/acme/widget:1.0"})
			Expect(icon).To(Equal("https://hub.test/widget-small.png"))
		})

		It("scrapes the product page as a last resort", func() {
			icon := resolver.ResolveIcon(ctx, metadata.Request{Image: "grafana:10.2.0"})
			Expect(icon).To(Equal("https://hub.test/grafana-og.png"))
		})

		It("returns empty when nothing matches", func() {
			Expect(resolver.ResolveIcon(ctx, metadata.Request{Image: "quay.io/unknown/thing"})).To(BeEmpty())
		})
	})

	Describe("ResolveDescription", func() {
		It("prefers sanitized label text", func() {
			desc := resolver.ResolveDescription(ctx, metadata.Request{
				Image:  "nginx",
				Labels: map[string]string{metadata.LabelImageDescription: "  <p>Official\n\nbuild</p> "},
			})
			Expect(desc).To(Equal("Official build"))
			Expect(server.total()).To(Equal(0))
		})

		It("uses the hint when labels are empty", func() {
			desc := resolver.ResolveDescription(ctx, metadata.Request{Image: "nginx", DescriptionHint: "Web server"})
			Expect(desc).To(Equal("Web server"))
		})

		It("reads the hub repository description and caches it", func() {
			desc := resolver.ResolveDescription(ctx, metadata.Request{Image: "linuxserver/sonarr"})
			Expect(desc).To(Equal("Smart PVR for newsgroup and bittorrent users."))

			_ = resolver.ResolveIcon(ctx, metadata.Request{Image: "linuxserver/sonarr"})
			Expect(server.hitsFor("/v2/repositories/linuxserver/sonarr/")).To(Equal(1))
		})

		It("reads the search short description", func() {
			desc := resolver.ResolveDescription(ctx, metadata.Request{Image: "ghcr.io/acme/widget"})
			Expect(desc).To(Equal("Widgets for everyone"))
		})

		It("reads og:description from the product page", func() {
			desc := resolver.ResolveDescription(ctx, metadata.Request{Image: "grafana"})
			Expect(desc).To(Equal("The open observability platform"))
		})

		It("never probes icon libraries", func() {
			_ = resolver.ResolveDescription(ctx, metadata.Request{Image: "quay.io/unknown/thing"})
			for path := range server.hits {
				Expect(path).NotTo(HavePrefix("/icons/"))
			}
		})

		It("degrades to empty when providers fail", func() {
			server.Close()
			Expect(resolver.ResolveDescription(ctx, metadata.Request{Image: "linuxserver/radarr"})).To(BeEmpty())
		})
	})
})

var _ = Describe("helpers", func() {
	It("builds name variants", func() {
		Expect(metadata.NameVariants("Home_Assistant-server")).To(Equal([]string{
			"home_assistant-server", "homeassistantserver", "home_assistant",
		}))
		Expect(metadata.NameVariants("nginx")).To(Equal([]string{"nginx"}))
		Expect(metadata.NameVariants("")).To(BeEmpty())
	})

	It("caps descriptions at 300 characters", func() {
		long := strings.Repeat("é", 400)
		Expect([]rune(metadata.SanitizeDescription(long))).To(HaveLen(300))
	})

	It("accepts only absolute http icon URLs", func() {
		Expect(metadata.SanitizeURL("https://x.test/a.png")).To(Equal("https://x.test/a.png"))
		Expect(metadata.SanitizeURL("http://x.test/a.png")).To(Equal("http://x.test/a.png"))
		Expect(metadata.SanitizeURL("/relative.png")).To(BeEmpty())
		Expect(metadata.SanitizeURL("data:image/png;base64,AAAA")).To(BeEmpty())
	})
})
