// Package metadata resolves display icons and descriptions for images.
//
// Both lookups are ordered lists of tiers tried until one produces a value.
// Every tier is best-effort: a failing provider yields "" and the next tier runs.
package metadata

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/lissto-dev/fleet/pkg/cache"
	"github.com/lissto-dev/fleet/pkg/config"
	"github.com/lissto-dev/fleet/pkg/image"
	"github.com/lissto-dev/fleet/pkg/metrics"
)

// Label keys read for icons and descriptions
const (
	LabelIcon             = "lissto.dev/icon"
	LabelUnraidIcon       = "net.unraid.docker.icon"
	LabelDescription      = "lissto.dev/description"
	LabelImageDescription = "org.opencontainers.image.description"
)

// Request describes the image to resolve metadata for
type Request struct {
	Image           string
	Labels          map[string]string
	IconHint        string
	DescriptionHint string
}

// tier is one step of a resolution cascade. done stops the cascade even
// when value is empty.
type tier struct {
	name    string
	resolve func(ctx context.Context, req Request, ref image.Reference) (value string, done bool)
}

// Resolver resolves icons and descriptions through cached provider tiers
type Resolver struct {
	cache         cache.Cache
	http          *http.Client
	overrides     map[string]string
	libraries     []string
	hubAPI        string
	hubWeb        string
	hubTTL        time.Duration
	cdnTTL        time.Duration
	cdnFailureTTL time.Duration

	iconTiers        []tier
	descriptionTiers []tier
}

// NewResolver creates a metadata resolver
func NewResolver(cfg config.MetadataConfig, c cache.Cache, httpClient *http.Client) *Resolver {
	overrides := make(map[string]string, len(cfg.IconOverrides))
	for k, v := range cfg.IconOverrides {
		overrides[strings.ToLower(k)] = v
	}

	r := &Resolver{
		cache:         c,
		http:          httpClient,
		overrides:     overrides,
		libraries:     cfg.IconLibraries,
		hubAPI:        strings.TrimSuffix(cfg.HubAPIURL, "/"),
		hubWeb:        strings.TrimSuffix(cfg.HubWebURL, "/"),
		hubTTL:        cfg.HubTTL,
		cdnTTL:        cfg.CDNTTL,
		cdnFailureTTL: cfg.CDNFailureTTL,
	}

	r.iconTiers = []tier{
		{"label", r.labelIcon},
		{"override", r.overrideIcon},
		{"cdn", found(r.cdnIcon)},
		{"hub-repo", found(func(ctx context.Context, ref image.Reference) string { return r.hubRepositoryInfo(ctx, ref).Icon })},
		{"hub-search", found(func(ctx context.Context, ref image.Reference) string { return r.hubSearch(ctx, ref).Icon })},
		{"hub-page", found(func(ctx context.Context, ref image.Reference) string { return r.hubPage(ctx, ref).Icon })},
	}
	r.descriptionTiers = []tier{
		{"label", r.labelDescription},
		{"hub-repo", found(func(ctx context.Context, ref image.Reference) string { return r.hubRepositoryInfo(ctx, ref).Description })},
		{"hub-search", found(func(ctx context.Context, ref image.Reference) string { return r.hubSearch(ctx, ref).Description })},
		{"hub-page", found(func(ctx context.Context, ref image.Reference) string { return r.hubPage(ctx, ref).Description })},
	}
	return r
}

func found(fn func(context.Context, image.Reference) string) func(context.Context, Request, image.Reference) (string, bool) {
	return func(ctx context.Context, _ Request, ref image.Reference) (string, bool) {
		v := fn(ctx, ref)
		return v, v != ""
	}
}

// ResolveIcon returns an icon URL for the image, or ""
func (r *Resolver) ResolveIcon(ctx context.Context, req Request) string {
	return r.run(ctx, "icon", r.iconTiers, req)
}

// ResolveDescription returns a short description for the image, or ""
func (r *Resolver) ResolveDescription(ctx context.Context, req Request) string {
	return r.run(ctx, "description", r.descriptionTiers, req)
}

func (r *Resolver) run(ctx context.Context, kind string, tiers []tier, req Request) string {
	ref := image.Parse(req.Image)
	for _, t := range tiers {
		if ctx.Err() != nil {
			return ""
		}
		if v, done := t.resolve(ctx, req, ref); done {
			if v != "" {
				metrics.IncMetadataLookup(kind, t.name)
			}
			return v
		}
	}
	return ""
}

func (r *Resolver) labelIcon(_ context.Context, req Request, _ image.Reference) (string, bool) {
	for _, candidate := range []string{req.Labels[LabelIcon], req.Labels[LabelUnraidIcon], req.IconHint} {
		if v := SanitizeURL(candidate); v != "" {
			return v, true
		}
	}
	return "", false
}

// overrideIcon is authoritative: a configured entry ends the cascade
func (r *Resolver) overrideIcon(_ context.Context, req Request, ref image.Reference) (string, bool) {
	if len(r.overrides) == 0 {
		return "", false
	}
	for _, key := range []string{strings.ToLower(strings.TrimSpace(req.Image)), ref.Normalized(), ref.Basename()} {
		if v, ok := r.overrides[key]; ok && key != "" {
			return v, true
		}
	}
	return "", false
}

func (r *Resolver) labelDescription(_ context.Context, req Request, _ image.Reference) (string, bool) {
	for _, candidate := range []string{req.Labels[LabelDescription], req.Labels[LabelImageDescription], req.DescriptionHint} {
		if v := SanitizeDescription(candidate); v != "" {
			return v, true
		}
	}
	return "", false
}
