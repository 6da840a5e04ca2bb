// Package registry resolves image content digests back to human tags.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lissto-dev/fleet/pkg/cache"
	"github.com/lissto-dev/fleet/pkg/config"
	"github.com/lissto-dev/fleet/pkg/image"
	"github.com/lissto-dev/fleet/pkg/logging"
	"github.com/lissto-dev/fleet/pkg/metrics"
	"github.com/lissto-dev/fleet/pkg/version"
)

// Resolution outcomes, used as metric labels
const (
	OutcomeCacheHit    = "cache_hit"
	OutcomeResolved    = "resolved"
	OutcomeNotFound    = "not_found"
	OutcomeError       = "error"
	OutcomeUnsupported = "unsupported"
)

// ErrIncomplete reports a tag listing cut short by registry failures.
// Matches returned alongside it are real but may not be the best.
var ErrIncomplete = errors.New("incomplete tag listing")

// TagLister finds the tags of a repository that point at a digest
type TagLister interface {
	MatchingTags(ctx context.Context, ref image.Reference, hex string) ([]string, error)
}

// Entry is the cached result of one digest lookup
type Entry struct {
	Tag   string `json:"tag"`
	Found bool   `json:"found"`
}

// Resolver maps (repository, digest) to the best matching tag.
// Results of complete listings are cached forever: a digest never changes meaning.
type Resolver struct {
	cache        cache.Cache
	hub          TagLister
	oci          TagLister
	ociHost      string
	batchSize    int
	batchTimeout time.Duration
	flight       singleflight.Group
}

// NewResolver wires the Docker Hub and container registry listers
func NewResolver(cfg config.RegistryConfig, c cache.Cache, httpClient *http.Client) *Resolver {
	var keychain authn.Keychain
	if cfg.UseDockerConfig {
		keychain = authn.DefaultKeychain
	}
	return NewResolverWithListers(cfg, c,
		NewHubClient(cfg.HubAPIURL, httpClient, cfg.MaxTagPages),
		NewOCIClient(httpClient, keychain, cfg.MaxTags),
	)
}

// NewResolverWithListers builds a resolver around custom tag listers
func NewResolverWithListers(cfg config.RegistryConfig, c cache.Cache, hub, oci TagLister) *Resolver {
	return &Resolver{
		cache:        c,
		hub:          hub,
		oci:          oci,
		ociHost:      strings.ToLower(cfg.ContainerRegistryHost),
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
	}
}

// CacheKey returns the cache key for a repository and digest
func CacheKey(ref image.Reference, digest string) string {
	return fmt.Sprintf("digest:%s/%s@%s", ref.RegistryHost(), strings.ToLower(ref.Repository), normalizeDigest(digest))
}

func normalizeDigest(digest string) string {
	if i := strings.IndexByte(digest, ':'); i >= 0 {
		digest = digest[i+1:]
	}
	return strings.ToLower(digest)
}

func (r *Resolver) lister(ref image.Reference) TagLister {
	switch {
	case ref.IsDockerHub():
		return r.hub
	case r.ociHost != "" && strings.ToLower(ref.Registry) == r.ociHost:
		return r.oci
	}
	return nil
}

// Resolve returns the tag that digest was published under, if one can be found.
// Registries other than Docker Hub and the configured container registry are skipped.
func (r *Resolver) Resolve(ctx context.Context, ref image.Reference, digest string) (string, bool) {
	hex := normalizeDigest(digest)
	if hex == "" || ref.Repository == "" {
		return "", false
	}

	registryHost := ref.RegistryHost()
	lister := r.lister(ref)
	if lister == nil {
		metrics.IncDigestResolution(registryHost, OutcomeUnsupported)
		return "", false
	}

	key := CacheKey(ref, digest)

	var entry Entry
	if err := r.cache.Get(ctx, key, &entry); err == nil {
		metrics.IncDigestResolution(registryHost, OutcomeCacheHit)
		return entry.Tag, entry.Found
	}

	v, err, _ := r.flight.Do(key, func() (interface{}, error) {
		tags, err := lister.MatchingTags(ctx, ref, hex)
		entry := Entry{Tag: SelectTag(tags)}
		entry.Found = entry.Tag != ""
		if err != nil {
			// a partial answer is served but never cached
			if errors.Is(err, ErrIncomplete) && entry.Found {
				logging.Logger.Debug("Serving tag from incomplete listing",
					zap.String("key", key),
					zap.String("tag", entry.Tag),
					zap.Error(err))
				return entry, nil
			}
			return nil, err
		}

		if err := r.cache.Set(ctx, key, entry, cache.NoExpiry); err != nil {
			logging.Logger.Warn("Failed to cache digest resolution",
				zap.String("key", key),
				zap.Error(err))
		}
		return entry, nil
	})
	if err != nil {
		metrics.IncDigestResolution(registryHost, OutcomeError)
		logging.LogProviderMiss("registry", key, err)
		return "", false
	}

	entry = v.(Entry)
	if entry.Found {
		metrics.IncDigestResolution(registryHost, OutcomeResolved)
		logging.Logger.Debug("Resolved digest",
			zap.String("key", key),
			zap.String("tag", entry.Tag))
	} else {
		metrics.IncDigestResolution(registryHost, OutcomeNotFound)
	}
	return entry.Tag, entry.Found
}

// SelectTag picks the best tag among those matching a digest: the greatest
// semantic one, else the first that is not "latest"
func SelectTag(tags []string) string {
	best := ""
	for _, t := range tags {
		if version.IsSemantic(t) && (best == "" || version.Compare(t, best) > 0) {
			best = t
		}
	}
	if best != "" {
		return best
	}
	for _, t := range tags {
		if !version.IsLatest(t) {
			return t
		}
	}
	return ""
}
