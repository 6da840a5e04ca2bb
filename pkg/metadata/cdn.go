package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/lissto-dev/fleet/pkg/image"
	"github.com/lissto-dev/fleet/pkg/logging"
)

// maxCDNTTL caps how long a CDN probe result is trusted; icon libraries change often
const maxCDNTTL = 6 * time.Hour

type probeEntry struct {
	Exists bool `json:"exists"`
}

// cdnIcon probes every icon library for every name variant, libraries in order
func (r *Resolver) cdnIcon(ctx context.Context, ref image.Reference) string {
	variants := NameVariants(ref.Basename())
	for _, library := range r.libraries {
		for _, name := range variants {
			candidate := fmt.Sprintf(library, name)
			if r.probe(ctx, candidate) {
				return candidate
			}
			if ctx.Err() != nil {
				return ""
			}
		}
	}
	return ""
}

// probe checks that url exists, caching the answer
func (r *Resolver) probe(ctx context.Context, url string) bool {
	key := "meta:cdn:" + url

	var entry probeEntry
	if err := r.cache.Get(ctx, key, &entry); err == nil {
		return entry.Exists
	}

	exists, err := r.exists(ctx, url)
	ttl := r.cdnTTL
	if ttl > maxCDNTTL {
		ttl = maxCDNTTL
	}
	if err != nil {
		logging.LogProviderMiss("cdn", url, err)
		if ctx.Err() != nil {
			return false
		}
		ttl = r.cdnFailureTTL
	}

	_ = r.cache.Set(ctx, key, probeEntry{Exists: exists}, ttl)
	return exists
}
