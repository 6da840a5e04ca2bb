package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lissto-dev/fleet/pkg/image"
	"github.com/lissto-dev/fleet/pkg/logging"
)

// Request asks for the tag of one digest; Key identifies the caller's item
type Request struct {
	Key    string
	Ref    image.Reference
	Digest string
}

// ResolveBatch resolves requests in fixed-size concurrent batches.
// Each batch gets its own deadline; lookups still running when it passes
// are dropped and the next batch starts. Only found tags are returned.
func (r *Resolver) ResolveBatch(ctx context.Context, requests []Request) map[string]string {
	results := make(map[string]string)

	size := r.batchSize
	if size <= 0 {
		size = len(requests)
	}

	for start := 0; start < len(requests); start += size {
		if ctx.Err() != nil {
			break
		}
		end := start + size
		if end > len(requests) {
			end = len(requests)
		}
		for k, v := range r.resolveChunk(ctx, requests[start:end]) {
			results[k] = v
		}
	}
	return results
}

func (r *Resolver) resolveChunk(ctx context.Context, chunk []Request) map[string]string {
	bctx, cancel := ctx, context.CancelFunc(func() {})
	if r.batchTimeout > 0 {
		bctx, cancel = context.WithTimeout(ctx, r.batchTimeout)
	}
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]string, len(chunk))
	)
	for _, req := range chunk {
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			tag, ok := r.Resolve(bctx, req.Ref, req.Digest)
			if !ok {
				return
			}
			mu.Lock()
			results[req.Key] = tag
			mu.Unlock()
		}(req)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-bctx.Done():
		logging.Logger.Debug("Digest batch deadline passed",
			zap.Int("requests", len(chunk)),
			zap.Error(bctx.Err()))
	}

	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]string, len(results))
	for k, v := range results {
		out[k] = v
	}
	return out
}
