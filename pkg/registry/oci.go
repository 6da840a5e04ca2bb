package registry

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/containers/image/v5/docker"
	"github.com/containers/image/v5/types"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lissto-dev/fleet/pkg/image"
	"github.com/lissto-dev/fleet/pkg/logging"
	"github.com/lissto-dev/fleet/pkg/version"
)

// headConcurrency bounds in-flight manifest requests per resolution
const headConcurrency = 8

// OCIClient matches digests against tags of an OCI distribution registry
type OCIClient struct {
	http     *http.Client
	keychain authn.Keychain // nil means anonymous
	maxTags  int
	backoff  *remote.Backoff // nil keeps the go-containerregistry default
}

// NewOCIClient creates a registry client; keychain may be nil
func NewOCIClient(httpClient *http.Client, keychain authn.Keychain, maxTags int) *OCIClient {
	return &OCIClient{
		http:     httpClient,
		keychain: keychain,
		maxTags:  maxTags,
	}
}

type tokenResponse struct {
	Token string `json:"token"`
}

// anonymousToken asks the registry for a pull token. Failure is not an error:
// public repositories accept anonymous manifest reads.
func (o *OCIClient) anonymousToken(ctx context.Context, repo name.Repository) string {
	url := fmt.Sprintf("%s://%s/token?scope=repository:%s:pull&service=%s",
		repo.Registry.Scheme(), repo.RegistryStr(), repo.RepositoryStr(), repo.RegistryStr())

	var body tokenResponse
	if _, err := getJSON(ctx, o.http, url, &body); err != nil {
		logging.LogProviderMiss("registry-token", repo.String(), err)
		return ""
	}
	return body.Token
}

func (o *OCIClient) options(ctx context.Context, repo name.Repository) []remote.Option {
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithUserAgent(userAgent),
	}
	if o.backoff != nil {
		opts = append(opts, remote.WithRetryBackoff(*o.backoff))
	}
	if o.http != nil && o.http.Transport != nil {
		opts = append(opts, remote.WithTransport(o.http.Transport))
	}

	switch {
	case o.keychain != nil:
		opts = append(opts, remote.WithAuthFromKeychain(o.keychain))
	default:
		if token := o.anonymousToken(ctx, repo); token != "" {
			opts = append(opts, remote.WithAuth(&authn.Bearer{Token: token}))
		} else {
			opts = append(opts, remote.WithAuth(authn.Anonymous))
		}
	}
	return opts
}

// MatchingTags lists tags newest-first, caps them, and returns those whose
// manifest digest equals hex. When some manifests could not be read the
// matches found so far are returned with an ErrIncomplete error.
func (o *OCIClient) MatchingTags(ctx context.Context, ref image.Reference, hex string) ([]string, error) {
	repo, err := name.NewRepository(ref.RegistryHost()+"/"+ref.Repository, name.WeakValidation)
	if err != nil {
		return nil, fmt.Errorf("failed to parse repository: %w", err)
	}

	opts := o.options(ctx, repo)

	tags, err := remote.List(repo, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags for %s: %w", repo, err)
	}

	version.Sort(tags)
	for i, j := 0, len(tags)-1; i < j; i, j = i+1, j-1 {
		tags[i], tags[j] = tags[j], tags[i]
	}
	if o.maxTags > 0 && len(tags) > o.maxTags {
		tags = tags[:o.maxTags]
	}

	var (
		mu       sync.Mutex
		matched  = make(map[int]string)
		failed   int
		firstErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(headConcurrency)
	for i, tag := range tags {
		i, tag := i, tag
		g.Go(func() error {
			digest, err := o.manifestDigest(gctx, repo.Tag(tag), opts)
			if err != nil {
				logging.Logger.Debug("Failed to fetch manifest digest",
					zap.String("repository", repo.String()),
					zap.String("tag", tag),
					zap.Error(err))
				mu.Lock()
				failed++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return nil
			}
			if digest == hex {
				mu.Lock()
				matched[i] = tag
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	indexes := make([]int, 0, len(matched))
	for i := range matched {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	matches := make([]string, 0, len(indexes))
	for _, i := range indexes {
		matches = append(matches, matched[i])
	}
	if failed > 0 {
		return matches, fmt.Errorf("%w: %d of %d manifests of %s unreadable: %v",
			ErrIncomplete, failed, len(tags), repo, firstErr)
	}
	return matches, nil
}

// manifestDigest returns the hex manifest digest of a tag.
// go-containerregistry is tried first, containers/image second.
func (o *OCIClient) manifestDigest(ctx context.Context, tag name.Tag, opts []remote.Option) (string, error) {
	desc, err := remote.Head(tag, opts...)
	if err == nil {
		return desc.Digest.Hex, nil
	}

	logging.Logger.Debug("Manifest HEAD failed, falling back to containers/image",
		zap.String("image", tag.String()),
		zap.Error(err))

	dockerRef, perr := docker.ParseReference("//" + tag.String())
	if perr != nil {
		return "", fmt.Errorf("failed to parse image reference: %w", perr)
	}

	sys := &types.SystemContext{
		DockerInsecureSkipTLSVerify: types.OptionalBoolFalse,
	}
	if tag.Registry.Scheme() == "http" {
		sys.DockerInsecureSkipTLSVerify = types.OptionalBoolTrue
	}

	digest, derr := docker.GetDigest(ctx, sys, dockerRef)
	if derr != nil {
		return "", fmt.Errorf("head %s: %v; fallback: %w", tag, err, derr)
	}
	return digest.Encoded(), nil
}
