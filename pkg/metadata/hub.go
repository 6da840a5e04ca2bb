package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/lissto-dev/fleet/pkg/image"
	"github.com/lissto-dev/fleet/pkg/logging"
)

// hubInfo is what a hub tier knows about an image; cached per tier and slug
type hubInfo struct {
	Icon        string `json:"icon,omitempty"`
	Description string `json:"description,omitempty"`
	Found       bool   `json:"found"`
}

type hubRepository struct {
	Description string `json:"description"`
	LogoURL     string `json:"logo_url"`
}

type hubSearchResponse struct {
	Results []struct {
		Slug             string `json:"slug"`
		Name             string `json:"name"`
		ShortDescription string `json:"short_description"`
		LogoURL          struct {
			Large string `json:"large"`
			Small string `json:"small"`
		} `json:"logo_url"`
	} `json:"results"`
}

// cachedHub returns the cached hubInfo for key or fetches and caches it.
// Definitive answers live for hubTTL, transport failures for cdnFailureTTL.
func (r *Resolver) cachedHub(ctx context.Context, tier, key string, fetch func(context.Context) (hubInfo, error)) hubInfo {
	cacheKey := "meta:" + tier + ":" + key

	var info hubInfo
	if err := r.cache.Get(ctx, cacheKey, &info); err == nil {
		return info
	}

	info, err := fetch(ctx)
	ttl := r.hubTTL
	switch {
	case errors.Is(err, errNotFound):
		info = hubInfo{}
	case err != nil:
		logging.LogProviderMiss(tier, key, err)
		if ctx.Err() != nil {
			return hubInfo{}
		}
		info = hubInfo{}
		ttl = r.cdnFailureTTL
	}

	info.Icon = SanitizeURL(info.Icon)
	info.Description = SanitizeDescription(info.Description)
	info.Found = info.Icon != "" || info.Description != ""

	_ = r.cache.Set(ctx, cacheKey, info, ttl)
	return info
}

// hubRepositoryInfo reads the Docker Hub repository API; Docker Hub images only
func (r *Resolver) hubRepositoryInfo(ctx context.Context, ref image.Reference) hubInfo {
	if !ref.IsDockerHub() || ref.Repository == "" {
		return hubInfo{}
	}
	ns, repo := ref.HubPath()
	slug := ns + "/" + repo

	return r.cachedHub(ctx, "hub-repo", slug, func(ctx context.Context) (hubInfo, error) {
		var body hubRepository
		endpoint := fmt.Sprintf("%s/v2/repositories/%s/%s/", r.hubAPI, ns, repo)
		if err := r.getJSON(ctx, endpoint, &body); err != nil {
			return hubInfo{}, err
		}
		return hubInfo{Icon: body.LogoURL, Description: body.Description}, nil
	})
}

// hubSearch queries the product search API, preferring an exact slug match
func (r *Resolver) hubSearch(ctx context.Context, ref image.Reference) hubInfo {
	query := ref.Basename()
	if query == "" {
		return hubInfo{}
	}
	ns, repo := ref.HubPath()
	wanted := []string{query, ns + "/" + repo}

	return r.cachedHub(ctx, "hub-search", query, func(ctx context.Context) (hubInfo, error) {
		var body hubSearchResponse
		endpoint := fmt.Sprintf("%s/api/search/v3/catalog/search?query=%s&from=0&size=10",
			r.hubAPI, url.QueryEscape(query))
		if err := r.getJSON(ctx, endpoint, &body); err != nil {
			return hubInfo{}, err
		}
		if len(body.Results) == 0 {
			return hubInfo{}, errNotFound
		}

		best := body.Results[0]
		for _, res := range body.Results {
			if containsFold(wanted, res.Slug) {
				best = res
				break
			}
		}

		icon := best.LogoURL.Large
		if icon == "" {
			icon = best.LogoURL.Small
		}
		return hubInfo{Icon: icon, Description: best.ShortDescription}, nil
	})
}

// hubPage scrapes og:image and og:description from the product page
func (r *Resolver) hubPage(ctx context.Context, ref image.Reference) hubInfo {
	if !ref.IsDockerHub() || ref.Repository == "" {
		return hubInfo{}
	}
	ns, repo := ref.HubPath()
	path := "/r/" + ns + "/" + repo
	if ns == "library" {
		path = "/_/" + repo
	}

	return r.cachedHub(ctx, "hub-page", path, func(ctx context.Context) (hubInfo, error) {
		body, err := r.getPage(ctx, r.hubWeb+path)
		if err != nil {
			return hubInfo{}, err
		}
		defer body.Close()
		return parseOpenGraph(body), nil
	})
}

// parseOpenGraph reads og:image and og:description meta tags from an HTML document
func parseOpenGraph(r io.Reader) hubInfo {
	var info hubInfo
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return info
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) == "body" {
				return info
			}
			if string(name) != "meta" || !hasAttr {
				continue
			}

			var property, content string
			for {
				key, val, more := z.TagAttr()
				switch string(key) {
				case "property", "name":
					property = string(val)
				case "content":
					content = string(val)
				}
				if !more {
					break
				}
			}

			switch property {
			case "og:image":
				if info.Icon == "" {
					info.Icon = content
				}
			case "og:description":
				if info.Description == "" {
					info.Description = content
				}
			}
		}
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
