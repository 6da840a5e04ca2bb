package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lissto-dev/fleet/pkg/image"
)

const userAgent = "lissto-fleet"

// HubClient lists Docker Hub tags
type HubClient struct {
	baseURL  string
	http     *http.Client
	maxPages int
}

// NewHubClient creates a Docker Hub tag lister
func NewHubClient(baseURL string, httpClient *http.Client, maxPages int) *HubClient {
	return &HubClient{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		http:     httpClient,
		maxPages: maxPages,
	}
}

type hubTagsPage struct {
	Next    string   `json:"next"`
	Results []hubTag `json:"results"`
}

type hubTag struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
	Images []struct {
		Digest string `json:"digest"`
	} `json:"images"`
}

// MatchingTags returns every tag whose index or platform digest equals hex,
// in listing order. A page failing after the first one yields the matches
// so far with an ErrIncomplete error.
func (h *HubClient) MatchingTags(ctx context.Context, ref image.Reference, hex string) ([]string, error) {
	ns, repo := ref.HubPath()
	next := fmt.Sprintf("%s/v2/repositories/%s/%s/tags?page_size=100", h.baseURL, ns, repo)

	var matches []string
	for page := 0; next != "" && page < h.maxPages; page++ {
		var body hubTagsPage
		status, err := getJSON(ctx, h.http, next, &body)
		if page == 0 && status == http.StatusNotFound {
			return nil, nil
		}
		if err != nil {
			if page == 0 {
				return nil, err
			}
			return matches, fmt.Errorf("%w: page %d of %s/%s: %v", ErrIncomplete, page+1, ns, repo, err)
		}

		for _, tag := range body.Results {
			if tagMatches(tag, hex) {
				matches = append(matches, tag.Name)
			}
		}
		next = body.Next
	}
	return matches, nil
}

func tagMatches(tag hubTag, hex string) bool {
	if normalizeDigest(tag.Digest) == hex {
		return true
	}
	for _, img := range tag.Images {
		if normalizeDigest(img.Digest) == hex {
			return true
		}
	}
	return false
}

// getJSON decodes a JSON GET response and returns the status code
func getJSON(ctx context.Context, client *http.Client, url string, dest interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", url, err)
	}
	return resp.StatusCode, nil
}
