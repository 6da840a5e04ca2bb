// Package version orders container image version strings.
//
// The order is total: the empty string is lowest, "latest" is highest,
// content digests sit above every other non-latest value, and everything
// else is compared segment by segment.
package version

import (
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Latest is the sentinel tag that sorts above every concrete version
const Latest = "latest"

// digestPattern matches a bare hex content digest of at least 12 characters
var digestPattern = regexp.MustCompile(`^[0-9a-fA-F]{12,}$`)

// Compare returns -1, 0 or 1 when a sorts below, equal to or above b.
// An empty string stands for an unknown version.
func Compare(a, b string) int {
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	case b == "":
		return 1
	}

	aLatest, bLatest := IsLatest(a), IsLatest(b)
	switch {
	case aLatest && bLatest:
		return 0
	case aLatest:
		return 1
	case bLatest:
		return -1
	}

	aDigest, bDigest := IsDigest(a), IsDigest(b)
	switch {
	case aDigest && bDigest:
		return strings.Compare(digestHex(a), digestHex(b))
	case aDigest:
		return 1
	case bDigest:
		return -1
	}

	return compareSegments(segments(a), segments(b))
}

// IsLatest reports whether v is the "latest" sentinel
func IsLatest(v string) bool {
	return strings.EqualFold(v, Latest)
}

// IsDigest reports whether v looks like a content digest, with or without
// the sha256: prefix
func IsDigest(v string) bool {
	return digestPattern.MatchString(trimAlgorithm(v))
}

// IsSemantic reports whether v parses as a semantic version such as 1.2,
// v1.2.3 or 1.2.3-rc.1. A bare major like "1" does not count: it names a
// moving release line, not a build.
func IsSemantic(v string) bool {
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	core := v
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	if !strings.Contains(core, ".") {
		return false
	}
	_, err := semver.NewVersion(v)
	return err == nil
}

// NeedsResolution reports whether v is too ambiguous to display on its own
// and should be resolved from the image digest instead
func NeedsResolution(v string) bool {
	return !IsSemantic(v)
}

// Sort orders versions ascending in place
func Sort(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		if c := Compare(versions[i], versions[j]); c != 0 {
			return c < 0
		}
		return versions[i] < versions[j]
	})
}

// Max returns the greatest version, or "" for an empty slice
func Max(versions []string) string {
	max := ""
	for _, v := range versions {
		if Compare(v, max) > 0 {
			max = v
		}
	}
	return max
}

// Dedupe returns the distinct non-empty versions in ascending order
func Dedupe(versions []string) []string {
	seen := make(map[string]struct{}, len(versions))
	out := make([]string, 0, len(versions))
	for _, v := range versions {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	Sort(out)
	return out
}

// ShortDigest trims the algorithm prefix and keeps the first 12 hex characters
func ShortDigest(digest string) string {
	hex := digestHex(digest)
	if len(hex) > 12 {
		return hex[:12]
	}
	return hex
}

func trimAlgorithm(v string) string {
	if i := strings.IndexByte(v, ':'); i >= 0 {
		return v[i+1:]
	}
	return v
}

func digestHex(v string) string {
	return strings.ToLower(trimAlgorithm(v))
}

func segments(v string) []string {
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	if i := strings.IndexAny(v, "+-"); i >= 0 {
		v = v[:i]
	}
	return strings.FieldsFunc(v, func(r rune) bool { return r == '.' || r == '_' })
}

func compareSegments(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareSegment(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func compareSegment(a, b string) int {
	if isNumeric(a) && isNumeric(b) {
		a, b = trimZeros(a), trimZeros(b)
		if len(a) != len(b) {
			if len(a) < len(b) {
				return -1
			}
			return 1
		}
		return strings.Compare(a, b)
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func trimZeros(s string) string {
	t := strings.TrimLeft(s, "0")
	if t == "" {
		return "0"
	}
	return t
}
