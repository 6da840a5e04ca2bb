package metadata

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// maxDescriptionRunes caps description length
const maxDescriptionRunes = 300

// SanitizeDescription strips markup, collapses whitespace and caps the length
func SanitizeDescription(s string) string {
	var text strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt == html.TextToken {
			text.Write(z.Text())
			text.WriteByte(' ')
		}
	}

	out := strings.Join(strings.Fields(text.String()), " ")
	if runes := []rune(out); len(runes) > maxDescriptionRunes {
		out = strings.TrimSpace(string(runes[:maxDescriptionRunes]))
	}
	return out
}

// SanitizeURL returns s if it is an absolute http or https URL
func SanitizeURL(s string) string {
	s = strings.TrimSpace(s)
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return s
}

// commonSuffixes are dropped when guessing icon names
var commonSuffixes = []string{"-server", "-app", "-docker", "-ce", "-oss", "-web"}

// NameVariants returns the candidate icon names for an image basename:
// as-is, separators stripped, common suffix stripped, alphanumeric only
func NameVariants(base string) []string {
	base = strings.ToLower(strings.TrimSpace(base))
	if base == "" {
		return nil
	}

	stripped := strings.NewReplacer("-", "", "_", "", ".", "").Replace(base)

	unsuffixed := base
	for _, suffix := range commonSuffixes {
		if strings.HasSuffix(base, suffix) && len(base) > len(suffix) {
			unsuffixed = strings.TrimSuffix(base, suffix)
			break
		}
	}

	alnum := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, base)

	var out []string
	seen := map[string]bool{}
	for _, v := range []string{base, stripped, unsuffixed, alnum} {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
