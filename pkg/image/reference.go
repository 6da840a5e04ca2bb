package image

import (
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// DockerHubRegistry is the registry host go-containerregistry reports for Docker Hub
const DockerHubRegistry = "index.docker.io"

// Reference is the parsed form of an image string.
// Registry is empty for Docker Hub.
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     string
}

// Parse splits an image string into registry, repository, tag and digest.
// Examples:
//   - "nginx:1.25" -> {"", "library/nginx", "1.25", ""}
//   - "ghcr.io/org/app@sha256:abc" -> {"ghcr.io", "org/app", "", "sha256:abc"}
//   - "registry.com:5000/team/api:v2" -> {"registry.com:5000", "team/api", "v2", ""}
func Parse(s string) Reference {
	s = strings.TrimSpace(s)
	var ref Reference

	if at := strings.LastIndex(s, "@"); at != -1 {
		ref.Digest = s[at+1:]
		s = s[:at]
	} else if strings.HasPrefix(s, "sha256:") {
		// Containers whose image was removed report the bare image ID
		ref.Digest = s
		return ref
	}

	repo := s
	if tag := extractTag(s); tag != "" {
		ref.Tag = tag
		repo = s[:len(s)-len(tag)-1]
	}

	if parsed, err := name.NewRepository(repo, name.WeakValidation); err == nil {
		ref.Registry = parsed.RegistryStr()
		ref.Repository = parsed.RepositoryStr()
	} else {
		ref.Registry, ref.Repository = splitRepository(repo)
	}

	if ref.Registry == DockerHubRegistry || ref.Registry == "docker.io" {
		ref.Registry = ""
	}
	return ref
}

// IsDockerHub reports whether the reference points at the default registry
func (r Reference) IsDockerHub() bool {
	return r.Registry == ""
}

// Normalized returns the lowercased repository identity with the default
// registry and the library/ namespace elided
func (r Reference) Normalized() string {
	repo := strings.ToLower(r.Repository)
	if r.IsDockerHub() {
		return strings.TrimPrefix(repo, "library/")
	}
	return strings.ToLower(r.Registry) + "/" + repo
}

// Basename returns the last path segment of the repository
func (r Reference) Basename() string {
	repo := strings.ToLower(r.Repository)
	if idx := strings.LastIndex(repo, "/"); idx != -1 {
		return repo[idx+1:]
	}
	return repo
}

// HubPath returns the namespace and name used by the Docker Hub API
func (r Reference) HubPath() (namespace, repository string) {
	repo := strings.ToLower(r.Repository)
	if idx := strings.Index(repo, "/"); idx != -1 {
		return repo[:idx], repo[idx+1:]
	}
	return "library", repo
}

// RegistryHost returns the registry host with Docker Hub spelled out
func (r Reference) RegistryHost() string {
	if r.IsDockerHub() {
		return DockerHubRegistry
	}
	return strings.ToLower(r.Registry)
}

// String reassembles the reference in canonical form
func (r Reference) String() string {
	var b strings.Builder
	if !r.IsDockerHub() {
		b.WriteString(r.Registry)
		b.WriteString("/")
	}
	b.WriteString(r.Repository)
	if r.Tag != "" {
		b.WriteString(":")
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteString("@")
		b.WriteString(r.Digest)
	}
	return b.String()
}

// extractTag extracts the tag portion from an image string without a digest
// Examples:
//   - "postgres:15.2" -> "15.2"
//   - "nginx" -> ""
//   - "registry.com:5000/nginx" -> ""
func extractTag(s string) string {
	colon := strings.LastIndex(s, ":")
	if colon == -1 {
		return ""
	}
	tag := s[colon+1:]

	// A colon followed by a path is a registry port
	if strings.Contains(tag, "/") {
		return ""
	}
	return tag
}

// splitRepository is the lenient fallback for strings name.NewRepository rejects
func splitRepository(s string) (registry, repository string) {
	first, rest, found := strings.Cut(s, "/")
	if found && (strings.ContainsAny(first, ".:") || first == "localhost") {
		return first, rest
	}
	if !found {
		return "", "library/" + s
	}
	return "", s
}
