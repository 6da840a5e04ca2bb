package aggregator

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/lissto-dev/fleet/pkg/config"
	"github.com/lissto-dev/fleet/pkg/image"
	"github.com/lissto-dev/fleet/pkg/metadata"
	"github.com/lissto-dev/fleet/pkg/runtime"
	"github.com/lissto-dev/fleet/pkg/version"
)

// Labels read from containers
const (
	LabelApp            = "lissto.dev/app"
	LabelName           = "lissto.dev/name"
	LabelVersion        = "lissto.dev/version"
	LabelURL            = "lissto.dev/url"
	LabelGroup          = "lissto.dev/group"
	LabelOCIVersion     = "org.opencontainers.image.version"
	LabelComposeService = "com.docker.compose.service"
	LabelComposeProject = "com.docker.compose.project"
	LabelSwarmService   = "com.docker.swarm.service.name"
	LabelStackNamespace = "com.docker.stack.namespace"
)

// tagLabels hold group names shown as app tags
var tagLabels = []string{LabelComposeProject, LabelStackNamespace, LabelGroup}

type containerRule func(c runtime.Container, ref image.Reference) string

func label(key string) containerRule {
	return func(c runtime.Container, _ image.Reference) string {
		return strings.TrimSpace(c.Labels[key])
	}
}

func firstOf(rules []containerRule, c runtime.Container, ref image.Reference) string {
	for _, rule := range rules {
		if v := rule(c, ref); v != "" {
			return v
		}
	}
	return ""
}

var appKeyRules = []containerRule{
	label(LabelApp),
	func(_ runtime.Container, ref image.Reference) string {
		if ref.Repository == "" {
			return ""
		}
		return ref.Normalized()
	},
	label(LabelComposeService),
	label(LabelSwarmService),
	func(_ runtime.Container, ref image.Reference) string { return ref.Basename() },
	func(c runtime.Container, _ image.Reference) string { return c.Name },
}

var versionRules = []containerRule{
	label(LabelVersion),
	label(LabelOCIVersion),
	func(_ runtime.Container, ref image.Reference) string { return ref.Tag },
	func(_ runtime.Container, ref image.Reference) string {
		if ref.Digest != "" {
			return version.ShortDigest(ref.Digest)
		}
		return ""
	},
	func(_ runtime.Container, ref image.Reference) string {
		// An untagged reference means the default tag
		if ref.Repository != "" {
			return version.Latest
		}
		return ""
	},
}

// AppKey returns the grouping identity of a container
func AppKey(c runtime.Container) string {
	return firstOf(appKeyRules, c, image.Parse(c.Image))
}

// InstanceVersion returns the version shown for a container, or ""
func InstanceVersion(c runtime.Container) string {
	return firstOf(versionRules, c, image.Parse(c.Image))
}

// DisplayName returns the app name for a container in group key
func DisplayName(c runtime.Container, key string) string {
	if name := strings.TrimSpace(c.Labels[LabelName]); name != "" {
		return name
	}
	if idx := strings.LastIndex(key, "/"); idx != -1 {
		return key[idx+1:]
	}
	return key
}

// Tags returns the group labels set on a container
func Tags(c runtime.Container) []string {
	var tags []string
	for _, key := range tagLabels {
		if v := strings.TrimSpace(c.Labels[key]); v != "" {
			tags = append(tags, v)
		}
	}
	return tags
}

// InstanceURL returns the preferred UI address of a container, or ""
func InstanceURL(c runtime.Container, source config.SourceConfig) string {
	if u := metadata.SanitizeURL(c.Labels[LabelURL]); u != "" {
		return u
	}
	for _, p := range c.Ports {
		if p.PublicPort == 0 || (p.Type != "" && p.Type != "tcp") {
			continue
		}
		return fmt.Sprintf("http://%s", net.JoinHostPort(sourceHost(source), fmt.Sprint(p.PublicPort)))
	}
	return ""
}

// sourceHost is the host name users reach a source's published ports on
func sourceHost(source config.SourceConfig) string {
	if source.Endpoint != "" {
		if u, err := url.Parse(source.Endpoint); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	return "localhost"
}

// instanceKey addresses one container in deferred calls
func instanceKey(hostID, containerID string) string {
	return hostID + ":" + containerID
}
