// Package registry resolves deployed images and tracked apps to their
// newest upstream artifact, across container registries and forge release
// feeds.
package registry

import (
	"strings"

	"github.com/distribution/reference"
)

// DefaultRegistry is the public registry assumed for bare image names.
const DefaultRegistry = "docker.io"

// ImageCoord is the parsed form of an image reference.
type ImageCoord struct {
	Registry string // canonical registry host, e.g. "docker.io", "ghcr.io"
	Repo     string // registry-relative path, e.g. "library/nginx"
	Tag      string // "latest" when the reference carries no tag
}

// Ref reassembles the reference as "registry/repo:tag" with the default
// registry omitted, matching how container lists render images.
func (c ImageCoord) Ref() string {
	if c.Registry == DefaultRegistry {
		return strings.TrimPrefix(c.Repo, "library/") + ":" + c.Tag
	}
	return c.Registry + "/" + c.Repo + ":" + c.Tag
}

// ParseImage splits an image reference into registry host, repository path
// and tag. It prefers strict parsing via distribution/reference and falls
// back to string splitting for refs that fail it (Portainer occasionally
// reports image IDs or partially-normalised names).
func ParseImage(imageRef string) ImageCoord {
	ref := imageRef
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}

	if named, err := reference.ParseNormalizedNamed(ref); err == nil {
		coord := ImageCoord{
			Registry: NormaliseRegistryHost(reference.Domain(named)),
			Repo:     reference.Path(named),
			Tag:      "latest",
		}
		if tagged, ok := named.(reference.Tagged); ok {
			coord.Tag = tagged.Tag()
		}
		return coord
	}

	return parseImageLoose(ref)
}

// parseImageLoose mirrors the split rules registries themselves apply: the
// first segment is a host only if it contains a dot or colon, a colon after
// the last slash is a tag separator, and bare names live under library/.
func parseImageLoose(ref string) ImageCoord {
	coord := ImageCoord{Registry: DefaultRegistry, Tag: "latest"}

	if i := strings.LastIndex(ref, ":"); i >= 0 && i > strings.LastIndex(ref, "/") {
		coord.Tag = ref[i+1:]
		ref = ref[:i]
	}

	if slash := strings.Index(ref, "/"); slash >= 0 {
		first := ref[:slash]
		if strings.ContainsAny(first, ".:") {
			coord.Registry = NormaliseRegistryHost(first)
			ref = ref[slash+1:]
		}
	}

	if coord.Registry == DefaultRegistry && !strings.Contains(ref, "/") {
		ref = "library/" + ref
	}
	coord.Repo = ref
	return coord
}

// NormaliseRegistryHost maps registry host variants to a canonical form.
// "registry-1.docker.io" and "index.docker.io" both map to "docker.io".
func NormaliseRegistryHost(host string) string {
	switch host {
	case "registry-1.docker.io", "index.docker.io", "docker.io", "":
		return DefaultRegistry
	}
	return host
}

// ReplaceTag swaps the tag of an image reference, preserving registry ports.
func ReplaceTag(imageRef, newTag string) string {
	base := imageRef
	if i := strings.Index(base, "@"); i >= 0 {
		base = base[:i]
	}
	if i := strings.LastIndex(base, ":"); i >= 0 && i > strings.LastIndex(base, "/") {
		base = base[:i]
	}
	return base + ":" + newTag
}

// extractHash returns the sha256:... portion of a digest string. Local
// digests can look like "docker.io/library/nginx@sha256:abc...".
func extractHash(digest string) string {
	if i := strings.LastIndex(digest, "sha256:"); i >= 0 {
		return digest[i:]
	}
	return digest
}
