package registry

import (
	"strings"
	"time"
)

// Latest describes the newest upstream artifact for a source. Digest is
// empty when the source is a release feed (comparison then falls back to
// normalised tags).
type Latest struct {
	Digest      string
	Tag         string
	ResolvedTag string // concrete version behind a moving tag, when known
	PublishedAt *time.Time
}

// Version returns the most concrete version string the descriptor carries.
func (l *Latest) Version() string {
	if l.ResolvedTag != "" {
		return l.ResolvedTag
	}
	return l.Tag
}

// Normalize canonicalises a version string for comparison: trim whitespace,
// strip one leading v/V, lowercase. Idempotent.
func Normalize(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 1 && (v[0] == 'v' || v[0] == 'V') {
		v = v[1:]
	}
	return strings.ToLower(strings.TrimSpace(v))
}

// HasUpdate is the single source of truth for "is there an update". When
// both sides carry digests, digest inequality decides. Otherwise versions
// are compared under Normalize; equality or a missing side means no update.
func HasUpdate(currentDigest, currentVersion string, latest *Latest) bool {
	if latest == nil {
		return false
	}
	if currentDigest != "" && latest.Digest != "" {
		return extractHash(currentDigest) != extractHash(latest.Digest)
	}
	cur := Normalize(currentVersion)
	next := Normalize(latest.Version())
	if cur == "" || next == "" {
		return false
	}
	return cur != next
}
