package registry

import (
	"sort"
	"strconv"
	"strings"
)

// SemVer represents a parsed semantic version tag.
type SemVer struct {
	Major int
	Minor int
	Patch int
	Pre   string // pre-release suffix (e.g. "rc1", "beta2")
	Raw   string // original tag string
}

// ParseSemVer parses tags of the form [v]MAJOR.MINOR[.PATCH][-pre].
// Returns false for anything else (arch suffixes, date tags, "latest", ...).
func ParseSemVer(tag string) (SemVer, bool) {
	raw := tag

	tag = strings.TrimPrefix(tag, "v")
	tag = strings.TrimPrefix(tag, "V")
	if tag == "" {
		return SemVer{}, false
	}

	var pre string
	if idx := strings.Index(tag, "-"); idx >= 0 {
		pre = tag[idx+1:]
		tag = tag[:idx]
	}

	parts := strings.Split(tag, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return SemVer{}, false
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return SemVer{}, false
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return SemVer{}, false
	}
	var patch int
	if len(parts) == 3 {
		patch, err = strconv.Atoi(parts[2])
		if err != nil {
			return SemVer{}, false
		}
	}

	return SemVer{Major: major, Minor: minor, Patch: patch, Pre: pre, Raw: raw}, true
}

// LessThan orders versions; pre-releases sort before their final release.
func (s SemVer) LessThan(o SemVer) bool {
	if s.Major != o.Major {
		return s.Major < o.Major
	}
	if s.Minor != o.Minor {
		return s.Minor < o.Minor
	}
	if s.Patch != o.Patch {
		return s.Patch < o.Patch
	}
	if s.Pre != o.Pre {
		if s.Pre == "" {
			return false
		}
		if o.Pre == "" {
			return true
		}
		return s.Pre < o.Pre
	}
	return false
}

// semverTagsNewestFirst filters a tag list to parseable semver tags, sorted
// newest first.
func semverTagsNewestFirst(tags []string) []SemVer {
	var out []SemVer
	for _, tag := range tags {
		if sv, ok := ParseSemVer(tag); ok {
			out = append(out, sv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[j].LessThan(out[i])
	})
	return out
}
