// Package intent implements declarative upgrade rules: which containers an
// intent selects, when it fires, and the execution that applies it.
package intent

import (
	"regexp"
	"strings"
	"sync"

	"github.com/portward/portward/internal/inventory"
	"github.com/portward/portward/internal/store"
)

// compileGlob turns a glob pattern (* and ? wildcards) into an anchored,
// case-insensitive regexp.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

var globCache sync.Map // pattern -> *regexp.Regexp

func matchGlob(pattern, value string) bool {
	if cached, ok := globCache.Load(pattern); ok {
		return cached.(*regexp.Regexp).MatchString(value)
	}
	re, err := compileGlob(pattern)
	if err != nil {
		return false
	}
	globCache.Store(pattern, re)
	return re.MatchString(value)
}

// matchAny reports whether value matches at least one pattern. An empty
// pattern list matches nothing.
func matchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if matchGlob(p, value) {
			return true
		}
	}
	return false
}

// includes is matchAny with an empty pattern list passing: an unset
// inclusion array places no constraint on the container.
func includes(patterns []string, value string) bool {
	return len(patterns) == 0 || matchAny(patterns, value)
}

func matchInstanceID(ids []uint64, id uint64) bool {
	if len(ids) == 0 {
		return true
	}
	for _, want := range ids {
		if want == id {
			return true
		}
	}
	return false
}

// Matches reports whether the intent selects this container. Every non-empty
// inclusion array must be satisfied; exclusions are applied after inclusions
// and always win. An intent with no inclusion arrays at all selects nothing.
func Matches(in store.Intent, c inventory.AnnotatedContainer) bool {
	if len(in.MatchContainers) == 0 && len(in.MatchImages) == 0 &&
		len(in.MatchInstances) == 0 && len(in.MatchStacks) == 0 &&
		len(in.MatchRegistries) == 0 {
		return false
	}

	included := includes(in.MatchContainers, c.Name) &&
		includes(in.MatchImages, c.Image) &&
		matchInstanceID(in.MatchInstances, c.InstanceID) &&
		(len(in.MatchStacks) == 0 || (c.StackName != "" && matchAny(in.MatchStacks, c.StackName))) &&
		includes(in.MatchRegistries, c.Registry)
	if !included {
		return false
	}

	if matchAny(in.ExcludeContainers, c.Name) ||
		matchAny(in.ExcludeImages, c.Image) ||
		(c.StackName != "" && matchAny(in.ExcludeStacks, c.StackName)) ||
		matchAny(in.ExcludeRegistries, c.Registry) {
		return false
	}
	return true
}

// FindMatching filters the inventory down to containers the intent selects.
// With requireUpdate set, only containers with a known newer upstream image
// survive.
func FindMatching(in store.Intent, containers []inventory.AnnotatedContainer, requireUpdate bool) []inventory.AnnotatedContainer {
	var out []inventory.AnnotatedContainer
	for _, c := range containers {
		if requireUpdate && !c.HasUpdate {
			continue
		}
		if Matches(in, c) {
			out = append(out, c)
		}
	}
	return out
}
