package intent

import (
	"testing"

	"github.com/portward/portward/internal/inventory"
	"github.com/portward/portward/internal/store"
)

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"nginx", "nginx", true},
		{"nginx", "NGINX", true}, // case-insensitive
		{"nginx", "nginx-proxy", false},
		{"nginx*", "nginx-proxy", true},
		{"*proxy", "nginx-proxy", true},
		{"web-?", "web-1", true},
		{"web-?", "web-12", false},
		{"*", "anything", true},
		{"a.b", "aXb", false}, // dot is literal, not regex
		{"", "", true},
		{"", "x", false},
	}
	for _, tt := range tests {
		if got := matchGlob(tt.pattern, tt.value); got != tt.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", tt.pattern, tt.value, got, tt.want)
		}
	}
}

func container(name, image, stack, reg string, instanceID uint64) inventory.AnnotatedContainer {
	return inventory.AnnotatedContainer{
		Name:       name,
		Image:      image,
		StackName:  stack,
		Registry:   reg,
		InstanceID: instanceID,
		HasUpdate:  true,
	}
}

func TestMatchesInclusion(t *testing.T) {
	c := container("web-app", "nginx:1.24", "frontend", "docker.io", 3)

	tests := []struct {
		name   string
		intent store.Intent
		want   bool
	}{
		{"by container name", store.Intent{MatchContainers: []string{"web-*"}}, true},
		{"by image", store.Intent{MatchImages: []string{"nginx:*"}}, true},
		{"by stack", store.Intent{MatchStacks: []string{"frontend"}}, true},
		{"by registry", store.Intent{MatchRegistries: []string{"docker.io"}}, true},
		{"by instance id", store.Intent{MatchInstances: []uint64{3}}, true},
		{"wrong instance id", store.Intent{MatchInstances: []uint64{4}}, false},
		{"no criteria matches nothing", store.Intent{}, false},
		{"non-matching glob", store.Intent{MatchContainers: []string{"db-*"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.intent, c); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInclusionArraysAreConjunctive(t *testing.T) {
	c := container("web-app", "nginx:1.24", "frontend", "docker.io", 3)

	tests := []struct {
		name   string
		intent store.Intent
		want   bool
	}{
		{
			"all non-empty arrays satisfied",
			store.Intent{MatchContainers: []string{"web-*"}, MatchStacks: []string{"front*"}},
			true,
		},
		{
			"name hits but stack test fails",
			store.Intent{MatchContainers: []string{"web-*"}, MatchStacks: []string{"prod-*"}},
			false,
		},
		{
			"stack hits but image test fails",
			store.Intent{MatchStacks: []string{"frontend"}, MatchImages: []string{"redis:*"}},
			false,
		},
		{
			"instance hits but name test fails",
			store.Intent{MatchInstances: []uint64{3}, MatchContainers: []string{"db-*"}},
			false,
		},
		{
			"three arrays all satisfied",
			store.Intent{
				MatchContainers: []string{"web-*"},
				MatchInstances:  []uint64{3},
				MatchRegistries: []string{"docker.io"},
			},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.intent, c); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStackPatternRejectsStacklessUnderConjunction(t *testing.T) {
	c := container("web-app", "nginx:1.24", "", "docker.io", 3)
	in := store.Intent{MatchContainers: []string{"web-*"}, MatchStacks: []string{"*"}}
	if Matches(in, c) {
		t.Error("stack inclusion must fail for a stackless container even when other arrays hit")
	}
}

func TestExclusionWins(t *testing.T) {
	c := container("web-app", "nginx:1.24", "frontend", "docker.io", 3)

	in := store.Intent{
		MatchContainers:   []string{"*"},
		ExcludeContainers: []string{"web-*"},
	}
	if Matches(in, c) {
		t.Error("exclusion should override inclusion")
	}

	in = store.Intent{
		MatchStacks:   []string{"frontend"},
		ExcludeImages: []string{"nginx:*"},
	}
	if Matches(in, c) {
		t.Error("exclusion on a different axis should still win")
	}
}

func TestStacklessContainerNeverMatchesStackPatterns(t *testing.T) {
	c := container("standalone", "redis:7", "", "docker.io", 1)
	in := store.Intent{MatchStacks: []string{"*"}}
	if Matches(in, c) {
		t.Error("a container outside any stack must not match stack globs")
	}
}

func TestFindMatchingRequireUpdate(t *testing.T) {
	upToDate := container("fresh", "nginx:1.25", "", "docker.io", 1)
	upToDate.HasUpdate = false
	stale := container("stale", "nginx:1.24", "", "docker.io", 1)

	in := store.Intent{MatchContainers: []string{"*"}}
	got := FindMatching(in, []inventory.AnnotatedContainer{upToDate, stale}, true)
	if len(got) != 1 || got[0].Name != "stale" {
		t.Errorf("FindMatching = %+v, want only the stale container", got)
	}

	all := FindMatching(in, []inventory.AnnotatedContainer{upToDate, stale}, false)
	if len(all) != 2 {
		t.Errorf("without requireUpdate both should match, got %d", len(all))
	}
}
