package registry

import "testing"

func TestParseImage(t *testing.T) {
	tests := []struct {
		ref      string
		registry string
		repo     string
		tag      string
	}{
		{"nginx", "docker.io", "library/nginx", "latest"},
		{"nginx:1.25", "docker.io", "library/nginx", "1.25"},
		{"grafana/grafana:10.2.0", "docker.io", "grafana/grafana", "10.2.0"},
		{"ghcr.io/owner/app:v2.1.0", "ghcr.io", "owner/app", "v2.1.0"},
		{"registry.example.com:5000/team/svc:rc1", "registry.example.com:5000", "team/svc", "rc1"},
		{"index.docker.io/library/redis:7", "docker.io", "library/redis", "7"},
		{"nginx@sha256:abcdef", "docker.io", "library/nginx", "latest"},
		{"ghcr.io/owner/app:1.0@sha256:abcdef", "ghcr.io", "owner/app", "1.0"},
	}
	for _, tt := range tests {
		got := ParseImage(tt.ref)
		if got.Registry != tt.registry || got.Repo != tt.repo || got.Tag != tt.tag {
			t.Errorf("ParseImage(%q) = %+v, want {%s %s %s}", tt.ref, got, tt.registry, tt.repo, tt.tag)
		}
	}
}

func TestImageCoordRef(t *testing.T) {
	tests := []struct {
		coord ImageCoord
		want  string
	}{
		{ImageCoord{"docker.io", "library/nginx", "1.25"}, "nginx:1.25"},
		{ImageCoord{"docker.io", "grafana/grafana", "latest"}, "grafana/grafana:latest"},
		{ImageCoord{"ghcr.io", "owner/app", "v2"}, "ghcr.io/owner/app:v2"},
	}
	for _, tt := range tests {
		if got := tt.coord.Ref(); got != tt.want {
			t.Errorf("Ref() = %q, want %q", got, tt.want)
		}
	}
}

func TestReplaceTag(t *testing.T) {
	tests := []struct {
		ref    string
		newTag string
		want   string
	}{
		{"nginx:latest", "1.25.3", "nginx:1.25.3"},
		{"nginx", "1.25.3", "nginx:1.25.3"},
		{"registry.example.com:5000/team/svc:old", "new", "registry.example.com:5000/team/svc:new"},
		{"nginx:latest@sha256:abc", "1.25", "nginx:1.25"},
	}
	for _, tt := range tests {
		if got := ReplaceTag(tt.ref, tt.newTag); got != tt.want {
			t.Errorf("ReplaceTag(%q, %q) = %q, want %q", tt.ref, tt.newTag, got, tt.want)
		}
	}
}

func TestNormaliseRegistryHost(t *testing.T) {
	for _, host := range []string{"registry-1.docker.io", "index.docker.io", "docker.io", ""} {
		if got := NormaliseRegistryHost(host); got != DefaultRegistry {
			t.Errorf("NormaliseRegistryHost(%q) = %q, want %q", host, got, DefaultRegistry)
		}
	}
	if got := NormaliseRegistryHost("ghcr.io"); got != "ghcr.io" {
		t.Errorf("NormaliseRegistryHost(ghcr.io) = %q", got)
	}
}

func TestExtractHash(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sha256:abc123", "sha256:abc123"},
		{"docker.io/library/nginx@sha256:abc123", "sha256:abc123"},
		{"abc123", "abc123"},
	}
	for _, tt := range tests {
		if got := extractHash(tt.in); got != tt.want {
			t.Errorf("extractHash(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
