package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Forge kinds.
const (
	ForgeGitHub = "github"
	ForgeGitea  = "gitea"
)

// Release is one forge release. Releases without a tag are discarded rather
// than invented.
type Release struct {
	Tag         string
	Name        string
	HTMLURL     string
	PublishedAt *time.Time
}

// forgeRelease fetches a release resource. which is "latest" or "tags/<tag>".
// Returns (nil, nil) on 404 so callers can retry tag variants.
func (r *Resolver) forgeRelease(ctx context.Context, kind, ref, which, token string) (*Release, error) {
	owner, repo, host, err := splitForgeRef(kind, ref)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/repos/%s/%s/releases/%s", r.forgeBase(kind, host), owner, repo, which)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create release request: %w", err)
	}
	if kind == ForgeGitHub {
		req.Header.Set("Accept", "application/vnd.github.v3+json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch release: %w", err)
	}
	defer resp.Body.Close()
	r.tracker.Record(forgeHost(kind, host), resp.Header)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden && rateLimitExhausted(resp.Header):
		return nil, fmt.Errorf("release feed for %s: %w", ref, ErrRateLimited)
	default:
		return nil, fmt.Errorf("release endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		TagName     string     `json:"tag_name"`
		Name        string     `json:"name"`
		HTMLURL     string     `json:"html_url"`
		PublishedAt *time.Time `json:"published_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode release response: %w", err)
	}
	if body.TagName == "" {
		return nil, nil
	}

	return &Release{
		Tag:         body.TagName,
		Name:        body.Name,
		HTMLURL:     body.HTMLURL,
		PublishedAt: body.PublishedAt,
	}, nil
}

// splitForgeRef decomposes a source ref. GitHub refs are "owner/repo";
// Gitea refs carry their host: "git.example.com/owner/repo".
func splitForgeRef(kind, ref string) (owner, repo, host string, err error) {
	parts := strings.Split(strings.Trim(ref, "/"), "/")
	switch kind {
	case ForgeGitHub:
		if len(parts) != 2 {
			return "", "", "", fmt.Errorf("github ref must be owner/repo, got %q", ref)
		}
		return parts[0], parts[1], "github.com", nil
	case ForgeGitea:
		if len(parts) != 3 {
			return "", "", "", fmt.Errorf("gitea ref must be host/owner/repo, got %q", ref)
		}
		return parts[1], parts[2], parts[0], nil
	}
	return "", "", "", fmt.Errorf("unknown forge kind %q", kind)
}

func forgeHost(kind, host string) string {
	if kind == ForgeGitHub {
		return "api.github.com"
	}
	return host
}

// rateLimitExhausted distinguishes GitHub's 403-with-zero-remaining rate
// limit response from a plain authorisation failure.
func rateLimitExhausted(h http.Header) bool {
	return h.Get("X-RateLimit-Remaining") == "0"
}
