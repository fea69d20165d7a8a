package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/portward/portward/internal/logging"
)

// maxManifestHEADs bounds the manifest HEAD requests spent reverse-resolving
// a moving tag to a concrete version. The matching version is usually near
// the top of the tag list.
const maxManifestHEADs = 10

// maxTagPages bounds tags/list pagination. GHCR caps responses at 1000 tags
// per page regardless of the n= parameter.
const maxTagPages = 10

// Credential is a registry login (username + password or PAT).
type Credential struct {
	Username string
	Secret   string
}

// LookupSpec names one upstream source to resolve.
type LookupSpec struct {
	Registry    string // canonical host from ParseImage
	Repo        string // registry-relative path
	Tag         string
	Credential  *Credential
	ForgeKind   string // github or gitea; enables the release-feed fallback
	ForgeRef    string // owner/repo (gitea: host/owner/repo)
	ForgeToken  string
	UseFallback bool
}

// Resolver answers "what is the newest upstream artifact" for registry
// images and forge-tracked sources. All outbound calls are rate-limit aware.
type Resolver struct {
	client  *http.Client
	tracker *RateLimitTracker
	log     *logging.Logger

	// endpoint maps a registry host to its v2 API base. Swapped in tests.
	endpoint func(host string) string
	// forgeBase maps a forge kind (and, for gitea, the ref's host) to its
	// API base. Swapped in tests.
	forgeBase func(kind, host string) string
}

// NewResolver creates a Resolver sharing the given rate-limit tracker.
func NewResolver(tracker *RateLimitTracker, log *logging.Logger) *Resolver {
	return &Resolver{
		client:  &http.Client{Timeout: 15 * time.Second},
		tracker: tracker,
		log:     log,
		endpoint: func(host string) string {
			if host == DefaultRegistry {
				return "https://registry-1.docker.io"
			}
			return "https://" + host
		},
		forgeBase: func(kind, host string) string {
			if kind == "gitea" {
				return "https://" + host + "/api/v1"
			}
			return "https://api.github.com"
		},
	}
}

// IsMovingTag reports whether a tag's meaning changes over time and should
// be reverse-resolved to a concrete version.
func IsMovingTag(tag string) bool {
	return tag == "latest"
}

// ResolveLatest queries the registry for the manifest digest of spec's tag.
// For a moving tag it additionally tries to reverse-resolve the digest to a
// concrete semver tag. On a non-rate-limit registry failure with the
// fallback enabled, the forge release feed supplies a tag-only descriptor.
//
// Returns (nil, nil) when the source cannot be resolved for reasons that
// should not halt the caller; ErrRateLimited propagates untouched.
func (r *Resolver) ResolveLatest(ctx context.Context, spec LookupSpec) (*Latest, error) {
	host := NormaliseRegistryHost(spec.Registry)

	if ok, wait := r.tracker.CanProceed(host); !ok {
		return nil, fmt.Errorf("%s resets in %s: %w", host, wait.Round(time.Second), ErrRateLimited)
	}

	token := r.fetchToken(ctx, host, spec.Repo, spec.Credential)

	digest, err := r.manifestDigest(ctx, host, spec.Repo, spec.Tag, token, spec.Credential)
	if err != nil {
		if isRateLimited(err) {
			return nil, err
		}
		if spec.UseFallback && spec.ForgeRef != "" {
			r.log.Debug("registry lookup failed, trying release feed",
				"repo", spec.Repo, "forge", spec.ForgeRef, "error", err)
			return r.forgeFallback(ctx, spec)
		}
		r.log.Warn("registry lookup failed", "host", host, "repo", spec.Repo, "tag", spec.Tag, "error", err)
		return nil, nil
	}

	latest := &Latest{Digest: digest, Tag: spec.Tag}

	if IsMovingTag(spec.Tag) {
		if resolved := r.reverseResolve(ctx, host, spec.Repo, digest, token, spec.Credential); resolved != "" {
			latest.ResolvedTag = resolved
		}
	}

	return latest, nil
}

// ResolveForgeLatest returns the newest release of a forge repository, or
// nil when the repo has no releases or the latest release carries no tag.
func (r *Resolver) ResolveForgeLatest(ctx context.Context, kind, ref, token string) (*Release, error) {
	return r.forgeRelease(ctx, kind, ref, "latest", token)
}

// ResolveForgeByTag returns the release for a specific tag, retrying with
// and without a leading "v" prefix.
func (r *Resolver) ResolveForgeByTag(ctx context.Context, kind, ref, tag, token string) (*Release, error) {
	candidates := []string{tag}
	if strings.HasPrefix(tag, "v") {
		candidates = append(candidates, strings.TrimPrefix(tag, "v"))
	} else {
		candidates = append(candidates, "v"+tag)
	}

	var lastErr error
	for _, t := range candidates {
		rel, err := r.forgeRelease(ctx, kind, ref, "tags/"+t, token)
		if err != nil {
			lastErr = err
			continue
		}
		if rel != nil {
			return rel, nil
		}
	}
	return nil, lastErr
}

// forgeFallback converts the latest forge release into a tag-only
// descriptor; digest comparison then degrades to normalised tag equality.
func (r *Resolver) forgeFallback(ctx context.Context, spec LookupSpec) (*Latest, error) {
	rel, err := r.ResolveForgeLatest(ctx, spec.ForgeKind, spec.ForgeRef, spec.ForgeToken)
	if err != nil {
		if isRateLimited(err) {
			return nil, err
		}
		r.log.Warn("release feed fallback failed", "forge", spec.ForgeRef, "error", err)
		return nil, nil
	}
	if rel == nil {
		return nil, nil
	}
	return &Latest{Tag: rel.Tag, PublishedAt: rel.PublishedAt}, nil
}

// reverseResolve scans the repo's semver tags newest-first looking for one
// whose manifest digest equals the moving tag's digest. Budgeted; an
// unresolved moving tag is reported as-is.
func (r *Resolver) reverseResolve(ctx context.Context, host, repo, digest, token string, cred *Credential) string {
	tags, err := r.listTags(ctx, host, repo, token, cred)
	if err != nil {
		r.log.Debug("tag listing failed, leaving moving tag unresolved", "repo", repo, "error", err)
		return ""
	}

	target := extractHash(digest)
	semvers := semverTagsNewestFirst(tags)
	if len(semvers) > maxManifestHEADs {
		semvers = semvers[:maxManifestHEADs]
	}

	for _, sv := range semvers {
		if ok, _ := r.tracker.CanProceed(host); !ok {
			break
		}
		candidate, err := r.manifestDigest(ctx, host, repo, sv.Raw, token, cred)
		if err != nil {
			continue
		}
		if extractHash(candidate) == target {
			return sv.Raw
		}
	}
	return ""
}

// manifestDigest performs a HEAD against the v2 manifests endpoint and
// returns the Docker-Content-Digest header. Transient failures are retried
// with exponential backoff; HTTP 429 maps to ErrRateLimited.
func (r *Resolver) manifestDigest(ctx context.Context, host, repo, tag, token string, cred *Credential) (string, error) {
	url := r.endpoint(host) + "/v2/" + repo + "/manifests/" + tag

	var digest string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		// Accept manifest list / OCI index types so multi-arch images report
		// the same digest the deploy side sees.
		req.Header.Set("Accept", strings.Join([]string{
			"application/vnd.docker.distribution.manifest.list.v2+json",
			"application/vnd.oci.image.index.v1+json",
			"application/vnd.docker.distribution.manifest.v2+json",
			"application/vnd.oci.image.manifest.v1+json",
		}, ", "))
		setAuth(req, token, cred)

		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("manifest HEAD: %w", err)
		}
		defer resp.Body.Close()
		r.tracker.Record(host, resp.Header)

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("manifest HEAD for %s/%s: %w", repo, tag, ErrRateLimited))
		case resp.StatusCode >= 500:
			return fmt.Errorf("manifest HEAD returned %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("manifest HEAD returned %d", resp.StatusCode))
		}

		digest = resp.Header.Get("Docker-Content-Digest")
		if digest == "" {
			return backoff.Permanent(fmt.Errorf("no Docker-Content-Digest header"))
		}
		return nil
	}

	if err := backoff.Retry(op, r.retryPolicy(ctx)); err != nil {
		return "", err
	}
	return digest, nil
}

// listTags fetches all tags for a repo, paginating with the ?last=
// parameter when the registry returns a full page.
func (r *Resolver) listTags(ctx context.Context, host, repo, token string, cred *Credential) ([]string, error) {
	base := r.endpoint(host) + "/v2/" + repo + "/tags/list?n=1000"

	var all []string
	pageURL := base
	for page := 0; page < maxTagPages; page++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create tags request: %w", err)
		}
		setAuth(req, token, cred)

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch tags: %w", err)
		}
		r.tracker.Record(host, resp.Header)

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return nil, fmt.Errorf("tags list for %s: %w", repo, ErrRateLimited)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("tags endpoint returned %d", resp.StatusCode)
		}

		var tagList struct {
			Tags []string `json:"tags"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&tagList); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("decode tags response: %w", err)
		}
		resp.Body.Close()

		all = append(all, tagList.Tags...)
		if len(tagList.Tags) < 1000 {
			break
		}
		pageURL = base + "&last=" + tagList.Tags[len(tagList.Tags)-1]
	}
	return all, nil
}

// fetchToken obtains a bearer token where the registry requires one.
// Failures fall through to unauthenticated/basic-auth requests.
func (r *Resolver) fetchToken(ctx context.Context, host, repo string, cred *Credential) string {
	var url string
	switch host {
	case DefaultRegistry:
		url = "https://auth.docker.io/token?service=registry.docker.io&scope=repository:" + repo + ":pull"
	case "ghcr.io":
		url = "https://ghcr.io/token?service=ghcr.io&scope=repository:" + repo + ":pull"
	default:
		return ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	if cred != nil {
		req.SetBasicAuth(cred.Username, cred.Secret)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var tok struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return ""
	}
	return tok.Token
}

func (r *Resolver) retryPolicy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx)
}

func setAuth(req *http.Request, token string, cred *Credential) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if cred != nil {
		req.SetBasicAuth(cred.Username, cred.Secret)
	}
}

func isRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
