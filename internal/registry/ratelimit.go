package registry

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrRateLimited marks a provider rate-limit. It must propagate to the
// enclosing sweep untouched so the run halts instead of marking the
// remaining targets up to date.
var ErrRateLimited = errors.New("registry: rate limited")

// reserveHeadroom is the minimum remaining pulls kept as headroom before a
// check is refused.
const reserveHeadroom = 2

// hostState holds the current rate limit state for a single registry host.
type hostState struct {
	Limit       int       // max pulls per window; -1 = unknown
	Remaining   int       // pulls left in current window
	ResetAt     time.Time // when the window resets
	HasLimits   bool      // false until the host returns rate limit headers
	LastUpdated time.Time
}

// HostStatus is a snapshot of one registry host's rate-limit state.
type HostStatus struct {
	Registry    string    `json:"registry"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	ResetAt     time.Time `json:"reset_at"`
	HasLimits   bool      `json:"has_limits"`
	LastUpdated time.Time `json:"last_updated"`
}

// RateLimitTracker tracks per-registry rate limits in memory. It understands
// Docker Hub ("RateLimit-Limit: 100;w=21600") and GitHub ("X-RateLimit-*")
// header families.
type RateLimitTracker struct {
	mu    sync.RWMutex
	hosts map[string]*hostState
}

// NewRateLimitTracker creates an empty tracker.
func NewRateLimitTracker() *RateLimitTracker {
	return &RateLimitTracker{hosts: make(map[string]*hostState)}
}

// Record captures rate limit headers from a registry HTTP response.
func (t *RateLimitTracker) Record(host string, headers http.Header) {
	if headers == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	host = NormaliseRegistryHost(host)

	s, ok := t.hosts[host]
	if !ok {
		s = &hostState{Limit: -1}
		t.hosts[host] = s
	}
	s.LastUpdated = time.Now()

	if limit := headers.Get("RateLimit-Limit"); limit != "" {
		s.HasLimits = true
		s.Limit = parseRateLimitValue(limit)
		if rem := headers.Get("RateLimit-Remaining"); rem != "" {
			s.Remaining = parseRateLimitValue(rem)
		}
		if window := parseRateLimitWindow(limit); window > 0 {
			s.ResetAt = time.Now().Add(time.Duration(window) * time.Second)
		}
		return
	}

	if limit := headers.Get("X-RateLimit-Limit"); limit != "" {
		s.HasLimits = true
		s.Limit, _ = strconv.Atoi(limit)
		if rem := headers.Get("X-RateLimit-Remaining"); rem != "" {
			s.Remaining, _ = strconv.Atoi(rem)
		}
		if reset := headers.Get("X-RateLimit-Reset"); reset != "" {
			if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
				s.ResetAt = time.Unix(epoch, 0)
			}
		}
	}
}

// CanProceed reports whether another request to a host is allowed, and the
// wait until the window resets when it is not.
func (t *RateLimitTracker) CanProceed(host string) (bool, time.Duration) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	host = NormaliseRegistryHost(host)

	s, ok := t.hosts[host]
	if !ok || !s.HasLimits {
		return true, 0
	}
	if s.Remaining > reserveHeadroom {
		return true, 0
	}
	wait := time.Until(s.ResetAt)
	if wait < 0 {
		// Window reset since we last heard from the host.
		return true, 0
	}
	return false, wait
}

// Status returns a snapshot of all tracked hosts.
func (t *RateLimitTracker) Status() []HostStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]HostStatus, 0, len(t.hosts))
	for host, s := range t.hosts {
		out = append(out, HostStatus{
			Registry:    host,
			Limit:       s.Limit,
			Remaining:   s.Remaining,
			ResetAt:     s.ResetAt,
			HasLimits:   s.HasLimits,
			LastUpdated: s.LastUpdated,
		})
	}
	return out
}

// parseRateLimitValue extracts the numeric value from a Docker Hub rate
// limit header, e.g. "100;w=21600" → 100.
func parseRateLimitValue(val string) int {
	parts := strings.SplitN(val, ";", 2)
	n, _ := strconv.Atoi(strings.TrimSpace(parts[0]))
	return n
}

// parseRateLimitWindow extracts the window seconds, e.g. "100;w=21600" → 21600.
func parseRateLimitWindow(val string) int {
	parts := strings.SplitN(val, ";", 2)
	if len(parts) < 2 {
		return 0
	}
	kv := strings.TrimSpace(parts[1])
	if strings.HasPrefix(kv, "w=") {
		n, _ := strconv.Atoi(kv[2:])
		return n
	}
	return 0
}
