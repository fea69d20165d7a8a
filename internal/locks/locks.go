// Package locks provides in-process advisory locks over containers so that
// concurrent upgrade paths (manual, scheduled, scan-detected) never operate
// on the same container at once.
package locks

import (
	"sync"
	"time"

	"github.com/portward/portward/internal/clock"
	"github.com/portward/portward/internal/logging"
)

// StaleAfter is how long a held lock may sit before another acquirer may
// take it over. Upgrades finish in seconds; a lock this old belongs to a
// crashed or wedged run.
const StaleAfter = 10 * time.Minute

// Key identifies one container on one instance.
type Key struct {
	InstanceID  uint64
	ContainerID string
}

// Info describes a held lock.
type Info struct {
	Owner      string
	AcquiredAt time.Time
}

// Manager is a keyed try-lock table. Acquire never blocks.
type Manager struct {
	clock clock.Clock
	log   *logging.Logger

	mu   sync.Mutex
	held map[Key]Info
}

// NewManager creates an empty lock table.
func NewManager(clk clock.Clock, log *logging.Logger) *Manager {
	return &Manager{
		clock: clk,
		log:   log,
		held:  make(map[Key]Info),
	}
}

// Acquire attempts to take the lock for key on behalf of owner. Returns
// false without blocking when another owner holds it, unless the hold has
// gone stale, in which case the lock is taken over with a warning.
func (m *Manager) Acquire(key Key, owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if cur, ok := m.held[key]; ok {
		if now.Sub(cur.AcquiredAt) < StaleAfter {
			return false
		}
		m.log.Warn("taking over stale container lock",
			"instance_id", key.InstanceID,
			"container_id", key.ContainerID,
			"previous_owner", cur.Owner,
			"held_for", now.Sub(cur.AcquiredAt).Round(time.Second),
			"new_owner", owner)
	}

	m.held[key] = Info{Owner: owner, AcquiredAt: now}
	return true
}

// Release drops the lock if owner still holds it. Releasing a lock that was
// taken over by someone else is a no-op.
func (m *Manager) Release(key Key, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.held[key]; ok && cur.Owner == owner {
		delete(m.held, key)
	}
}

// Inspect reports whether key is locked and by whom.
func (m *Manager) Inspect(key Key) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.held[key]
	return info, ok
}
