package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/portward/portward/internal/clock"
	"github.com/portward/portward/internal/logging"
	"github.com/portward/portward/internal/store"
)

// schedulerTick is how often the scheduler re-evaluates job due times.
const schedulerTick = 30 * time.Second

// jobState memoizes the computed next run per (user, job kind) so the
// reported time does not drift between evaluations with unchanged inputs.
type jobState struct {
	lastAnchor    time.Time
	lastInterval  time.Duration
	cachedNextRun time.Time
	running       bool
}

// Scheduler owns the recurring execution of both sweep kinds for every user.
// Manual triggers bypass it entirely and never move the recurring anchor.
type Scheduler struct {
	store        *store.Store
	runner       *Runner
	clock        clock.Clock
	log          *logging.Logger
	tick         time.Duration
	initialDelay time.Duration
	defaultEvery time.Duration
	bootedAt     time.Time

	mu    sync.Mutex
	state map[string]*jobState
	wg    sync.WaitGroup
}

// NewScheduler creates a Scheduler. initialDelay is applied to jobs that have
// never run; defaultEvery applies when a user has no stored job config.
func NewScheduler(st *store.Store, runner *Runner, clk clock.Clock, log *logging.Logger, initialDelay, defaultEvery time.Duration) *Scheduler {
	return &Scheduler{
		store:        st,
		runner:       runner,
		clock:        clk,
		log:          log,
		tick:         schedulerTick,
		initialDelay: initialDelay,
		defaultEvery: defaultEvery,
		state:        make(map[string]*jobState),
	}
}

// Run evaluates job due times at a fixed tick until ctx is cancelled,
// waiting for in-flight sweeps before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.bootedAt = s.clock.Now()
	s.log.Info("batch scheduler started", "tick", s.tick, "initial_delay", s.initialDelay)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info("batch scheduler stopped")
			return nil
		case <-s.clock.After(s.tick):
			s.EvaluateOnce(ctx)
		}
	}
}

// EvaluateOnce checks every (user, job kind) pair and starts sweeps that are
// due. Split out of Run for tests.
func (s *Scheduler) EvaluateOnce(ctx context.Context) {
	users, err := s.store.ListUsers()
	if err != nil {
		s.log.Error("listing users for batch schedule failed", "error", err)
		return
	}

	now := s.clock.Now()
	for _, u := range users {
		for _, kind := range []string{store.JobRegistrySweep, store.JobTrackedAppSweep} {
			if due := s.jobDue(u.ID, kind, now); due {
				s.launch(ctx, u.ID, kind)
			}
		}
	}
}

// jobDue reports whether the job should start now, refreshing the memoized
// next-run time when its inputs changed.
func (s *Scheduler) jobDue(userID uint64, kind string, now time.Time) bool {
	cfg, found, err := s.store.GetBatchConfig(userID, kind)
	if err != nil {
		s.log.Warn("reading batch config failed", "user_id", userID, "job_kind", kind, "error", err)
		return false
	}
	interval := s.defaultEvery
	enabled := true
	if found {
		enabled = cfg.Enabled
		if cfg.IntervalMinutes > 0 {
			interval = time.Duration(cfg.IntervalMinutes) * time.Minute
		}
	}
	if !enabled {
		return false
	}

	last, err := s.store.LatestBatchRun(kind)
	hasLast := err == nil
	if err != nil && err != store.ErrNotFound {
		s.log.Warn("reading last batch run failed", "job_kind", kind, "error", err)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := stateKey(userID, kind)
	st, ok := s.state[key]
	if !ok {
		st = &jobState{}
		s.state[key] = st
	}
	if st.running {
		return false
	}

	anchor := runAnchor(last, hasLast, s.bootedAt)
	if !anchor.Equal(st.lastAnchor) || interval != st.lastInterval {
		st.lastAnchor = anchor
		st.lastInterval = interval
		st.cachedNextRun = NextRun(last, hasLast, interval, s.bootedAt, s.initialDelay)
	}

	if now.Before(st.cachedNextRun) {
		return false
	}
	st.running = true
	return true
}

// launch runs one sweep in the background and clears the running flag when
// it finishes.
func (s *Scheduler) launch(ctx context.Context, userID uint64, kind string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.state[stateKey(userID, kind)].running = false
			s.mu.Unlock()
		}()
		if _, err := s.runner.Run(ctx, userID, kind, false); err != nil {
			if errors.Is(err, store.ErrRunInProgress) {
				// Another user's sweep of this kind got there first; the
				// job stays due and retries on a later tick.
				s.log.Debug("sweep already running, skipped", "user_id", userID, "job_kind", kind)
				return
			}
			s.log.Warn("scheduled sweep failed", "user_id", userID, "job_kind", kind, "error", err)
		}
	}()
}

// NextRun computes when a job should run next:
// last completed run + interval when one exists, last started run + interval
// while one is in flight, and boot time + initialDelay when the job has
// never run.
func NextRun(last store.BatchRun, hasLast bool, interval time.Duration, bootedAt time.Time, initialDelay time.Duration) time.Time {
	if !hasLast {
		return bootedAt.Add(initialDelay)
	}
	if last.CompletedAt != nil {
		return last.CompletedAt.Add(interval)
	}
	return last.StartedAt.Add(interval)
}

// runAnchor is the timestamp NextRun is keyed off; when it changes, the
// memoized next-run time must be recomputed.
func runAnchor(last store.BatchRun, hasLast bool, bootedAt time.Time) time.Time {
	if !hasLast {
		return bootedAt
	}
	if last.CompletedAt != nil {
		return *last.CompletedAt
	}
	return last.StartedAt
}

func stateKey(userID uint64, kind string) string {
	return fmt.Sprintf("%d::%s", userID, kind)
}
