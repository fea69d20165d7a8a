package intent

import (
	"context"
	"sync"
	"time"

	"github.com/portward/portward/internal/clock"
	"github.com/portward/portward/internal/logging"
	"github.com/portward/portward/internal/store"
)

// Evaluator wakes every tick, finds scheduled intents whose cron fired since
// their anchor, and launches executions. Multiple missed fire points coalesce
// into one execution at the most recent point.
type Evaluator struct {
	store *store.Store
	exec  *Executor
	clock clock.Clock
	log   *logging.Logger
	tick  time.Duration

	mu      sync.Mutex
	running map[uint64]bool
	wg      sync.WaitGroup
}

// NewEvaluator creates a cron evaluator ticking at the given interval
// (normally one minute, matching cron's granularity).
func NewEvaluator(st *store.Store, exec *Executor, clk clock.Clock, log *logging.Logger, tick time.Duration) *Evaluator {
	return &Evaluator{
		store:   st,
		exec:    exec,
		clock:   clk,
		log:     log,
		tick:    tick,
		running: make(map[uint64]bool),
	}
}

// Run ticks until the context is cancelled, then waits for in-flight
// executions to finish.
func (e *Evaluator) Run(ctx context.Context) {
	e.log.Info("cron evaluator started", "tick", e.tick)
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return
		case <-e.clock.After(e.tick):
			e.EvaluateOnce(ctx, e.clock.Now())
		}
	}
}

// EvaluateOnce checks every enabled scheduled intent against now and fires
// due ones asynchronously.
func (e *Evaluator) EvaluateOnce(ctx context.Context, now time.Time) {
	intents, err := e.store.ListScheduledIntents()
	if err != nil {
		e.log.Error("could not list scheduled intents", "error", err)
		return
	}

	for _, in := range intents {
		fire, ok := e.duePoint(in, now)
		if !ok {
			continue
		}
		if !e.markRunning(in.ID) {
			e.log.Debug("previous execution still running, skipping tick", "intent_id", in.ID)
			continue
		}

		e.wg.Add(1)
		go func(in store.Intent, fire time.Time) {
			defer e.wg.Done()
			defer e.clearRunning(in.ID)
			if _, err := e.exec.Execute(ctx, in, store.TriggerScheduled, fire); err != nil {
				e.log.Error("scheduled execution failed", "intent_id", in.ID, "error", err)
			}
		}(in, fire)
	}
}

// duePoint returns the most recent cron fire point in (anchor, now], or
// false when the intent is not due. Fire points between the anchor and the
// latest one are deliberately dropped: catching up a long gap with one run
// is always enough, since every run evaluates current state.
func (e *Evaluator) duePoint(in store.Intent, now time.Time) (time.Time, bool) {
	sched, err := ParseSchedule(in.ScheduleCron)
	if err != nil {
		e.log.Warn("intent has invalid cron expression", "intent_id", in.ID, "cron", in.ScheduleCron)
		return time.Time{}, false
	}

	anchor := in.CreatedAt
	if in.LastEvaluatedAt != nil {
		anchor = *in.LastEvaluatedAt
	}

	var fire time.Time
	for t := sched.Next(anchor); !t.After(now); t = sched.Next(t) {
		fire = t
	}
	if fire.IsZero() {
		return time.Time{}, false
	}
	return fire, true
}

func (e *Evaluator) markRunning(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[id] {
		return false
	}
	e.running[id] = true
	return true
}

func (e *Evaluator) clearRunning(id uint64) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}
