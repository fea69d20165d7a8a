// Package batch runs the periodic sweeps that refresh the deployed-versus-
// upstream comparison: registry-sweep for images in use on instances,
// tracked-app-sweep for user-followed upstream sources.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/portward/portward/internal/clock"
	"github.com/portward/portward/internal/events"
	"github.com/portward/portward/internal/inventory"
	"github.com/portward/portward/internal/logging"
	"github.com/portward/portward/internal/metrics"
	"github.com/portward/portward/internal/notify"
	"github.com/portward/portward/internal/registry"
	"github.com/portward/portward/internal/store"
)

// Inventory lists the containers whose images the registry sweep refreshes.
type Inventory interface {
	ListContainers(ctx context.Context, userID uint64, onlyUpdates bool) ([]inventory.AnnotatedContainer, error)
}

// Resolver answers "what is the newest upstream artifact" for a target.
type Resolver interface {
	ResolveLatest(ctx context.Context, spec registry.LookupSpec) (*registry.Latest, error)
	ResolveForgeLatest(ctx context.Context, kind, ref, token string) (*registry.Release, error)
}

// Notifier accepts events for asynchronous delivery.
type Notifier interface {
	Enqueue(event notify.Event)
}

// IntentTrigger starts an intent execution. Used to fire immediate intents
// when a sweep detects new updates.
type IntentTrigger interface {
	Execute(ctx context.Context, in store.Intent, triggerKind string, triggerTime time.Time) (store.IntentExecution, error)
}

// Runner executes one sweep at a time per call. Scheduling lives in
// Scheduler; the web layer calls Run* directly for manual triggers.
type Runner struct {
	store    *store.Store
	inv      Inventory
	resolver Resolver
	notifier Notifier
	trigger  IntentTrigger
	bus      *events.Bus
	clock    clock.Clock
	log      *logging.Logger
}

// NewRunner creates a Runner. notifier and trigger may be nil.
func NewRunner(st *store.Store, inv Inventory, res Resolver, notifier Notifier, trigger IntentTrigger, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Runner {
	return &Runner{
		store:    st,
		inv:      inv,
		resolver: res,
		notifier: notifier,
		trigger:  trigger,
		bus:      bus,
		clock:    clk,
		log:      log,
	}
}

// Run dispatches to the sweep implementation for jobKind.
func (r *Runner) Run(ctx context.Context, userID uint64, jobKind string, manual bool) (store.BatchRun, error) {
	switch jobKind {
	case store.JobRegistrySweep:
		return r.RunRegistrySweep(ctx, userID, manual)
	case store.JobTrackedAppSweep:
		return r.RunTrackedAppSweep(ctx, userID, manual)
	default:
		return store.BatchRun{}, fmt.Errorf("unknown job kind %q", jobKind)
	}
}

// RunRegistrySweep refreshes the latest descriptor for every distinct image
// coordinate deployed on the user's instances. A rate-limit error from the
// resolver halts the run as failed; remaining targets are left untouched.
func (r *Runner) RunRegistrySweep(ctx context.Context, userID uint64, manual bool) (store.BatchRun, error) {
	cfg, _, _ := r.store.GetBatchConfig(userID, store.JobRegistrySweep)
	buf := newLogBuffer(r.clock, cfg.LogLevel)

	run, err := r.store.CreateBatchRun(store.BatchRun{
		JobKind:   store.JobRegistrySweep,
		StartedAt: r.clock.Now(),
		IsManual:  manual,
	})
	if err != nil {
		return store.BatchRun{}, fmt.Errorf("create batch run: %w", err)
	}
	r.publish(events.EventSweepStarted, userID, "registry sweep started")
	r.log.Info("registry sweep started", "user_id", userID, "run_id", run.ID, "manual", manual)

	containers, err := r.inv.ListContainers(ctx, userID, false)
	if err != nil {
		buf.Errorf("inventory listing failed: %v", err)
		return r.finalize(run, userID, store.RunFailed, fmt.Sprintf("list containers: %v", err), 0, 0, buf), err
	}

	// One lookup per distinct coordinate; the first container seen supplies
	// the current digest for transition detection.
	type target struct {
		coord registry.ImageCoord
		rep   inventory.AnnotatedContainer
	}
	seen := map[string]bool{}
	var targets []target
	for _, c := range containers {
		coord := registry.ImageCoord{Registry: c.Registry, Repo: c.Repo, Tag: c.Tag}
		key := coord.Ref()
		if seen[key] {
			continue
		}
		seen[key] = true
		targets = append(targets, target{coord: coord, rep: c})
	}
	buf.Infof("sweeping %d image coordinates across %d containers", len(targets), len(containers))

	checked, newly := 0, 0
	for _, t := range targets {
		latest, err := r.resolver.ResolveLatest(ctx, registry.LookupSpec{
			Registry: t.coord.Registry,
			Repo:     t.coord.Repo,
			Tag:      t.coord.Tag,
		})
		if err != nil {
			if errors.Is(err, registry.ErrRateLimited) {
				buf.Errorf("rate limited at %s: %v", t.coord.Ref(), err)
				metrics.RateLimitHalts.Inc()
				return r.finalize(run, userID, store.RunFailed, err.Error(), checked, newly, buf), err
			}
			buf.Errorf("resolve %s: %v", t.coord.Ref(), err)
			metrics.RegistryErrors.WithLabelValues(t.coord.Registry).Inc()
			continue
		}
		checked++
		if latest == nil {
			buf.Debugf("no descriptor for %s", t.coord.Ref())
			continue
		}

		descRef := t.coord.Repo + ":" + t.coord.Tag
		desc := store.LatestDescriptor{
			Digest:      latest.Digest,
			Tag:         latest.Tag,
			ResolvedTag: latest.ResolvedTag,
			PublishedAt: latest.PublishedAt,
			ResolvedAt:  r.clock.Now(),
		}
		if err := r.store.PutLatestDescriptor(userID, store.SourceRegistry, descRef, desc); err != nil {
			buf.Errorf("persist descriptor for %s: %v", descRef, err)
			continue
		}

		has := registry.HasUpdate(t.rep.CurrentDigest, t.rep.Tag, latest)
		if r.markTransition(userID, notifyKey(userID, store.SourceRegistry, descRef), has, notify.Event{
			Type:          notify.EventUpdateAvailable,
			ContainerName: t.rep.Name,
			OldImage:      t.rep.Image,
			NewImage:      registry.ReplaceTag(t.rep.Image, latest.Version()),
			OldDigest:     t.rep.CurrentDigest,
			NewDigest:     latest.Digest,
			Timestamp:     r.clock.Now(),
		}) {
			newly++
			buf.Infof("update detected for %s (latest %s)", t.coord.Ref(), latest.Version())
		} else {
			buf.Debugf("checked %s, up to date or already known", t.coord.Ref())
		}
	}

	out := r.finalize(run, userID, store.RunCompleted, "", checked, newly, buf)
	if newly > 0 {
		r.fireScanDetected(ctx, userID)
	}
	return out, nil
}

// RunTrackedAppSweep refreshes every tracked app of the user from its
// upstream source and rewrites the app row.
func (r *Runner) RunTrackedAppSweep(ctx context.Context, userID uint64, manual bool) (store.BatchRun, error) {
	cfg, _, _ := r.store.GetBatchConfig(userID, store.JobTrackedAppSweep)
	buf := newLogBuffer(r.clock, cfg.LogLevel)

	run, err := r.store.CreateBatchRun(store.BatchRun{
		JobKind:   store.JobTrackedAppSweep,
		StartedAt: r.clock.Now(),
		IsManual:  manual,
	})
	if err != nil {
		return store.BatchRun{}, fmt.Errorf("create batch run: %w", err)
	}
	r.publish(events.EventSweepStarted, userID, "tracked app sweep started")
	r.log.Info("tracked app sweep started", "user_id", userID, "run_id", run.ID, "manual", manual)

	apps, err := r.store.ListTrackedApps(userID)
	if err != nil {
		buf.Errorf("list tracked apps failed: %v", err)
		return r.finalize(run, userID, store.RunFailed, fmt.Sprintf("list tracked apps: %v", err), 0, 0, buf), err
	}
	buf.Infof("sweeping %d tracked apps", len(apps))

	checked, newly := 0, 0
	for _, app := range apps {
		latest, err := r.resolveApp(ctx, app)
		if err != nil {
			if errors.Is(err, registry.ErrRateLimited) {
				buf.Errorf("rate limited at %s: %v", app.SourceRef, err)
				metrics.RateLimitHalts.Inc()
				return r.finalize(run, userID, store.RunFailed, err.Error(), checked, newly, buf), err
			}
			buf.Errorf("resolve %s (%s): %v", app.SourceRef, app.SourceKind, err)
			continue
		}
		checked++
		if latest == nil {
			buf.Debugf("no upstream artifact for %s", app.SourceRef)
			continue
		}

		desc := store.LatestDescriptor{
			Digest:      latest.Digest,
			Tag:         latest.Tag,
			ResolvedTag: latest.ResolvedTag,
			PublishedAt: latest.PublishedAt,
			ResolvedAt:  r.clock.Now(),
		}
		if err := r.store.PutLatestDescriptor(userID, app.SourceKind, app.SourceRef, desc); err != nil {
			buf.Errorf("persist descriptor for %s: %v", app.SourceRef, err)
		}

		wasKnown := app.HasUpdate
		has := registry.HasUpdate(app.CurrentDigest, app.CurrentVersion, latest)
		now := r.clock.Now()
		app.LatestVersion = latest.Version()
		app.LatestDigest = latest.Digest
		app.LatestPublishedAt = latest.PublishedAt
		app.HasUpdate = has
		app.LastChecked = &now
		if err := r.store.UpdateTrackedApp(userID, app); err != nil {
			buf.Errorf("persist tracked app %s: %v", app.Name, err)
			continue
		}

		if has && !wasKnown {
			newly++
			buf.Infof("update detected for %s: %s -> %s", app.Name, app.CurrentVersion, latest.Version())
			r.publish(events.EventUpdateDetected, userID, fmt.Sprintf("%s has an update", app.Name))
			if r.notifier != nil {
				r.notifier.Enqueue(notify.Event{
					Type:          notify.EventUpdateAvailable,
					ContainerName: app.Name,
					Summary:       fmt.Sprintf("%s: %s -> %s", app.Name, app.CurrentVersion, latest.Version()),
					Timestamp:     now,
				})
			}
		} else {
			buf.Debugf("checked %s, up to date or already known", app.Name)
		}
	}

	return r.finalize(run, userID, store.RunCompleted, "", checked, newly, buf), nil
}

// resolveApp picks the resolution path for a tracked app's source kind.
func (r *Runner) resolveApp(ctx context.Context, app store.TrackedApp) (*registry.Latest, error) {
	switch app.SourceKind {
	case store.SourceRegistry:
		coord := registry.ParseImage(app.SourceRef)
		return r.resolver.ResolveLatest(ctx, registry.LookupSpec{
			Registry: coord.Registry,
			Repo:     coord.Repo,
			Tag:      coord.Tag,
		})
	case store.SourceGitHub, store.SourceGitea:
		token, err := r.store.ForgeTokenFor(app)
		if err != nil {
			return nil, fmt.Errorf("open forge token: %w", err)
		}
		rel, err := r.resolver.ResolveForgeLatest(ctx, app.SourceKind, app.SourceRef, token)
		if err != nil || rel == nil {
			return nil, err
		}
		return &registry.Latest{Tag: rel.Tag, PublishedAt: rel.PublishedAt}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", app.SourceKind)
	}
}

// markTransition persists notify state for a target and reports whether this
// sweep is the first to see hasUpdate=true. Repeats are suppressed until the
// target goes back to up-to-date.
func (r *Runner) markTransition(userID uint64, key string, has bool, event notify.Event) bool {
	prev, err := r.store.GetNotifyState(key)
	if err != nil {
		r.log.Warn("notify state read failed", "key", key, "error", err)
	}
	wasKnown := prev != nil && prev.HasUpdate

	state := store.NotifyState{HasUpdate: has}
	if has {
		if wasKnown {
			state.FirstSeen = prev.FirstSeen
		} else {
			state.FirstSeen = r.clock.Now()
		}
	}
	if err := r.store.SetNotifyState(key, state); err != nil {
		r.log.Warn("notify state write failed", "key", key, "error", err)
	}

	if !has || wasKnown {
		return false
	}
	r.publish(events.EventUpdateDetected, userID, fmt.Sprintf("%s has an update", event.ContainerName))
	if r.notifier != nil {
		r.notifier.Enqueue(event)
	}
	return true
}

// fireScanDetected starts the user's enabled immediate intents after a sweep
// found new updates. Executions run to completion before the next one starts
// so lock contention between them stays low.
func (r *Runner) fireScanDetected(ctx context.Context, userID uint64) {
	if r.trigger == nil {
		return
	}
	intents, err := r.store.ListIntents(userID)
	if err != nil {
		r.log.Warn("listing intents for scan trigger failed", "user_id", userID, "error", err)
		return
	}
	for _, in := range intents {
		if !in.Enabled || in.ScheduleKind != store.ScheduleImmediate {
			continue
		}
		if _, err := r.trigger.Execute(ctx, in, store.TriggerScanDetected, r.clock.Now()); err != nil {
			r.log.Warn("scan-detected execution failed", "intent_id", in.ID, "error", err)
		}
	}
}

func (r *Runner) finalize(run store.BatchRun, userID uint64, status, errMsg string, checked, updated int, buf *logBuffer) store.BatchRun {
	now := r.clock.Now()
	run.Status = status
	run.CompletedAt = &now
	run.DurationMs = now.Sub(run.StartedAt).Milliseconds()
	run.ContainersChecked = checked
	run.ContainersUpdated = updated
	run.ErrorMessage = errMsg
	run.Logs = buf.String()

	metrics.SweepsTotal.WithLabelValues(run.JobKind, status).Inc()
	metrics.SweepDuration.WithLabelValues(run.JobKind).Observe(now.Sub(run.StartedAt).Seconds())

	if err := r.store.UpdateBatchRun(run); err != nil {
		r.log.Error("batch run update failed", "run_id", run.ID, "error", err)
	}

	r.publish(events.EventSweepCompleted, userID,
		fmt.Sprintf("%s %s: %d checked, %d updates", run.JobKind, status, checked, updated))
	r.log.Info("sweep finished",
		"run_id", run.ID,
		"job_kind", run.JobKind,
		"status", status,
		"checked", checked,
		"updated", updated,
		"duration_ms", run.DurationMs,
	)
	return run
}

func (r *Runner) publish(t events.EventType, userID uint64, msg string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.SSEEvent{
		Type:      t,
		UserID:    userID,
		Message:   msg,
		Timestamp: r.clock.Now(),
	})
}

func notifyKey(userID uint64, source, ref string) string {
	return fmt.Sprintf("%d::%s::%s", userID, source, ref)
}
