package intent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/portward/portward/internal/clock"
	"github.com/portward/portward/internal/events"
	"github.com/portward/portward/internal/inventory"
	"github.com/portward/portward/internal/locks"
	"github.com/portward/portward/internal/logging"
	"github.com/portward/portward/internal/metrics"
	"github.com/portward/portward/internal/portainer"
	"github.com/portward/portward/internal/registry"
	"github.com/portward/portward/internal/store"
	"github.com/portward/portward/internal/upgrade"
)

// maxParallelStacks bounds how many stack groups upgrade concurrently.
const maxParallelStacks = 4

// Inventory is the container listing the executor works from.
type Inventory interface {
	ListContainers(ctx context.Context, userID uint64, onlyUpdates bool) ([]inventory.AnnotatedContainer, error)
	ClientFor(userID, instanceID uint64) (*portainer.Client, store.Instance, error)
}

// Upgrader replaces one container with a newer image.
type Upgrader interface {
	UpgradeOne(ctx context.Context, client *portainer.Client, endpointID int, containerID, newImageRef string) (upgrade.Result, error)
}

// Notifier delivers a human-readable notification. Implementations must not
// block the executor.
type Notifier interface {
	Send(ctx context.Context, title, body string)
}

// Executor applies an intent: finds matching containers with updates, groups
// them by stack and upgrades serially within each stack, stacks in parallel.
type Executor struct {
	store    *store.Store
	inv      Inventory
	upgrader Upgrader
	locks    *locks.Manager
	notifier Notifier
	bus      *events.Bus
	clock    clock.Clock
	log      *logging.Logger
}

// NewExecutor wires an intent executor. notifier and bus may be nil.
func NewExecutor(st *store.Store, inv Inventory, up Upgrader, lm *locks.Manager, notifier Notifier, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Executor {
	return &Executor{
		store:    st,
		inv:      inv,
		upgrader: up,
		locks:    lm,
		notifier: notifier,
		bus:      bus,
		clock:    clk,
		log:      log,
	}
}

// Execute runs one evaluation of the intent. triggerTime is the cron fire
// point for scheduled triggers; for manual and scan-detected triggers it is
// ignored and the anchor becomes the current time.
func (e *Executor) Execute(ctx context.Context, in store.Intent, triggerKind string, triggerTime time.Time) (store.IntentExecution, error) {
	start := e.clock.Now()

	anchor := start
	if triggerKind == store.TriggerScheduled {
		anchor = triggerTime
	}

	containers, err := e.inv.ListContainers(ctx, in.UserID, false)
	if err != nil {
		return store.IntentExecution{}, fmt.Errorf("list containers: %w", err)
	}
	matched := FindMatching(in, containers, true)

	exec, err := e.store.CreateExecution(store.IntentExecution{
		IntentID:          in.ID,
		UserID:            in.UserID,
		TriggerKind:       triggerKind,
		ContainersMatched: len(matched),
		StartedAt:         start,
	})
	if err != nil {
		return store.IntentExecution{}, fmt.Errorf("create execution: %w", err)
	}
	e.publish(events.SSEEvent{
		Type: events.EventExecutionStarted, UserID: in.UserID,
		Message: fmt.Sprintf("intent %q matched %d containers", in.Name, len(matched)),
	})
	e.log.Info("executing intent",
		"intent_id", in.ID, "execution_id", exec.ID,
		"trigger", triggerKind, "matched", len(matched), "dry_run", in.DryRun)

	if in.DryRun {
		e.recordDryRun(exec, matched)
		return e.finalize(in, exec, anchor, 0, 0, len(matched), "")
	}

	upgraded, failed, skipped := e.upgradeGroups(ctx, in, exec, matched)

	done, err := e.finalize(in, exec, anchor, upgraded, failed, skipped, "")
	if err != nil {
		return done, err
	}
	if e.notifier != nil && len(matched) > 0 {
		e.notifier.Send(ctx, fmt.Sprintf("Intent %q finished: %s", in.Name, done.Status),
			fmt.Sprintf("%d matched, %d upgraded, %d failed, %d skipped",
				len(matched), upgraded, failed, skipped))
	}
	return done, nil
}

// upgradeGroups partitions matched containers into stack groups and runs
// them. Containers in the same stack upgrade one at a time, in inventory
// order; distinct groups run in parallel. Standalone containers each form
// their own group.
func (e *Executor) upgradeGroups(ctx context.Context, in store.Intent, exec store.IntentExecution, matched []inventory.AnnotatedContainer) (upgraded, failed, skipped int) {
	type group struct {
		key        string
		containers []inventory.AnnotatedContainer
	}

	byKey := map[string]*group{}
	var order []*group
	for i, c := range matched {
		key := fmt.Sprintf("standalone::%d", i)
		if c.StackName != "" {
			key = fmt.Sprintf("stack::%d::%d::%s", c.InstanceID, c.EndpointID, c.StackName)
		}
		g, ok := byKey[key]
		if !ok {
			g = &group{key: key}
			byKey[key] = g
			order = append(order, g)
		}
		g.containers = append(g.containers, c)
	}

	var mu sync.Mutex
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxParallelStacks)

	for _, g := range order {
		eg.Go(func() error {
			for _, c := range g.containers {
				outcome := e.upgradeOne(ctx, in, exec, c)
				mu.Lock()
				switch outcome {
				case store.OutcomeUpgraded:
					upgraded++
				case store.OutcomeFailed:
					failed++
				default:
					skipped++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	eg.Wait()
	return upgraded, failed, skipped
}

// upgradeOne applies one container upgrade under its lock and records the
// outcome row. Returns the outcome status.
func (e *Executor) upgradeOne(ctx context.Context, in store.Intent, exec store.IntentExecution, c inventory.AnnotatedContainer) string {
	row := store.ExecutionContainer{
		ExecutionID:   exec.ID,
		ContainerID:   c.ContainerID,
		ContainerName: c.Name,
		Image:         c.Image,
		InstanceID:    c.InstanceID,
		OldDigest:     c.CurrentDigest,
	}
	owner := fmt.Sprintf("intent:%d", in.ID)
	key := locks.Key{InstanceID: c.InstanceID, ContainerID: c.ContainerID}

	if !e.locks.Acquire(key, owner) {
		holder, _ := e.locks.Inspect(key)
		row.Status = store.OutcomeSkipped
		row.ErrorMessage = "locked-by-" + holder.Owner
		e.addRow(row)
		return store.OutcomeSkipped
	}
	defer e.locks.Release(key, owner)

	started := e.clock.Now()
	client, _, err := e.inv.ClientFor(in.UserID, c.InstanceID)
	if err != nil {
		row.Status = store.OutcomeFailed
		row.ErrorMessage = err.Error()
		e.addRow(row)
		return store.OutcomeFailed
	}

	res, err := e.upgrader.UpgradeOne(ctx, client, c.EndpointID, c.ContainerID, TargetImage(c))
	row.DurationMs = e.clock.Since(started).Milliseconds()
	if err != nil {
		row.Status = store.OutcomeFailed
		row.ErrorMessage = err.Error()
		e.addRow(row)
		e.log.Warn("container upgrade failed",
			"execution_id", exec.ID, "container", c.Name, "error", err)
		return store.OutcomeFailed
	}

	row.Status = store.OutcomeUpgraded
	row.OldImage = res.OldImage
	row.NewImage = res.NewImage
	e.addRow(row)
	e.publish(events.SSEEvent{
		Type: events.EventContainerUpgraded, UserID: in.UserID,
		ContainerName: c.Name,
		Message:       fmt.Sprintf("%s -> %s", res.OldImage, res.NewImage),
	})
	return store.OutcomeUpgraded
}

// TargetImage picks the image reference to upgrade to. A concrete newer tag
// produces a retagged reference; a moving tag keeps the reference and relies
// on the pull fetching the newer digest.
func TargetImage(c inventory.AnnotatedContainer) string {
	if c.LatestVersion == "" || registry.IsMovingTag(c.Tag) {
		return c.Image
	}
	if registry.Normalize(c.LatestVersion) == registry.Normalize(c.Tag) {
		return c.Image
	}
	return registry.ReplaceTag(c.Image, c.LatestVersion)
}

func (e *Executor) recordDryRun(exec store.IntentExecution, matched []inventory.AnnotatedContainer) {
	for _, c := range matched {
		e.addRow(store.ExecutionContainer{
			ExecutionID:   exec.ID,
			ContainerID:   c.ContainerID,
			ContainerName: c.Name,
			Image:         c.Image,
			InstanceID:    c.InstanceID,
			Status:        store.OutcomeDryRun,
			OldImage:      c.Image,
			NewImage:      TargetImage(c),
		})
	}
}

// finalize closes the execution row, derives its status from the counters
// and advances the intent's evaluation anchor.
func (e *Executor) finalize(in store.Intent, exec store.IntentExecution, anchor time.Time, upgraded, failed, skipped int, errMsg string) (store.IntentExecution, error) {
	now := e.clock.Now()
	exec.ContainersUpgraded = upgraded
	exec.ContainersFailed = failed
	exec.ContainersSkipped = skipped
	exec.DurationMs = now.Sub(exec.StartedAt).Milliseconds()
	exec.CompletedAt = &now
	exec.ErrorMessage = errMsg

	switch {
	case failed == 0:
		exec.Status = store.ExecCompleted
	case upgraded == 0:
		exec.Status = store.ExecFailed
	default:
		exec.Status = store.ExecPartial
	}

	metrics.ExecutionsTotal.WithLabelValues(exec.Status).Inc()
	metrics.UpgradesTotal.WithLabelValues("upgraded").Add(float64(upgraded))
	metrics.UpgradesTotal.WithLabelValues("failed").Add(float64(failed))

	if err := e.store.UpdateExecution(exec); err != nil {
		return exec, fmt.Errorf("update execution: %w", err)
	}
	if err := e.store.SetIntentAnchor(in.ID, anchor, exec.ID); err != nil {
		return exec, fmt.Errorf("set anchor: %w", err)
	}

	e.publish(events.SSEEvent{
		Type: events.EventExecutionCompleted, UserID: in.UserID,
		Message: fmt.Sprintf("intent %q %s: %d upgraded, %d failed, %d skipped",
			in.Name, exec.Status, upgraded, failed, skipped),
	})
	return exec, nil
}

func (e *Executor) addRow(row store.ExecutionContainer) {
	if err := e.store.AddExecutionContainer(row); err != nil {
		e.log.Error("could not record execution container row",
			"execution_id", row.ExecutionID, "container", row.ContainerName, "error", err)
	}
}

func (e *Executor) publish(evt events.SSEEvent) {
	if e.bus == nil {
		return
	}
	evt.Timestamp = e.clock.Now()
	e.bus.Publish(evt)
}
