// Package upgrade recreates a single container on a newer image through the
// instance's Docker proxy: pull, snapshot, stop, remove, create, start,
// verify. Failure after the old container is gone triggers a best-effort
// restore from the snapshot.
package upgrade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/portward/portward/internal/clock"
	"github.com/portward/portward/internal/logging"
	"github.com/portward/portward/internal/metrics"
	"github.com/portward/portward/internal/portainer"
)

// Result reports what an upgrade replaced.
type Result struct {
	OldImage       string `json:"oldImage"`
	NewImage       string `json:"newImage"`
	NewContainerID string `json:"newContainerId"`
}

// Executor runs container upgrades against instance clients.
type Executor struct {
	StopTimeout  time.Duration // graceful stop window before the daemon kills
	SettleWindow time.Duration // wait before the post-start running check

	clock clock.Clock
	log   *logging.Logger
}

// NewExecutor creates an Executor with the given stop and settle windows.
func NewExecutor(stopTimeout, settleWindow time.Duration, clk clock.Clock, log *logging.Logger) *Executor {
	return &Executor{
		StopTimeout:  stopTimeout,
		SettleWindow: settleWindow,
		clock:        clk,
		log:          log,
	}
}

// UpgradeOne replaces containerID on the given endpoint with a container
// running newImageRef, preserving env, labels, host config and network
// attachments. The returned error names the step that failed.
func (e *Executor) UpgradeOne(ctx context.Context, client *portainer.Client, endpointID int, containerID, newImageRef string) (Result, error) {
	began := e.clock.Now()
	defer func() {
		metrics.UpgradeDuration.Observe(e.clock.Since(began).Seconds())
	}()

	image, tag := portainer.SplitImageTag(newImageRef)

	// Pull first: a pull failure leaves the running container untouched.
	if err := client.PullImage(ctx, endpointID, image, tag); err != nil {
		return Result{}, fmt.Errorf("pull %s: %w", newImageRef, err)
	}

	snapshot, err := client.InspectContainer(ctx, endpointID, containerID)
	if err != nil {
		return Result{}, fmt.Errorf("inspect %s: %w", containerID, err)
	}
	name := strings.TrimPrefix(snapshot.Name, "/")
	oldImage := snapshot.Config.Image

	if err := client.StopContainer(ctx, endpointID, containerID, e.StopTimeout); err != nil {
		return Result{}, fmt.Errorf("stop %s: %w", name, err)
	}

	if err := client.RemoveContainer(ctx, endpointID, containerID); err != nil {
		return Result{}, fmt.Errorf("remove %s: %w", name, err)
	}

	// Past this point the old container no longer exists: any failure goes
	// through restore before returning.
	newID, err := client.CreateContainer(ctx, endpointID, name, portainer.BuildCreateBody(snapshot, newImageRef))
	if err != nil {
		e.restore(ctx, client, endpointID, name, snapshot)
		return Result{}, fmt.Errorf("create %s: %w", name, err)
	}

	if err := client.StartContainer(ctx, endpointID, newID); err != nil {
		e.restoreFrom(ctx, client, endpointID, name, newID, snapshot)
		return Result{}, fmt.Errorf("start %s: %w", name, err)
	}

	if err := e.verifyRunning(ctx, client, endpointID, newID); err != nil {
		e.restoreFrom(ctx, client, endpointID, name, newID, snapshot)
		return Result{}, fmt.Errorf("verify %s: %w", name, err)
	}

	return Result{OldImage: oldImage, NewImage: newImageRef, NewContainerID: newID}, nil
}

// verifyRunning waits out the settle window and checks the container is
// still up. A container that starts and immediately exits fails here.
func (e *Executor) verifyRunning(ctx context.Context, client *portainer.Client, endpointID int, containerID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(e.SettleWindow):
	}

	insp, err := client.InspectContainer(ctx, endpointID, containerID)
	if err != nil {
		return err
	}
	if !insp.State.Running {
		return fmt.Errorf("container exited after start (status %q, exit code %d)",
			insp.State.Status, insp.State.ExitCode)
	}
	return nil
}

// restoreFrom removes the half-created replacement, then recreates the
// container from the snapshot on its original image.
func (e *Executor) restoreFrom(ctx context.Context, client *portainer.Client, endpointID int, name, replacementID string, snapshot *portainer.InspectResponse) {
	if err := client.RemoveContainer(ctx, endpointID, replacementID); err != nil {
		e.log.Warn("restore: could not remove failed replacement",
			"container", name, "replacement_id", replacementID, "error", err)
	}
	e.restore(ctx, client, endpointID, name, snapshot)
}

// restore recreates and starts the original container from its snapshot.
// Best effort: failures are logged, never returned, so the upgrade error
// the caller sees names the step that actually broke the upgrade.
func (e *Executor) restore(ctx context.Context, client *portainer.Client, endpointID int, name string, snapshot *portainer.InspectResponse) {
	oldID, err := client.CreateContainer(ctx, endpointID, name, portainer.BuildCreateBody(snapshot, snapshot.Config.Image))
	if err != nil {
		e.log.Error("restore failed: could not recreate original container",
			"container", name, "image", snapshot.Config.Image, "error", err)
		return
	}
	if err := client.StartContainer(ctx, endpointID, oldID); err != nil {
		e.log.Error("restore failed: recreated container would not start",
			"container", name, "image", snapshot.Config.Image, "error", err)
		return
	}
	e.log.Info("restored original container after failed upgrade",
		"container", name, "image", snapshot.Config.Image)
}
