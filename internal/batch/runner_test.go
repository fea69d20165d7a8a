package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/portward/portward/internal/clock"
	"github.com/portward/portward/internal/inventory"
	"github.com/portward/portward/internal/logging"
	"github.com/portward/portward/internal/notify"
	"github.com/portward/portward/internal/registry"
	"github.com/portward/portward/internal/store"
)

type fakeInventory struct {
	containers []inventory.AnnotatedContainer
	err        error

	// When entered is set, ListContainers signals on it and then blocks
	// until release is closed, letting tests hold a sweep in flight.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeInventory) ListContainers(_ context.Context, _ uint64, _ bool) ([]inventory.AnnotatedContainer, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	return f.containers, f.err
}

// fakeResolver serves canned answers per "repo:tag" key. rateLimitAt makes
// the Nth ResolveLatest call fail with ErrRateLimited (1-based).
type fakeResolver struct {
	latest      map[string]*registry.Latest
	releases    map[string]*registry.Release
	calls       int
	rateLimitAt int
}

func (f *fakeResolver) ResolveLatest(_ context.Context, spec registry.LookupSpec) (*registry.Latest, error) {
	f.calls++
	if f.rateLimitAt > 0 && f.calls >= f.rateLimitAt {
		return nil, fmt.Errorf("docker.io resets in 3h: %w", registry.ErrRateLimited)
	}
	return f.latest[spec.Repo+":"+spec.Tag], nil
}

func (f *fakeResolver) ResolveForgeLatest(_ context.Context, _, ref, _ string) (*registry.Release, error) {
	return f.releases[ref], nil
}

type fakeNotifier struct {
	events []notify.Event
}

func (f *fakeNotifier) Enqueue(event notify.Event) {
	f.events = append(f.events, event)
}

type fakeTrigger struct {
	fired []store.Intent
	kinds []string
}

func (f *fakeTrigger) Execute(_ context.Context, in store.Intent, kind string, _ time.Time) (store.IntentExecution, error) {
	f.fired = append(f.fired, in)
	f.kinds = append(f.kinds, kind)
	return store.IntentExecution{}, nil
}

func testRunnerSetup(t *testing.T, containers []inventory.AnnotatedContainer) (*Runner, *store.Store, *fakeResolver, *fakeNotifier, *clock.Fake) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := logging.New(false, "error")
	res := &fakeResolver{latest: map[string]*registry.Latest{}, releases: map[string]*registry.Release{}}
	noti := &fakeNotifier{}
	r := NewRunner(st, &fakeInventory{containers: containers}, res, noti, nil, nil, clk, log)
	return r, st, res, noti, clk
}

func annotated(name, registryHost, repo, tag, digest string) inventory.AnnotatedContainer {
	return inventory.AnnotatedContainer{
		InstanceID:    1,
		EndpointID:    1,
		ContainerID:   "cid-" + name,
		Name:          name,
		Image:         repo + ":" + tag,
		Registry:      registryHost,
		Repo:          repo,
		Tag:           tag,
		CurrentDigest: digest,
	}
}

func TestRegistrySweepRefreshesDescriptors(t *testing.T) {
	containers := []inventory.AnnotatedContainer{
		annotated("web", "docker.io", "library/nginx", "1.25", "sha256:old"),
		annotated("web-2", "docker.io", "library/nginx", "1.25", "sha256:old"), // same coordinate
		annotated("cache", "docker.io", "library/redis", "7", "sha256:same"),
	}
	r, st, res, noti, _ := testRunnerSetup(t, containers)
	res.latest["library/nginx:1.25"] = &registry.Latest{Digest: "sha256:new", Tag: "1.25"}
	res.latest["library/redis:7"] = &registry.Latest{Digest: "sha256:same", Tag: "7"}

	run, err := r.RunRegistrySweep(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("RunRegistrySweep() error = %v", err)
	}
	if run.Status != store.RunCompleted {
		t.Errorf("status = %q, want completed", run.Status)
	}
	// Two distinct coordinates, not three containers.
	if run.ContainersChecked != 2 {
		t.Errorf("checked = %d, want 2", run.ContainersChecked)
	}
	if run.ContainersUpdated != 1 {
		t.Errorf("updated = %d, want 1", run.ContainersUpdated)
	}

	desc, err := st.GetLatestDescriptor(1, store.SourceRegistry, "library/nginx:1.25")
	if err != nil {
		t.Fatalf("GetLatestDescriptor() error = %v", err)
	}
	if desc.Digest != "sha256:new" {
		t.Errorf("descriptor digest = %q, want sha256:new", desc.Digest)
	}

	if len(noti.events) != 1 {
		t.Fatalf("got %d notifications, want 1", len(noti.events))
	}
	if noti.events[0].Type != notify.EventUpdateAvailable {
		t.Errorf("notification type = %q", noti.events[0].Type)
	}
}

func TestRegistrySweepNotifiesOnlyOnTransition(t *testing.T) {
	containers := []inventory.AnnotatedContainer{
		annotated("web", "docker.io", "library/nginx", "1.25", "sha256:old"),
	}
	r, _, res, noti, _ := testRunnerSetup(t, containers)
	res.latest["library/nginx:1.25"] = &registry.Latest{Digest: "sha256:new", Tag: "1.25"}

	if _, err := r.RunRegistrySweep(context.Background(), 1, false); err != nil {
		t.Fatalf("first sweep error = %v", err)
	}
	if _, err := r.RunRegistrySweep(context.Background(), 1, false); err != nil {
		t.Fatalf("second sweep error = %v", err)
	}

	// Second sweep sees the same still-pending update: no repeat notification.
	if len(noti.events) != 1 {
		t.Fatalf("got %d notifications across two sweeps, want 1", len(noti.events))
	}
}

func TestRegistrySweepRenotifiesAfterUpgrade(t *testing.T) {
	containers := []inventory.AnnotatedContainer{
		annotated("web", "docker.io", "library/nginx", "1.25", "sha256:old"),
	}
	r, _, res, noti, _ := testRunnerSetup(t, containers)
	res.latest["library/nginx:1.25"] = &registry.Latest{Digest: "sha256:new", Tag: "1.25"}

	if _, err := r.RunRegistrySweep(context.Background(), 1, false); err != nil {
		t.Fatal(err)
	}

	// The container was upgraded: current digest now matches upstream.
	r.inv = &fakeInventory{containers: []inventory.AnnotatedContainer{
		annotated("web", "docker.io", "library/nginx", "1.25", "sha256:new"),
	}}
	if _, err := r.RunRegistrySweep(context.Background(), 1, false); err != nil {
		t.Fatal(err)
	}

	// A newer image appears upstream: this is a fresh false->true transition.
	res.latest["library/nginx:1.25"] = &registry.Latest{Digest: "sha256:newer", Tag: "1.25"}
	if _, err := r.RunRegistrySweep(context.Background(), 1, false); err != nil {
		t.Fatal(err)
	}

	if len(noti.events) != 2 {
		t.Fatalf("got %d notifications, want 2 (one per transition)", len(noti.events))
	}
}

func TestRegistrySweepHaltsOnRateLimit(t *testing.T) {
	var containers []inventory.AnnotatedContainer
	for i := 0; i < 10; i++ {
		repo := fmt.Sprintf("library/app%d", i)
		containers = append(containers, annotated(fmt.Sprintf("app%d", i), "docker.io", repo, "1.0", "sha256:old"))
	}
	r, st, res, _, _ := testRunnerSetup(t, containers)
	for i := 0; i < 10; i++ {
		repo := fmt.Sprintf("library/app%d", i)
		res.latest[repo+":1.0"] = &registry.Latest{Digest: "sha256:new", Tag: "1.0"}
	}
	res.rateLimitAt = 7 // seventh lookup hits the limit

	run, err := r.RunRegistrySweep(context.Background(), 1, false)
	if !errors.Is(err, registry.ErrRateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited", err)
	}
	if run.Status != store.RunFailed {
		t.Errorf("status = %q, want failed", run.Status)
	}
	if !strings.Contains(run.ErrorMessage, "resets in") {
		t.Errorf("error message = %q, want rate-limit description", run.ErrorMessage)
	}
	if run.ContainersChecked != 6 {
		t.Errorf("checked = %d, want 6 (targets before the limit)", run.ContainersChecked)
	}

	// Targets before the limit have descriptors; targets after do not.
	if _, err := st.GetLatestDescriptor(1, store.SourceRegistry, "library/app0:1.0"); err != nil {
		t.Errorf("descriptor for early target missing: %v", err)
	}
	if _, err := st.GetLatestDescriptor(1, store.SourceRegistry, "library/app8:1.0"); err != store.ErrNotFound {
		t.Errorf("descriptor for late target should be untouched, got err = %v", err)
	}
}

func TestRegistrySweepFiresImmediateIntents(t *testing.T) {
	containers := []inventory.AnnotatedContainer{
		annotated("web", "docker.io", "library/nginx", "1.25", "sha256:old"),
	}
	r, st, res, _, clk := testRunnerSetup(t, containers)
	res.latest["library/nginx:1.25"] = &registry.Latest{Digest: "sha256:new", Tag: "1.25"}
	trig := &fakeTrigger{}
	r.trigger = trig

	immediate, err := st.CreateIntent(store.Intent{
		UserID:          1,
		Name:            "auto web",
		Enabled:         true,
		ScheduleKind:    store.ScheduleImmediate,
		MatchContainers: []string{"web"},
	}, clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateIntent(store.Intent{
		UserID:          1,
		Name:            "nightly",
		Enabled:         true,
		ScheduleKind:    store.ScheduleScheduled,
		ScheduleCron:    "0 3 * * *",
		MatchContainers: []string{"*"},
	}, clk.Now()); err != nil {
		t.Fatal(err)
	}

	if _, err := r.RunRegistrySweep(context.Background(), 1, false); err != nil {
		t.Fatal(err)
	}

	if len(trig.fired) != 1 {
		t.Fatalf("got %d triggered intents, want 1 (immediate only)", len(trig.fired))
	}
	if trig.fired[0].ID != immediate.ID {
		t.Errorf("triggered intent = %d, want %d", trig.fired[0].ID, immediate.ID)
	}
	if trig.kinds[0] != store.TriggerScanDetected {
		t.Errorf("trigger kind = %q, want scan_detected", trig.kinds[0])
	}
}

func TestTrackedAppSweepUpdatesRows(t *testing.T) {
	r, st, res, noti, _ := testRunnerSetup(t, nil)

	app, err := st.CreateTrackedApp(store.TrackedApp{
		UserID:         1,
		Name:           "gitea",
		SourceKind:     store.SourceGitHub,
		SourceRef:      "go-gitea/gitea",
		CurrentVersion: "1.21.0",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	published := time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC)
	res.releases["go-gitea/gitea"] = &registry.Release{Tag: "v1.22.0", PublishedAt: &published}

	run, err := r.RunTrackedAppSweep(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("RunTrackedAppSweep() error = %v", err)
	}
	if run.Status != store.RunCompleted {
		t.Errorf("status = %q, want completed", run.Status)
	}
	if run.ContainersChecked != 1 || run.ContainersUpdated != 1 {
		t.Errorf("counters = %d/%d, want 1/1", run.ContainersChecked, run.ContainersUpdated)
	}

	got, err := st.GetTrackedApp(1, app.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LatestVersion != "v1.22.0" {
		t.Errorf("latest version = %q, want v1.22.0", got.LatestVersion)
	}
	if !got.HasUpdate {
		t.Error("HasUpdate = false, want true (1.21.0 vs v1.22.0)")
	}
	if got.LastChecked == nil {
		t.Error("LastChecked not set")
	}
	if got.LatestPublishedAt == nil || !got.LatestPublishedAt.Equal(published) {
		t.Errorf("LatestPublishedAt = %v, want %v", got.LatestPublishedAt, published)
	}

	if len(noti.events) != 1 {
		t.Fatalf("got %d notifications, want 1", len(noti.events))
	}
}

func TestTrackedAppSweepSuppressesRepeatNotifications(t *testing.T) {
	r, st, res, noti, _ := testRunnerSetup(t, nil)

	if _, err := st.CreateTrackedApp(store.TrackedApp{
		UserID:         1,
		Name:           "gitea",
		SourceKind:     store.SourceGitHub,
		SourceRef:      "go-gitea/gitea",
		CurrentVersion: "1.21.0",
	}, ""); err != nil {
		t.Fatal(err)
	}
	res.releases["go-gitea/gitea"] = &registry.Release{Tag: "v1.22.0"}

	if _, err := r.RunTrackedAppSweep(context.Background(), 1, false); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RunTrackedAppSweep(context.Background(), 1, false); err != nil {
		t.Fatal(err)
	}

	if len(noti.events) != 1 {
		t.Fatalf("got %d notifications across two sweeps, want 1", len(noti.events))
	}
}

func TestTrackedAppSweepRegistrySource(t *testing.T) {
	r, st, res, _, _ := testRunnerSetup(t, nil)

	app, err := st.CreateTrackedApp(store.TrackedApp{
		UserID:        1,
		Name:          "nginx",
		SourceKind:    store.SourceRegistry,
		SourceRef:     "nginx:1.25",
		CurrentDigest: "sha256:old",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	res.latest["library/nginx:1.25"] = &registry.Latest{Digest: "sha256:new", Tag: "1.25", ResolvedTag: "1.25.3"}

	if _, err := r.RunTrackedAppSweep(context.Background(), 1, false); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetTrackedApp(1, app.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LatestDigest != "sha256:new" {
		t.Errorf("latest digest = %q, want sha256:new", got.LatestDigest)
	}
	if got.LatestVersion != "1.25.3" {
		t.Errorf("latest version = %q, want resolved tag 1.25.3", got.LatestVersion)
	}
	if !got.HasUpdate {
		t.Error("HasUpdate = false, want true (digest mismatch)")
	}
}

func TestManualRunRecordsFlag(t *testing.T) {
	r, st, _, _, _ := testRunnerSetup(t, nil)

	run, err := r.Run(context.Background(), 1, store.JobRegistrySweep, true)
	if err != nil {
		t.Fatal(err)
	}
	if !run.IsManual {
		t.Error("IsManual = false, want true")
	}

	latest, err := st.LatestBatchRun(store.JobRegistrySweep)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != run.ID {
		t.Errorf("latest run = %q, want %q", latest.ID, run.ID)
	}
}

func TestSweepCapturesLogs(t *testing.T) {
	containers := []inventory.AnnotatedContainer{
		annotated("web", "docker.io", "library/nginx", "1.25", "sha256:old"),
	}
	r, _, res, _, _ := testRunnerSetup(t, containers)
	res.latest["library/nginx:1.25"] = &registry.Latest{Digest: "sha256:new", Tag: "1.25"}

	run, err := r.RunRegistrySweep(context.Background(), 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(run.Logs, "update detected for nginx:1.25") {
		t.Errorf("logs missing detection line:\n%s", run.Logs)
	}
	if !strings.Contains(run.Logs, "sweeping 1 image coordinates") {
		t.Errorf("logs missing summary line:\n%s", run.Logs)
	}
}
