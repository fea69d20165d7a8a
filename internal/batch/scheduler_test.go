package batch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/portward/portward/internal/clock"
	"github.com/portward/portward/internal/logging"
	"github.com/portward/portward/internal/registry"
	"github.com/portward/portward/internal/store"
)

func testSchedulerSetup(t *testing.T) (*Scheduler, *store.Store, *clock.Fake) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if _, err := st.CreateUser("admin", "tok"); err != nil {
		t.Fatal(err)
	}

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := logging.New(false, "error")
	res := &fakeResolver{latest: map[string]*registry.Latest{}, releases: map[string]*registry.Release{}}
	runner := NewRunner(st, &fakeInventory{}, res, nil, nil, nil, clk, log)
	sched := NewScheduler(st, runner, clk, log, 15*time.Second, 6*time.Hour)
	sched.bootedAt = clk.Now()
	return sched, st, clk
}

func runCount(t *testing.T, st *store.Store, kind string) int {
	t.Helper()
	runs, err := st.ListBatchRuns(100)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, r := range runs {
		if r.JobKind == kind {
			n++
		}
	}
	return n
}

func TestSchedulerWaitsForInitialDelay(t *testing.T) {
	sched, st, clk := testSchedulerSetup(t)
	ctx := context.Background()

	// Before the boot delay elapses nothing runs.
	sched.EvaluateOnce(ctx)
	sched.wg.Wait()
	if n := runCount(t, st, store.JobRegistrySweep); n != 0 {
		t.Fatalf("got %d runs before initial delay, want 0", n)
	}

	clk.Advance(20 * time.Second)
	sched.EvaluateOnce(ctx)
	sched.wg.Wait()
	if n := runCount(t, st, store.JobRegistrySweep); n != 1 {
		t.Fatalf("got %d registry sweep runs after delay, want 1", n)
	}
	if n := runCount(t, st, store.JobTrackedAppSweep); n != 1 {
		t.Fatalf("got %d tracked app sweep runs after delay, want 1", n)
	}
}

func TestSchedulerRespectsInterval(t *testing.T) {
	sched, st, clk := testSchedulerSetup(t)
	ctx := context.Background()

	clk.Advance(20 * time.Second)
	sched.EvaluateOnce(ctx)
	sched.wg.Wait()
	if n := runCount(t, st, store.JobRegistrySweep); n != 1 {
		t.Fatalf("got %d runs, want 1", n)
	}

	// One hour later: well inside the six hour default interval.
	clk.Advance(time.Hour)
	sched.EvaluateOnce(ctx)
	sched.wg.Wait()
	if n := runCount(t, st, store.JobRegistrySweep); n != 1 {
		t.Fatalf("got %d runs inside the interval, want 1", n)
	}

	clk.Advance(6 * time.Hour)
	sched.EvaluateOnce(ctx)
	sched.wg.Wait()
	if n := runCount(t, st, store.JobRegistrySweep); n != 2 {
		t.Fatalf("got %d runs after the interval elapsed, want 2", n)
	}
}

func TestSchedulerHonoursUserConfig(t *testing.T) {
	sched, st, clk := testSchedulerSetup(t)
	ctx := context.Background()

	if err := st.PutBatchConfig(store.BatchJobConfig{
		UserID: 1, JobKind: store.JobRegistrySweep, Enabled: false,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutBatchConfig(store.BatchJobConfig{
		UserID: 1, JobKind: store.JobTrackedAppSweep, Enabled: true, IntervalMinutes: 30,
	}); err != nil {
		t.Fatal(err)
	}

	clk.Advance(20 * time.Second)
	sched.EvaluateOnce(ctx)
	sched.wg.Wait()

	if n := runCount(t, st, store.JobRegistrySweep); n != 0 {
		t.Fatalf("disabled job ran %d times, want 0", n)
	}
	if n := runCount(t, st, store.JobTrackedAppSweep); n != 1 {
		t.Fatalf("enabled job ran %d times, want 1", n)
	}

	// The 30 minute custom interval applies, not the 6 hour default.
	clk.Advance(31 * time.Minute)
	sched.EvaluateOnce(ctx)
	sched.wg.Wait()
	if n := runCount(t, st, store.JobTrackedAppSweep); n != 2 {
		t.Fatalf("got %d runs after custom interval, want 2", n)
	}
}

func TestSchedulerSingleRunPerKindAcrossUsers(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if _, err := st.CreateUser("admin", "tok"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateUser("bob", "tok-bob"); err != nil {
		t.Fatal(err)
	}
	// Keep the tracked-app jobs out of the way.
	for _, uid := range []uint64{1, 2} {
		if err := st.PutBatchConfig(store.BatchJobConfig{
			UserID: uid, JobKind: store.JobTrackedAppSweep, Enabled: false,
		}); err != nil {
			t.Fatal(err)
		}
	}

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := logging.New(false, "error")
	res := &fakeResolver{latest: map[string]*registry.Latest{}, releases: map[string]*registry.Release{}}
	inv := &fakeInventory{entered: make(chan struct{}, 1), release: make(chan struct{})}
	sched := NewScheduler(st, NewRunner(st, inv, res, nil, nil, nil, clk, log), clk, log, 15*time.Second, 6*time.Hour)
	sched.bootedAt = clk.Now()

	// Both users' registry sweeps come due at the same tick; the store
	// admits exactly one running row per kind, so the loser writes nothing.
	clk.Advance(20 * time.Second)
	sched.EvaluateOnce(context.Background())
	<-inv.entered

	if n := runCount(t, st, store.JobRegistrySweep); n != 1 {
		t.Fatalf("got %d registry sweep rows while one is in flight, want 1", n)
	}
	if _, running, err := st.RunningBatchRun(store.JobRegistrySweep); err != nil || !running {
		t.Fatalf("RunningBatchRun() running=%v err=%v, want an in-flight run", running, err)
	}

	close(inv.release)
	sched.wg.Wait()

	if n := runCount(t, st, store.JobRegistrySweep); n != 1 {
		t.Fatalf("got %d registry sweep rows after completion, want 1", n)
	}
	last, err := st.LatestBatchRun(store.JobRegistrySweep)
	if err != nil {
		t.Fatal(err)
	}
	if last.Status != store.RunCompleted {
		t.Errorf("run status = %q, want %q", last.Status, store.RunCompleted)
	}
}

func TestNextRun(t *testing.T) {
	boot := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	started := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	completed := started.Add(2 * time.Minute)
	interval := time.Hour

	tests := []struct {
		name    string
		last    store.BatchRun
		hasLast bool
		want    time.Time
	}{
		{
			name: "never ran: boot plus initial delay",
			want: boot.Add(15 * time.Second),
		},
		{
			name:    "completed run anchors on completion",
			last:    store.BatchRun{StartedAt: started, CompletedAt: &completed},
			hasLast: true,
			want:    completed.Add(interval),
		},
		{
			name:    "in-flight run anchors on start",
			last:    store.BatchRun{StartedAt: started},
			hasLast: true,
			want:    started.Add(interval),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextRun(tt.last, tt.hasLast, interval, boot, 15*time.Second)
			if !got.Equal(tt.want) {
				t.Errorf("NextRun() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextRunCacheStableAcrossPolls(t *testing.T) {
	sched, st, clk := testSchedulerSetup(t)
	ctx := context.Background()

	clk.Advance(20 * time.Second)
	sched.EvaluateOnce(ctx)
	sched.wg.Wait()
	if n := runCount(t, st, store.JobRegistrySweep); n != 1 {
		t.Fatalf("got %d runs, want 1", n)
	}

	key := stateKey(1, store.JobRegistrySweep)
	sched.EvaluateOnce(ctx)
	sched.wg.Wait()
	first := sched.state[key].cachedNextRun

	// Repeated evaluations with unchanged inputs keep the same next-run time.
	clk.Advance(time.Minute)
	sched.EvaluateOnce(ctx)
	sched.wg.Wait()
	if got := sched.state[key].cachedNextRun; !got.Equal(first) {
		t.Errorf("cached next run drifted: %v -> %v", first, got)
	}
}
