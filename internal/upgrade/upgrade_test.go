package upgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/portward/portward/internal/clock"
	"github.com/portward/portward/internal/logging"
	"github.com/portward/portward/internal/portainer"
)

// fakeProxy simulates the parts of an instance's Docker proxy the upgrade
// flow touches, recording the operations it sees in order.
type fakeProxy struct {
	mu  sync.Mutex
	ops []string

	failPull   bool
	failStop   bool
	failCreate bool
	failStart  bool
	// exitAfterStart makes the new container report not-running on inspect.
	exitAfterStart bool

	createCount int
	startCount  int
}

func (f *fakeProxy) record(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *fakeProxy) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case strings.Contains(path, "/images/create"):
			f.record("pull")
			if f.failPull {
				http.Error(w, "pull failed", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)

		case strings.HasSuffix(path, "/json") && strings.Contains(path, "/containers/"):
			f.record("inspect")
			id := strings.TrimSuffix(path[strings.Index(path, "/containers/")+len("/containers/"):], "/json")
			running := true
			if f.exitAfterStart && strings.HasPrefix(id, "new-") {
				running = false
			}
			fmt.Fprintf(w, `{
				"Id": %q, "Name": "/web",
				"State": {"Running": %v, "Status": "exited", "ExitCode": 1},
				"Config": {"Image": "nginx:1.24", "Env": ["A=1"], "Labels": {"l": "v"}},
				"HostConfig": {"RestartPolicy": {"Name": "always"}},
				"NetworkSettings": {"Networks": {"bridge": {}}}
			}`, id, running)

		case strings.HasSuffix(path, "/stop"):
			f.record("stop")
			if f.failStop {
				http.Error(w, "stop failed", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		case strings.Contains(path, "/containers/create"):
			f.mu.Lock()
			f.createCount++
			n := f.createCount
			f.mu.Unlock()
			f.record("create")
			if f.failCreate && n == 1 {
				http.Error(w, "create failed", http.StatusInternalServerError)
				return
			}
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			json.NewEncoder(w).Encode(map[string]any{"Id": fmt.Sprintf("new-%d", n)})

		case strings.HasSuffix(path, "/start"):
			f.mu.Lock()
			f.startCount++
			n := f.startCount
			f.mu.Unlock()
			f.record("start")
			if f.failStart && n == 1 {
				http.Error(w, "start failed", http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		case r.Method == http.MethodDelete:
			f.record("remove")
			w.WriteHeader(http.StatusOK)

		default:
			http.NotFound(w, r)
		}
	}
}

func testExecutor(t *testing.T, proxy *fakeProxy) (*Executor, *portainer.Client) {
	t.Helper()
	srv := httptest.NewServer(proxy.handler())
	t.Cleanup(srv.Close)
	client := portainer.NewClient(srv.URL, portainer.Credential{Kind: portainer.AuthToken, Secret: "t"})
	exec := NewExecutor(0, 0, clock.Real{}, logging.New(false, "error"))
	return exec, client
}

func TestUpgradeOneHappyPath(t *testing.T) {
	proxy := &fakeProxy{}
	exec, client := testExecutor(t, proxy)

	res, err := exec.UpgradeOne(context.Background(), client, 1, "old-1", "nginx:1.25")
	if err != nil {
		t.Fatalf("UpgradeOne: %v", err)
	}
	if res.OldImage != "nginx:1.24" || res.NewImage != "nginx:1.25" {
		t.Errorf("result = %+v", res)
	}
	if res.NewContainerID != "new-1" {
		t.Errorf("new container id = %q", res.NewContainerID)
	}

	want := []string{"pull", "inspect", "stop", "remove", "create", "start", "inspect"}
	if len(proxy.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", proxy.ops, want)
	}
	for i := range want {
		if proxy.ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", proxy.ops, want)
		}
	}
}

func TestUpgradeOnePullFailureLeavesContainerAlone(t *testing.T) {
	proxy := &fakeProxy{failPull: true}
	exec, client := testExecutor(t, proxy)

	_, err := exec.UpgradeOne(context.Background(), client, 1, "old-1", "nginx:1.25")
	if err == nil || !strings.Contains(err.Error(), "pull") {
		t.Fatalf("error should name the pull step, got %v", err)
	}
	for _, op := range proxy.ops {
		if op == "stop" || op == "remove" {
			t.Errorf("container touched after pull failure: ops = %v", proxy.ops)
		}
	}
}

func TestUpgradeOneStopFailureNamesStep(t *testing.T) {
	proxy := &fakeProxy{failStop: true}
	exec, client := testExecutor(t, proxy)

	_, err := exec.UpgradeOne(context.Background(), client, 1, "old-1", "nginx:1.25")
	if err == nil || !strings.Contains(err.Error(), "stop") {
		t.Fatalf("error should name the stop step, got %v", err)
	}
}

func TestUpgradeOneCreateFailureRestores(t *testing.T) {
	proxy := &fakeProxy{failCreate: true}
	exec, client := testExecutor(t, proxy)

	_, err := exec.UpgradeOne(context.Background(), client, 1, "old-1", "nginx:1.25")
	if err == nil || !strings.Contains(err.Error(), "create") {
		t.Fatalf("error should name the create step, got %v", err)
	}
	// Restore path: the second create (with the old image) plus a start.
	if proxy.createCount != 2 {
		t.Errorf("createCount = %d, want 2 (failed new + restore)", proxy.createCount)
	}
	if proxy.startCount != 1 {
		t.Errorf("startCount = %d, want 1 (restored container)", proxy.startCount)
	}
}

func TestUpgradeOneStartFailureRestores(t *testing.T) {
	proxy := &fakeProxy{failStart: true}
	exec, client := testExecutor(t, proxy)

	_, err := exec.UpgradeOne(context.Background(), client, 1, "old-1", "nginx:1.25")
	if err == nil || !strings.Contains(err.Error(), "start") {
		t.Fatalf("error should name the start step, got %v", err)
	}
	if proxy.createCount != 2 {
		t.Errorf("createCount = %d, want 2 (replacement + restore)", proxy.createCount)
	}
	if proxy.startCount != 2 {
		t.Errorf("startCount = %d, want 2 (failed new + restored old)", proxy.startCount)
	}
}

func TestUpgradeOneVerifyFailureRestores(t *testing.T) {
	proxy := &fakeProxy{exitAfterStart: true}
	exec, client := testExecutor(t, proxy)

	_, err := exec.UpgradeOne(context.Background(), client, 1, "old-1", "nginx:1.25")
	if err == nil || !strings.Contains(err.Error(), "verify") {
		t.Fatalf("error should name the verify step, got %v", err)
	}
	if proxy.createCount != 2 {
		t.Errorf("createCount = %d, want 2 (exited new + restore)", proxy.createCount)
	}
}
