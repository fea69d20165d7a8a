package inventory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/portward/portward/internal/logging"
	"github.com/portward/portward/internal/store"
)

func testSetup(t *testing.T, handler http.Handler) (*Service, *store.Store, uint64) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	user, err := st.CreateUser("alice", "tok-alice")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	_, err = st.CreateInstance(store.Instance{
		UserID:   user.ID,
		Name:     "home",
		URL:      srv.URL,
		AuthKind: store.AuthToken,
	}, store.Credential{Secret: "api-key"})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}

	svc := NewService(st, logging.New(false, "error"), nil)
	return svc, st, user.ID
}

func fakeInstanceMux(t *testing.T) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"Id":1,"Name":"local","Type":1,"Status":1}]`))
	})
	mux.HandleFunc("/api/stacks", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"Id":7,"Name":"web","Type":2,"EndpointId":1,"Status":1}]`))
	})
	mux.HandleFunc("/api/endpoints/1/docker/containers/json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"Id":"c1","Names":["/web-app"],"Image":"nginx:1.24","ImageID":"sha256:img1","State":"running",
			 "Labels":{"com.docker.compose.project":"web"}},
			{"Id":"c2","Names":["/cache"],"Image":"redis:7","ImageID":"sha256:img2","State":"running","Labels":{}}
		]`))
	})
	mux.HandleFunc("/api/endpoints/1/docker/images/nginx:1.24/json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Id":"sha256:img1","RepoDigests":["nginx@sha256:oldold"]}`))
	})
	mux.HandleFunc("/api/endpoints/1/docker/images/redis:7/json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Id":"sha256:img2","RepoDigests":["redis@sha256:samesame"]}`))
	})
	return mux
}

func TestListContainersAnnotates(t *testing.T) {
	svc, st, userID := testSetup(t, fakeInstanceMux(t))

	// nginx has a newer digest upstream; redis matches.
	if err := st.PutLatestDescriptor(userID, store.SourceRegistry, "library/nginx:1.24", store.LatestDescriptor{
		Digest: "sha256:newnew", Tag: "1.24", ResolvedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutLatestDescriptor(userID, store.SourceRegistry, "library/redis:7", store.LatestDescriptor{
		Digest: "sha256:samesame", Tag: "7", ResolvedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	rows, err := svc.ListContainers(context.Background(), userID, false)
	if err != nil {
		t.Fatalf("ListContainers: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	byName := map[string]AnnotatedContainer{}
	for _, r := range rows {
		byName[r.Name] = r
	}

	web := byName["web-app"]
	if !web.HasUpdate {
		t.Error("web-app should have an update (digest differs)")
	}
	if web.StackName != "web" || web.StackID != 7 {
		t.Errorf("stack enrichment missing: %+v", web)
	}
	if web.Registry != "docker.io" || web.Repo != "library/nginx" || web.Tag != "1.24" {
		t.Errorf("parsed coordinates wrong: %+v", web)
	}

	if byName["cache"].HasUpdate {
		t.Error("cache digest matches upstream, should not report an update")
	}

	// The sweep input rows must have been recorded.
	img, err := st.GetDeployedImage(web.InstanceID, "nginx:1.24")
	if err != nil {
		t.Fatalf("deployed image not recorded: %v", err)
	}
	if img.CurrentDigestFull != "nginx@sha256:oldold" {
		t.Errorf("recorded digest = %q", img.CurrentDigestFull)
	}
}

func TestListContainersOnlyUpdates(t *testing.T) {
	svc, st, userID := testSetup(t, fakeInstanceMux(t))

	if err := st.PutLatestDescriptor(userID, store.SourceRegistry, "library/nginx:1.24", store.LatestDescriptor{
		Digest: "sha256:newnew", Tag: "1.24", ResolvedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	rows, err := svc.ListContainers(context.Background(), userID, true)
	if err != nil {
		t.Fatalf("ListContainers: %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "web-app" {
		t.Errorf("onlyUpdates rows = %+v", rows)
	}
}

func TestListContainersNoDescriptorMeansNoUpdate(t *testing.T) {
	svc, _, userID := testSetup(t, fakeInstanceMux(t))

	rows, err := svc.ListContainers(context.Background(), userID, false)
	if err != nil {
		t.Fatalf("ListContainers: %v", err)
	}
	for _, r := range rows {
		if r.HasUpdate {
			t.Errorf("%s reports update with no cached descriptor", r.Name)
		}
	}
}

func TestListContainersSkipsUnreachableInstance(t *testing.T) {
	mux := fakeInstanceMux(t)
	svc, st, userID := testSetup(t, mux)

	// Second instance pointing nowhere.
	if _, err := st.CreateInstance(store.Instance{
		UserID:   userID,
		Name:     "down",
		URL:      "http://127.0.0.1:1",
		AuthKind: store.AuthToken,
	}, store.Credential{Secret: "k"}); err != nil {
		t.Fatal(err)
	}

	rows, err := svc.ListContainers(context.Background(), userID, false)
	if err != nil {
		t.Fatalf("one dead instance should not fail the listing: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("got %d rows from the healthy instance, want 2", len(rows))
	}
}

func TestListUnusedImages(t *testing.T) {
	mux := fakeInstanceMux(t)
	mux.HandleFunc("/api/endpoints/1/docker/images/json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"Id":"sha256:img1","RepoTags":["nginx:1.24"],"Size":100},
			{"Id":"sha256:orphan","RepoTags":["nginx:1.20"],"Size":90}
		]`))
	})
	svc, _, userID := testSetup(t, mux)

	unused, err := svc.ListUnusedImages(context.Background(), userID)
	if err != nil {
		t.Fatalf("ListUnusedImages: %v", err)
	}
	if len(unused) != 1 {
		t.Fatalf("got %d unused images, want 1: %+v", len(unused), unused)
	}
	if unused[0].ImageID != "sha256:orphan" {
		t.Errorf("unused image = %+v", unused[0])
	}
}
