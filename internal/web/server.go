// Package web exposes the HTTP API: container inventory, intents and their
// executions, batch sweeps, instances, tracked apps, notifications and the
// SSE event stream.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portward/portward/internal/events"
	"github.com/portward/portward/internal/inventory"
	"github.com/portward/portward/internal/locks"
	"github.com/portward/portward/internal/logging"
	"github.com/portward/portward/internal/notify"
	"github.com/portward/portward/internal/portainer"
	"github.com/portward/portward/internal/store"
	"github.com/portward/portward/internal/upgrade"
)

// UserResolver maps an incoming request to its user. Errors surface as 404
// so the API never confirms whether a resource exists for someone else.
type UserResolver interface {
	Resolve(r *http.Request) (store.User, error)
}

// Inventory is the container/image view the handlers serve.
type Inventory interface {
	ListContainers(ctx context.Context, userID uint64, onlyUpdates bool) ([]inventory.AnnotatedContainer, error)
	ListUnusedImages(ctx context.Context, userID uint64) ([]inventory.UnusedImage, error)
	DeleteImages(ctx context.Context, userID, instanceID uint64, endpointID int, imageIDs []string) ([]inventory.ImageDeleteResult, error)
	ClientFor(userID, instanceID uint64) (*portainer.Client, store.Instance, error)
}

// IntentRunner starts intent executions on behalf of API calls.
type IntentRunner interface {
	Execute(ctx context.Context, in store.Intent, triggerKind string, triggerTime time.Time) (store.IntentExecution, error)
}

// SweepRunner starts batch sweeps on behalf of API calls.
type SweepRunner interface {
	Run(ctx context.Context, userID uint64, jobKind string, manual bool) (store.BatchRun, error)
}

// Upgrader replaces one container with a newer image.
type Upgrader interface {
	UpgradeOne(ctx context.Context, client *portainer.Client, endpointID int, containerID, newImageRef string) (upgrade.Result, error)
}

// NotifierReconfigurer swaps the notification chain at runtime.
type NotifierReconfigurer interface {
	Reconfigure(notifiers ...notify.Notifier)
}

// Dependencies defines what the API server needs from the rest of the
// application.
type Dependencies struct {
	Store    *store.Store
	Users    UserResolver
	Inv      Inventory
	Intents  IntentRunner
	Sweeps   SweepRunner
	Upgrader Upgrader
	Locks    *locks.Manager
	Notify   NotifierReconfigurer
	Bus      *events.Bus
	Log      *logging.Logger
	Now      func() time.Time
}

// Server is the HTTP API server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the routing handler, used directly in tests.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived; per-handler timeouts used instead.
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("api listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	u := s.withUser

	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	s.mux.Handle("GET /api/events", u(s.apiSSE))

	s.mux.Handle("GET /api/containers", u(s.apiListContainers))
	s.mux.Handle("POST /api/containers/{id}/upgrade", u(s.apiUpgradeContainer))
	s.mux.Handle("POST /api/containers/batch-upgrade", u(s.apiBatchUpgrade))
	s.mux.Handle("GET /api/images/unused", u(s.apiUnusedImages))
	s.mux.Handle("POST /api/images/delete", u(s.apiDeleteImages))

	s.mux.Handle("GET /api/intents", u(s.apiListIntents))
	s.mux.Handle("POST /api/intents", u(s.apiCreateIntent))
	s.mux.Handle("GET /api/intents/{id}", u(s.apiGetIntent))
	s.mux.Handle("PUT /api/intents/{id}", u(s.apiUpdateIntent))
	s.mux.Handle("DELETE /api/intents/{id}", u(s.apiDeleteIntent))
	s.mux.Handle("POST /api/intents/{id}/toggle", u(s.apiToggleIntent))
	s.mux.Handle("POST /api/intents/{id}/execute", u(s.apiExecuteIntent))
	s.mux.Handle("POST /api/intents/{id}/dry-run", u(s.apiDryRunIntent))
	s.mux.Handle("GET /api/intents/{id}/preview", u(s.apiPreviewIntent))
	s.mux.Handle("GET /api/intents/{id}/executions", u(s.apiListExecutions))
	s.mux.Handle("GET /api/executions/{id}", u(s.apiGetExecution))

	s.mux.Handle("GET /api/batch/runs", u(s.apiListBatchRuns))
	s.mux.Handle("GET /api/batch/runs/latest", u(s.apiLatestBatchRun))
	s.mux.Handle("POST /api/batch/trigger/{jobKind}", u(s.apiTriggerBatch))
	s.mux.Handle("GET /api/batch/configs", u(s.apiGetBatchConfigs))
	s.mux.Handle("PUT /api/batch/configs", u(s.apiPutBatchConfig))

	s.mux.Handle("GET /api/instances", u(s.apiListInstances))
	s.mux.Handle("POST /api/instances", u(s.apiCreateInstance))
	s.mux.Handle("PUT /api/instances/{id}", u(s.apiUpdateInstance))
	s.mux.Handle("DELETE /api/instances/{id}", u(s.apiDeleteInstance))
	s.mux.Handle("POST /api/instances/{id}/test", u(s.apiTestInstance))

	s.mux.Handle("GET /api/apps", u(s.apiListApps))
	s.mux.Handle("POST /api/apps", u(s.apiCreateApp))
	s.mux.Handle("PUT /api/apps/{id}", u(s.apiUpdateApp))
	s.mux.Handle("DELETE /api/apps/{id}", u(s.apiDeleteApp))

	s.mux.Handle("GET /api/notifications", u(s.apiGetNotifications))
	s.mux.Handle("PUT /api/notifications", u(s.apiPutNotifications))
	s.mux.Handle("POST /api/notifications/test", u(s.apiTestNotifications))
	s.mux.Handle("GET /api/notifications/event-types", u(s.apiNotificationEventTypes))
	s.mux.Handle("POST /api/notifications/preview-template", u(s.apiPreviewTemplate))
}

// userKey carries the resolved user through the request context.
type userKey struct{}

// withUser resolves the caller and rejects unknown tokens with 404, so the
// API shape is identical for "no such resource" and "not yours".
func (s *Server) withUser(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.deps.Users.Resolve(r)
		if err != nil {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func requestUser(r *http.Request) store.User {
	u, _ := r.Context().Value(userKey{}).(store.User)
	return u
}

// TokenResolver resolves users by the X-API-Key header against the store.
type TokenResolver struct {
	Store *store.Store
}

// Resolve implements UserResolver.
func (t TokenResolver) Resolve(r *http.Request) (store.User, error) {
	return t.Store.UserByToken(r.Header.Get("X-API-Key"))
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the uniform error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// decodeJSON reads the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// notFoundOr500 maps store lookups to the authorization-as-404 convention.
func notFoundOr500(w http.ResponseWriter, err error) {
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
