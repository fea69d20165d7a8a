package web

import (
	"net/http"

	"github.com/portward/portward/internal/store"
)

// scrubApp hides the sealed forge token from API responses; hasToken tells
// the client a token is on file without revealing it.
func scrubApp(app store.TrackedApp) map[string]any {
	hasToken := app.ForgeTokenCipher != ""
	app.ForgeTokenCipher = ""
	return map[string]any{
		"id":                   app.ID,
		"name":                 app.Name,
		"source_kind":          app.SourceKind,
		"source_ref":           app.SourceRef,
		"current_version":      app.CurrentVersion,
		"current_digest":       app.CurrentDigest,
		"latest_version":       app.LatestVersion,
		"latest_digest":        app.LatestDigest,
		"current_published_at": app.CurrentPublishedAt,
		"latest_published_at":  app.LatestPublishedAt,
		"has_update":           app.HasUpdate,
		"last_checked":         app.LastChecked,
		"has_token":            hasToken,
	}
}

type appRequest struct {
	Name           string `json:"name"`
	SourceKind     string `json:"sourceKind"`
	SourceRef      string `json:"sourceRef"`
	CurrentVersion string `json:"currentVersion,omitempty"`
	CurrentDigest  string `json:"currentDigest,omitempty"`
	ForgeToken     string `json:"forgeToken,omitempty"`
}

func (req appRequest) validate() string {
	if req.Name == "" || req.SourceRef == "" {
		return "name and sourceRef are required"
	}
	switch req.SourceKind {
	case store.SourceRegistry, store.SourceGitHub, store.SourceGitea:
		return ""
	default:
		return "sourceKind must be registry, github or gitea"
	}
}

func (s *Server) apiListApps(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	apps, err := s.deps.Store.ListTrackedApps(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(apps))
	for _, app := range apps {
		out = append(out, scrubApp(app))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiCreateApp(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var req appRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	app, err := s.deps.Store.CreateTrackedApp(store.TrackedApp{
		UserID:         user.ID,
		Name:           req.Name,
		SourceKind:     req.SourceKind,
		SourceRef:      req.SourceRef,
		CurrentVersion: req.CurrentVersion,
		CurrentDigest:  req.CurrentDigest,
	}, req.ForgeToken)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, scrubApp(app))
}

func (s *Server) apiUpdateApp(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	existing, err := s.deps.Store.GetTrackedApp(user.ID, id)
	if err != nil {
		notFoundOr500(w, err)
		return
	}

	var req appRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	existing.Name = req.Name
	existing.SourceKind = req.SourceKind
	existing.SourceRef = req.SourceRef
	existing.CurrentVersion = req.CurrentVersion
	existing.CurrentDigest = req.CurrentDigest
	if req.ForgeToken != "" {
		sealed, err := s.deps.Store.SealSecret(req.ForgeToken)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		existing.ForgeTokenCipher = sealed
	}

	if err := s.deps.Store.UpdateTrackedApp(user.ID, existing); err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scrubApp(existing))
}

func (s *Server) apiDeleteApp(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := s.deps.Store.DeleteTrackedApp(user.ID, id); err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
