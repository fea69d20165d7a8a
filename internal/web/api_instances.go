package web

import (
	"net/http"

	"github.com/portward/portward/internal/store"
)

// instanceView is the API shape of an instance. The sealed credential never
// leaves the store.
type instanceView struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	AuthKind string `json:"authKind"`
}

func toInstanceView(inst store.Instance) instanceView {
	return instanceView{ID: inst.ID, Name: inst.Name, URL: inst.URL, AuthKind: inst.AuthKind}
}

type instanceRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	AuthKind string `json:"authKind"`
	Username string `json:"username,omitempty"`
	Secret   string `json:"secret,omitempty"`
}

func (req instanceRequest) validate(creating bool) string {
	if req.Name == "" || req.URL == "" {
		return "name and url are required"
	}
	switch req.AuthKind {
	case store.AuthToken, store.AuthUserPass:
	case "":
		if creating {
			return "authKind is required"
		}
	default:
		return "authKind must be token or userpass"
	}
	if creating && req.Secret == "" {
		return "secret is required"
	}
	if req.AuthKind == store.AuthUserPass && req.Secret != "" && req.Username == "" {
		return "username is required for userpass"
	}
	return ""
}

func (s *Server) apiListInstances(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	instances, err := s.deps.Store.ListInstances(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]instanceView, 0, len(instances))
	for _, inst := range instances {
		out = append(out, toInstanceView(inst))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiCreateInstance(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var req instanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if msg := req.validate(true); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	inst, err := s.deps.Store.CreateInstance(store.Instance{
		UserID:   user.ID,
		Name:     req.Name,
		URL:      req.URL,
		AuthKind: req.AuthKind,
	}, store.Credential{Username: req.Username, Secret: req.Secret})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toInstanceView(inst))
}

func (s *Server) apiUpdateInstance(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	var req instanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if msg := req.validate(false); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	// An empty secret means "keep the stored credential".
	var credential *store.Credential
	if req.Secret != "" {
		credential = &store.Credential{Username: req.Username, Secret: req.Secret}
	}

	err := s.deps.Store.UpdateInstance(user.ID, store.Instance{
		ID:       id,
		Name:     req.Name,
		URL:      req.URL,
		AuthKind: req.AuthKind,
	}, credential)
	if err != nil {
		notFoundOr500(w, err)
		return
	}

	inst, err := s.deps.Store.GetInstance(user.ID, id)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceView(inst))
}

func (s *Server) apiDeleteInstance(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := s.deps.Store.DeleteInstance(user.ID, id); err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) apiTestInstance(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	client, _, err := s.deps.Inv.ClientFor(user.ID, id)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	if err := client.TestConnection(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
