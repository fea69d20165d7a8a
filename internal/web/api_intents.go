package web

import (
	"net/http"
	"strconv"

	"github.com/portward/portward/internal/intent"
	"github.com/portward/portward/internal/store"
)

func pathID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) apiListIntents(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	intents, err := s.deps.Store.ListIntents(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if intents == nil {
		intents = []store.Intent{}
	}
	writeJSON(w, http.StatusOK, intents)
}

func (s *Server) apiCreateIntent(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var in store.Intent
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	in.UserID = user.ID
	if err := intent.Validate(in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := s.deps.Now()
	// A scheduled intent anchors at creation so the first fire is the next
	// cron point, never a replay of points before the intent existed.
	if in.ScheduleKind == store.ScheduleScheduled {
		in.LastEvaluatedAt = &now
	} else {
		in.LastEvaluatedAt = nil
	}
	in.LastExecutionID = ""

	created, err := s.deps.Store.CreateIntent(in, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) apiGetIntent(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	in, err := s.deps.Store.GetIntent(user.ID, id)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) apiUpdateIntent(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	existing, err := s.deps.Store.GetIntent(user.ID, id)
	if err != nil {
		notFoundOr500(w, err)
		return
	}

	var in store.Intent
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	in.ID = id
	in.UserID = user.ID
	if err := intent.Validate(in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Changing the schedule resets the anchor; otherwise the stored anchor
	// survives the update so the next cron point is unaffected.
	in.LastEvaluatedAt = existing.LastEvaluatedAt
	in.LastExecutionID = existing.LastExecutionID
	if in.ScheduleKind != existing.ScheduleKind || in.ScheduleCron != existing.ScheduleCron {
		if in.ScheduleKind == store.ScheduleScheduled {
			now := s.deps.Now()
			in.LastEvaluatedAt = &now
		} else {
			in.LastEvaluatedAt = nil
		}
	}

	if err := s.deps.Store.UpdateIntent(user.ID, in); err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) apiDeleteIntent(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := s.deps.Store.DeleteIntent(user.ID, id); err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) apiToggleIntent(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	in, err := s.deps.Store.GetIntent(user.ID, id)
	if err != nil {
		notFoundOr500(w, err)
		return
	}

	// An explicit enabled value in the body sets that state; without one the
	// call flips the current state.
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	wasEnabled := in.Enabled
	if req.Enabled != nil {
		in.Enabled = *req.Enabled
	} else {
		in.Enabled = !in.Enabled
	}
	// Re-enabling a scheduled intent anchors at now: downtime while disabled
	// must not replay as missed cron points.
	if !wasEnabled && in.Enabled && in.ScheduleKind == store.ScheduleScheduled {
		now := s.deps.Now()
		in.LastEvaluatedAt = &now
	}

	if err := s.deps.Store.UpdateIntent(user.ID, in); err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) apiExecuteIntent(w http.ResponseWriter, r *http.Request) {
	s.runIntent(w, r, false)
}

func (s *Server) apiDryRunIntent(w http.ResponseWriter, r *http.Request) {
	s.runIntent(w, r, true)
}

func (s *Server) runIntent(w http.ResponseWriter, r *http.Request, dryRun bool) {
	user := requestUser(r)
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	in, err := s.deps.Store.GetIntent(user.ID, id)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	if dryRun {
		in.DryRun = true
	}

	exec, err := s.deps.Intents.Execute(r.Context(), in, store.TriggerManual, s.deps.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// apiPreviewIntent reports which containers the intent's patterns select,
// without requiring a pending update and without touching anything.
func (s *Server) apiPreviewIntent(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	in, err := s.deps.Store.GetIntent(user.ID, id)
	if err != nil {
		notFoundOr500(w, err)
		return
	}

	containers, err := s.deps.Inv.ListContainers(r.Context(), user.ID, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	matched := intent.FindMatching(in, containers, false)
	withUpdates := intent.FindMatching(in, containers, true)

	writeJSON(w, http.StatusOK, map[string]any{
		"matched":     matched,
		"withUpdates": len(withUpdates),
	})
}
