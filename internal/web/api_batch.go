package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/portward/portward/internal/store"
)

func (s *Server) apiListBatchRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	runs, err := s.deps.Store.ListBatchRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []store.BatchRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) apiLatestBatchRun(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("byJobType") == "true" {
		out := map[string]*store.BatchRun{}
		for _, kind := range []string{store.JobRegistrySweep, store.JobTrackedAppSweep} {
			run, err := s.deps.Store.LatestBatchRun(kind)
			if err == store.ErrNotFound {
				out[kind] = nil
				continue
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			out[kind] = &run
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	run, err := s.deps.Store.LatestBatchRun("")
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) apiTriggerBatch(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	jobKind := r.PathValue("jobKind")
	if jobKind != store.JobRegistrySweep && jobKind != store.JobTrackedAppSweep {
		writeError(w, http.StatusBadRequest, "unknown job kind")
		return
	}

	run, err := s.deps.Sweeps.Run(r.Context(), user.ID, jobKind, true)
	if errors.Is(err, store.ErrRunInProgress) {
		// The store rejects the second run atomically; no pre-check here
		// could close that window.
		writeError(w, http.StatusConflict, "a "+jobKind+" run is already in progress")
		return
	}
	// On other failures the run record carries the detail; surface it.
	writeJSON(w, http.StatusOK, run)
}

type batchConfigView struct {
	JobKind         string `json:"jobKind"`
	Enabled         bool   `json:"enabled"`
	IntervalMinutes int    `json:"intervalMinutes"`
	LogLevel        string `json:"logLevel,omitempty"`
}

func (s *Server) apiGetBatchConfigs(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	out := []batchConfigView{}
	for _, kind := range []string{store.JobRegistrySweep, store.JobTrackedAppSweep} {
		cfg, found, err := s.deps.Store.GetBatchConfig(user.ID, kind)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		view := batchConfigView{JobKind: kind, Enabled: true}
		if found {
			view.Enabled = cfg.Enabled
			view.IntervalMinutes = cfg.IntervalMinutes
			view.LogLevel = cfg.LogLevel
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiPutBatchConfig(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	var req batchConfigView
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.JobKind != store.JobRegistrySweep && req.JobKind != store.JobTrackedAppSweep {
		writeError(w, http.StatusBadRequest, "unknown job kind")
		return
	}
	if req.IntervalMinutes < 0 {
		writeError(w, http.StatusBadRequest, "intervalMinutes must be >= 0")
		return
	}

	if err := s.deps.Store.PutBatchConfig(store.BatchJobConfig{
		UserID:          user.ID,
		JobKind:         req.JobKind,
		Enabled:         req.Enabled,
		IntervalMinutes: req.IntervalMinutes,
		LogLevel:        req.LogLevel,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}
