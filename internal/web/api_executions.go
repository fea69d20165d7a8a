package web

import (
	"net/http"
	"strconv"

	"github.com/portward/portward/internal/store"
)

func (s *Server) apiListExecutions(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if _, err := s.deps.Store.GetIntent(user.ID, id); err != nil {
		notFoundOr500(w, err)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	execs, err := s.deps.Store.ListExecutions(user.ID, id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if execs == nil {
		execs = []store.IntentExecution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) apiGetExecution(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	id := r.PathValue("id")

	exec, err := s.deps.Store.GetExecution(user.ID, id)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	rows, err := s.deps.Store.ListExecutionContainers(exec.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []store.ExecutionContainer{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"execution":  exec,
		"containers": rows,
	})
}
