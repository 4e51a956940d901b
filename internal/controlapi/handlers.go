package controlapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleStatus serves GET /v1/status: the current Run State Snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orchestrator.Snapshot())
}

// handleListTasks serves GET /v1/tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.orchestrator.Tasks()})
}

// handleGetTask serves GET /v1/tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.orchestrator.Task(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleListWorkers serves GET /v1/workers.
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": s.orchestrator.Workers()})
}

// handleRunStart serves POST /v1/run/start: kicks off the Orchestrator's
// main loop if it isn't already running.
func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	started := s.startRun()
	if !started {
		writeError(w, http.StatusConflict, "run already in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleRunStop serves POST /v1/run/stop: requests a graceful shutdown
// of the in-progress run.
func (s *Server) handleRunStop(w http.ResponseWriter, r *http.Request) {
	s.orchestrator.Stop()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}
