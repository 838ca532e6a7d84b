package jobs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// ListJobsHandler handles GET /api/v1/jobs
func ListJobsHandler(rec *Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, lastTick := rec.Snapshot()
		resp := map[string]any{
			"address": rec.Address(),
			"jobs":    jobs,
			"size":    len(jobs),
		}
		if !lastTick.IsZero() {
			resp["lastReconciled"] = lastTick.Format(time.RFC3339)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// GetJobHandler handles GET /api/v1/jobs/{name}
func GetJobHandler(rec *Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		jobs, _ := rec.Snapshot()
		for _, j := range jobs {
			if j.Name == name {
				writeJSON(w, http.StatusOK, j)
				return
			}
		}
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %q not found", name))
	}
}

// ReconcileHandler handles POST /api/v1/jobs/reconcile and runs one tick
// synchronously.
func ReconcileHandler(rec *Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary := rec.Tick(r.Context())
		if summary.Skipped {
			writeError(w, http.StatusConflict, "reconcile already in progress")
			return
		}
		if summary.Err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("reconcile failed: %v", summary.Err))
			return
		}
		writeJSON(w, http.StatusOK, summaryToResponse(summary))
	}
}

// RunJobHandler handles POST /api/v1/jobs/{name}:run and fires a scheduled
// job once in the background.
func RunJobHandler(rec *Reconciler, runNow func(key string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		key := JobKey(name)
		if !rec.scheduler.Exists(key) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %q is not scheduled on this node", name))
			return
		}
		go runNow(key)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "triggered",
			"job":    name,
		})
	}
}

type itemResponse struct {
	Name   string `json:"name"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

type summaryResponse struct {
	Items   []itemResponse `json:"items"`
	Removed []string       `json:"removed,omitempty"`
	Counts  map[string]int `json:"counts"`
}

func summaryToResponse(s TickSummary) summaryResponse {
	resp := summaryResponse{
		Items:   make([]itemResponse, len(s.Items)),
		Removed: s.Removed,
		Counts:  make(map[string]int),
	}
	for i, it := range s.Items {
		resp.Items[i] = itemResponse{Name: it.Name, Result: string(it.Result)}
		if it.Err != nil {
			resp.Items[i].Error = it.Err.Error()
		}
		resp.Counts[string(it.Result)]++
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
