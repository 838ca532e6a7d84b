package manifest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// ApplyHandler handles POST /api/v1/manifest with a YAML body.
func ApplyHandler(jobStore JobStore, specStore SpecStore, log *slog.Logger) http.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		m, rev, err := Parse(r.Body)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, ErrTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		res, err := Apply(r.Context(), m, jobStore, specStore)
		res.Revision = rev
		if err != nil {
			log.Error("manifest apply failed", "revision", rev, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "applied": res})
			return
		}
		log.Info("manifest applied", "revision", rev, "jobs", res.Jobs, "syncSpecs", res.SyncSpecs)
		writeJSON(w, http.StatusOK, res)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
