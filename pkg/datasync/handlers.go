package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// API bundles what the sync admin handlers need.
type API struct {
	Specs   *SpecStore
	Windows *WindowStore
	Planner *Planner
	Engine  *Engine
	Logger  *slog.Logger
}

type specResponse struct {
	SyncSpec
	Windows        int64 `json:"windows"`
	PendingWindows int64 `json:"pendingWindows"`
}

// ListSpecsHandler handles GET /api/v1/sync/specs
func ListSpecsHandler(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		specs, err := api.Specs.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		items := make([]specResponse, 0, len(specs))
		for _, s := range specs {
			total, pending, err := api.Windows.Counts(r.Context(), s.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			items = append(items, specResponse{SyncSpec: s, Windows: total, PendingWindows: pending})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items":       items,
			"size":        len(items),
			"sourceTypes": SourceTypes(),
		})
	}
}

// GetSpecHandler handles GET /api/v1/sync/specs/{id}
func GetSpecHandler(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec, ok := loadSpec(w, r, api)
		if !ok {
			return
		}
		total, pending, err := api.Windows.Counts(r.Context(), spec.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, specResponse{SyncSpec: *spec, Windows: total, PendingWindows: pending})
	}
}

// ListWindowsHandler handles GET /api/v1/sync/specs/{id}/windows
// Query: completed=true|false, limit (default 100, max 1000).
func ListWindowsHandler(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec, ok := loadSpec(w, r, api)
		if !ok {
			return
		}
		filter := WindowFilter{SpecID: spec.ID}
		if v := r.URL.Query().Get("completed"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid completed value %q", v))
				return
			}
			filter.Completed = &b
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
				return
			}
			filter.Limit = n
		}

		windows, err := api.Windows.List(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		type item struct {
			Window
			SpendTime string `json:"spendTime"`
		}
		items := make([]item, len(windows))
		for i := range windows {
			items[i] = item{Window: windows[i], SpendTime: windows[i].SpendTime()}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "size": len(items)})
	}
}

// BackfillHandler handles POST /api/v1/sync/backfill and runs one planning
// pass synchronously.
func BackfillHandler(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := api.Planner.Run(r.Context())
		if summary.Skipped {
			writeError(w, http.StatusConflict, "backfill already in progress")
			return
		}
		resp := map[string]any{
			"specs":   summary.Specs,
			"windows": summary.Windows,
			"perSpec": summary.PerSpec,
		}
		if err != nil {
			resp["error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// PlanSpecHandler handles POST /api/v1/sync/specs/{id}:plan
func PlanSpecHandler(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := specID(w, r)
		if !ok {
			return
		}
		n, err := api.Planner.PlanSpec(r.Context(), id)
		if errors.Is(err, ErrSpecNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"specId": id, "windows": n})
	}
}

// RunSpecHandler handles POST /api/v1/sync/specs/{id}:run and starts one
// engine run in the background. A run already in progress answers 409; a
// race with a scheduled fire is resolved by the engine, which skips the
// second run.
func RunSpecHandler(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec, ok := loadSpec(w, r, api)
		if !ok {
			return
		}
		if api.Engine.Running(spec.ID) {
			writeError(w, http.StatusConflict, fmt.Sprintf("sync run for spec %d already in progress", spec.ID))
			return
		}
		log := api.Logger
		if log == nil {
			log = slog.Default()
		}
		ctx := context.WithoutCancel(r.Context())
		go func() {
			if err := api.Engine.Run(ctx, spec.ID); err != nil {
				log.Error("manual sync run failed", "specId", spec.ID, "error", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "triggered", "specId": spec.ID})
	}
}

func specID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid spec id %q", raw))
		return 0, false
	}
	return uint(id), true
}

func loadSpec(w http.ResponseWriter, r *http.Request, api *API) (*SyncSpec, bool) {
	id, ok := specID(w, r)
	if !ok {
		return nil, false
	}
	spec, err := api.Specs.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if spec == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("sync spec %d not found", id))
		return nil, false
	}
	return spec, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
