package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// responseCapture wraps http.ResponseWriter to capture the status code.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Middleware records an Event for every mutating request that passes
// through it. A nil store or disabled cfg makes it a pass-through.
func Middleware(store *Store, cfg *Config, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		if store == nil || cfg == nil || !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !audited(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			outcome := outcomeFromStatus(capture.statusCode)
			if outcome == OutcomeDenied && !cfg.LogDenied {
				return
			}

			ctx := r.Context()
			requestID := middleware.GetReqID(ctx)
			act := classify(r.Method, r.URL.Path)

			meta := map[string]any{"remoteAddr": r.RemoteAddr}
			if cid := r.Header.Get("X-Correlation-ID"); cid != "" {
				meta["correlationId"] = cid
			}
			if r.URL.RawQuery != "" {
				meta["query"] = r.URL.RawQuery
			}
			rawMeta, _ := json.Marshal(meta)

			event := &Event{
				ID:             uuid.NewString(),
				RequestID:      requestID,
				Actor:          actorFrom(r),
				Resource:       act.Resource,
				ResourceID:     act.ResourceID,
				Action:         act.Verb,
				Method:         r.Method,
				Path:           r.URL.Path,
				Outcome:        outcome,
				StatusCode:     capture.statusCode,
				DurationMillis: time.Since(start).Milliseconds(),
				Metadata:       rawMeta,
				CreatedAt:      start.UTC(),
			}

			// Best-effort write: the action already happened.
			if err := store.Append(context.WithoutCancel(ctx), event); err != nil {
				logger.Error("failed to write audit event", "error", err, "requestId", requestID)
			}
		})
	}
}
