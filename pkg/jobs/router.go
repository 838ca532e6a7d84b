package jobs

import (
	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for the job schedule API. runNow fires a
// scheduled key once; it is normally the cron scheduler's RunNow.
func Router(rec *Reconciler, runNow func(key string) bool) chi.Router {
	r := chi.NewRouter()

	r.Get("/", ListJobsHandler(rec))
	r.Post("/reconcile", ReconcileHandler(rec))
	r.Get("/{name}", GetJobHandler(rec))
	if runNow != nil {
		r.Post("/{name}:run", RunJobHandler(rec, runNow))
	}

	return r
}
