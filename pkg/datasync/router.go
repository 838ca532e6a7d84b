package datasync

import (
	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for the sync admin API.
func Router(api *API) chi.Router {
	r := chi.NewRouter()

	r.Post("/backfill", BackfillHandler(api))
	r.Route("/specs", func(r chi.Router) {
		r.Get("/", ListSpecsHandler(api))
		r.Get("/{id}", GetSpecHandler(api))
		r.Get("/{id}/windows", ListWindowsHandler(api))
		r.Post("/{id}:plan", PlanSpecHandler(api))
		if api.Engine != nil {
			r.Post("/{id}:run", RunSpecHandler(api))
		}
	})

	return r
}
