package audit

import (
	"net/http"
	"strings"
)

// action describes what an admin request did.
type action struct {
	Resource   string
	ResourceID string
	Verb       string
}

// classify maps an admin API path to the resource and verb it acts on.
// Paths are relative to wherever the middleware is mounted, so only the
// tail segments are inspected:
//
//	.../manifest                 manifest apply
//	.../jobs/reconcile           jobs reconcile
//	.../jobs/{name}:run          jobs run
//	.../sync/backfill            sync backfill
//	.../sync/specs/{id}:plan     specs plan
//	.../sync/specs/{id}:run      specs run
func classify(method, path string) action {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	n := len(parts)
	last := parts[n-1]

	name, verb, hasVerb := strings.Cut(last, ":")
	if hasVerb && n >= 2 {
		return action{Resource: parts[n-2], ResourceID: name, Verb: verb}
	}

	switch last {
	case "manifest":
		return action{Resource: "manifest", Verb: "apply"}
	case "reconcile", "backfill":
		resource := "jobs"
		if n >= 2 {
			resource = parts[n-2]
		}
		return action{Resource: resource, Verb: last}
	}

	resource := last
	if n >= 2 {
		resource = parts[n-2]
	}
	return action{Resource: resource, ResourceID: last, Verb: verbForMethod(method)}
}

func verbForMethod(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut:
		return "update"
	case http.MethodPatch:
		return "patch"
	case http.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

// audited reports whether a request should produce an event. Only
// mutating methods are recorded; probes never are.
func audited(method, path string) bool {
	switch path {
	case "/livez", "/readyz", "/healthz":
		return false
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// outcomeFromStatus maps HTTP status codes to audit outcomes.
func outcomeFromStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSuccess
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return OutcomeDenied
	default:
		return OutcomeFailure
	}
}

// actorFrom returns the authenticated user set by a fronting proxy, or
// "anonymous".
func actorFrom(r *http.Request) string {
	for _, h := range []string{"X-Remote-User", "X-Forwarded-User"} {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	return "anonymous"
}
