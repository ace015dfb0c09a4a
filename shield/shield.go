// Package shield is the HTTP middleware stack in front of the prerender API:
// security headers, body limits, request tracing and admin basic auth.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack() {
//	    r.Use(mw)
//	}
//	r.With(shield.BasicAuth("prerender", "admin", hash)).Delete("/api/metrics", ...)
package shield

import "net/http"

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultMaxBody bounds JSON request bodies.
const DefaultMaxBody = 64 * 1024

// APIStack returns the standard middleware for the JSON API, outermost first:
// HeadToGet, SecurityHeaders, MaxBody, TraceID.
func APIStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(DefaultMaxBody),
		TraceID,
	}
}

// HeadToGet serves HEAD through the GET routes; net/http drops the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
