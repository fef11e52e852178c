package api

import (
	"net/http"
	"net/url"
)

// RequireSameOrigin rejects state-changing requests whose Origin (or
// Referer, for older browsers) does not match the request host. Requests
// without either header pass, since non-browser clients do not send them.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = r.Header.Get("Referer")
		}
		if origin != "" {
			parsed, err := url.Parse(origin)
			if err != nil || parsed.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}
