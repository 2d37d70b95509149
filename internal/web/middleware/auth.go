package middleware

import (
	"log/slog"
	"net/http"
)

// SessionChecker reports whether a live authenticated session exists.
// *auth.Session satisfies it.
type SessionChecker interface {
	IsAuthenticated() bool
}

// RequireSession returns middleware that rejects requests without a live
// session. Directory-touching routes sit behind it; parsing routes do not.
func RequireSession(session SessionChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !session.IsAuthenticated() {
				slog.Warn("auth: request without live session",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_addr", r.RemoteAddr,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"not signed in","code":"AUTH003"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
