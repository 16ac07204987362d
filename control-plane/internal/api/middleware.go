package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey int

const daemonIDKey contextKey = iota

// DaemonAuthConfig controls daemon authentication behavior.
type DaemonAuthConfig struct {
	// Enabled controls whether authentication is enforced.
	// When false, credentials are checked but not required (grace period mode).
	Enabled bool

	// Logger for authentication events.
	Logger *slog.Logger
}

// DaemonAuthMiddleware validates the X-Daemon-ID header and Bearer API key.
// The authenticated daemon id is available to handlers through daemonID.
func (s *Server) DaemonAuthMiddleware(config DaemonAuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Daemon-ID")
			authHeader := r.Header.Get("Authorization")

			reject := func(reason string) {
				if config.Enabled {
					config.Logger.Warn("daemon auth failed: "+reason,
						"path", r.URL.Path,
						"daemon_id", id,
					)
					writeError(w, http.StatusUnauthorized, "unauthorized: "+reason)
					return
				}
				config.Logger.Debug("daemon auth: "+reason+" (grace period)",
					"path", r.URL.Path,
					"daemon_id", id,
				)
				next.ServeHTTP(w, withDaemonID(r, id))
			}

			if id == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				reject("missing credentials")
				return
			}

			ok, err := s.svc.AuthenticateDaemon(r.Context(), id, strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				config.Logger.Error("daemon auth failed: database error",
					"daemon_id", id,
					"error", err,
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}
			if !ok {
				reject("invalid API key")
				return
			}

			config.Logger.Debug("daemon auth successful",
				"daemon_id", id,
				"path", r.URL.Path,
			)
			next.ServeHTTP(w, withDaemonID(r, id))
		})
	}
}

func withDaemonID(r *http.Request, id string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), daemonIDKey, id))
}

// daemonID returns the daemon id the auth middleware attached to the request.
func daemonID(r *http.Request) string {
	id, _ := r.Context().Value(daemonIDKey).(string)
	return id
}

// wrapHandler converts an http.HandlerFunc to use middleware.
func wrapHandler(h http.HandlerFunc, middleware func(http.Handler) http.Handler) http.HandlerFunc {
	return middleware(h).ServeHTTP
}
