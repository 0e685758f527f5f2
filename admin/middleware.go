package admin

import (
	"context"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/storelogic/telegate/kit"
	"github.com/storelogic/telegate/settings"
)

// requestID tags every request with a generated ID, injects it into the
// context for handlers and the audit trail, and echoes it in the response.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := s.newID()
		ctx := kit.WithRequestID(r.Context(), id)
		ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
		w.Header().Set("X-Request-ID", id)
		s.logger.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// securityHeaders sets the response headers for a JSON-only API that no
// browser should ever script against.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}

// maxBody caps request bodies on mutating methods. Reads carry no body here.
func maxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// basicAuth guards the API with HTTP basic auth. The only account is
// "admin"; the password is checked against the bcrypt hash stored in
// settings, read fresh on every request so a rotation takes effect
// immediately. No stored hash means no access.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || !s.checkPassword(r.Context(), pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="telegate admin"`)
			writeJSON(w, 401, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(kit.WithActor(r.Context(), user)))
	})
}

func (s *Server) checkPassword(ctx context.Context, password string) bool {
	hash, ok, err := s.settings.Get(ctx, settings.KeyAdminPasswordHash)
	if err != nil || !ok || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
