package adapthttp

import (
	"context"
	"net/http"
	"time"

	"stalker/internal/app"
	"stalker/internal/pkg/logger"

	"github.com/google/uuid"
)

type contextKey string

const authContextKey contextKey = "auth"

type requestSession struct {
	auth *app.AuthContext
	// resumable is set when the request carries a usable session cookie.
	resumable bool
}

// sessionMiddleware attaches an app.AuthContext for the request's session
// cookie. It does not touch the session store; handlers decide whether to
// open the session.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.sessionIDFromCookie(r)
		rs := &requestSession{auth: s.auth.NewContext(id), resumable: ok}
		ctx := context.WithValue(r.Context(), authContextKey, rs)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionIDFromCookie returns the session ID carried by the request. Only IDs
// this server could have issued are accepted; anything else counts as no
// cookie, so it never reaches the session store.
func (s *Server) sessionIDFromCookie(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	if s.auth.SingleSession() {
		return "", true
	}
	id, err := uuid.Parse(cookie.Value)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

func sessionFromContext(r *http.Request) *requestSession {
	rs, _ := r.Context().Value(authContextKey).(*requestSession)
	return rs
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware puts the server logger in the request context and logs
// one line per request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(logger.ToContext(r.Context(), s.log)))

		s.log.Infow("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
