package adapthttp

import (
	"net/http"
	"time"

	"stalker/internal/app"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// SessionCookie names the cookie carrying the session ID.
const SessionCookie = "stalker_session"

// OIDCConfig enables the SSO endpoints when Enabled is set.
type OIDCConfig struct {
	Enabled      bool
	Provider     *oidc.Provider
	OAuth2Config oauth2.Config
}

// Server is the driving HTTP adapter that routes requests to the
// authentication service.
type Server struct {
	auth       *app.AuthService
	oidcConfig OIDCConfig
	log        *zap.SugaredLogger
	cookieTTL  time.Duration

	forwardAuthHeader string
}

// New creates a Server wired to the given authentication service. A nil
// logger discards output.
func New(auth *app.AuthService, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{auth: auth, log: log, cookieTTL: 24 * time.Hour}
}

// WithOIDC enables SSO login through the given provider.
func (s *Server) WithOIDC(cfg OIDCConfig) *Server {
	s.oidcConfig = cfg
	return s
}

// WithForwardAuth trusts header (e.g. "Remote-User") as the login of a
// principal already authenticated by a reverse proxy. Only enable it when the
// proxy strips the header from client requests.
func (s *Server) WithForwardAuth(header string) *Server {
	s.forwardAuthHeader = header
	return s
}

// WithCookieTTL sets the session cookie lifetime. Zero makes it a browser
// session cookie.
func (s *Server) WithCookieTTL(d time.Duration) *Server {
	s.cookieTTL = d
	return s
}

// Handler returns the root http.Handler for the application.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	api.HandleFunc("/config", s.handleConfig)

	api.HandleFunc("/login", s.handleLogin)
	api.HandleFunc("/logout", s.handleLogout)
	api.HandleFunc("/me", s.handleMe)

	api.HandleFunc("/sso/login", s.handleSSOLogin)
	api.HandleFunc("/sso/callback", s.handleSSOCallback)

	root := http.NewServeMux()
	root.Handle("/api/", http.StripPrefix("/api", s.sessionMiddleware(api)))

	return s.loggingMiddleware(withNoCache(root))
}
