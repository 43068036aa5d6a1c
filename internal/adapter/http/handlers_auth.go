// Package adapthttp implements the HTTP adapter for the application.
package adapthttp

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"

	"stalker/internal/app"
	"stalker/internal/domain"
	"stalker/internal/pkg/logger"

	"github.com/coreos/go-oidc/v3/oidc"
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrInvalidCredentials),
		errors.Is(err, domain.ErrSessionTampered),
		errors.Is(err, domain.ErrInvalidSessionID):
		return http.StatusUnauthorized
	case errors.Is(err, app.ErrPrecondition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotConnected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as JSON. Server-side failures are logged and their detail
// is not sent to the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Errorw("request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, errors.New(http.StatusText(status)))
		return
	}
	writeError(w, status, err)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(s.cookieTTL.Seconds()),
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Login  string `json:"login"`
		Secret string `json:"secret"`
	}
	if err := parseJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	p, err := s.auth.Authenticate(r.Context(), req.Login, req.Secret)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	// a fresh session ID on every login, so a planted cookie is never promoted
	c := s.auth.NewContext("")
	if err := c.Login(r.Context(), p); err != nil {
		s.fail(w, r, err)
		return
	}

	s.setSessionCookie(w, r, c.SessionID())
	writeJSON(w, http.StatusOK, map[string]any{"principal": p})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rs := sessionFromContext(r)
	c := rs.auth
	if rs.resumable {
		if err := c.Resume(r.Context()); err != nil {
			clearSessionCookie(w)
			s.fail(w, r, err)
			return
		}
	}
	if err := c.Logout(r.Context()); err != nil {
		clearSessionCookie(w)
		s.fail(w, r, err)
		return
	}

	clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	// forward auth header set by the reverse proxy takes precedence
	if s.forwardAuthHeader != "" {
		if login := r.Header.Get(s.forwardAuthHeader); login != "" {
			p, err := s.auth.Resolve(r.Context(), login)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"principal": p})
			return
		}
	}

	rs := sessionFromContext(r)
	if !rs.resumable {
		writeError(w, http.StatusUnauthorized, errors.New("not logged in"))
		return
	}

	p, err := rs.auth.CurrentPrincipal(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusUnauthorized, errors.New("not logged in"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"principal": p})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sso_enabled": s.oidcConfig.Enabled,
	})
}

func (s *Server) handleSSOLogin(w http.ResponseWriter, r *http.Request) {
	if !s.oidcConfig.Enabled {
		http.Error(w, "sso disabled", http.StatusNotFound)
		return
	}
	state := generateState()
	http.SetCookie(w, &http.Cookie{
		Name:     "oauth_state",
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode, // Lax required for cross-site redirect returns
		MaxAge:   300,
	})
	http.Redirect(w, r, s.oidcConfig.OAuth2Config.AuthCodeURL(state), http.StatusFound)
}

func (s *Server) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	if !s.oidcConfig.Enabled {
		http.Error(w, "sso disabled", http.StatusNotFound)
		return
	}
	log := logger.FromContext(r.Context())

	state, err := r.Cookie("oauth_state")
	if err != nil || r.URL.Query().Get("state") != state.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	http.SetCookie(w, &http.Cookie{Name: "oauth_state", MaxAge: -1, Path: "/"})

	token, err := s.oidcConfig.OAuth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		log.Errorw("sso token exchange", "error", err)
		http.Error(w, "failed to exchange token", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token", http.StatusInternalServerError)
		return
	}

	idToken, err := s.oidcConfig.Provider.Verifier(&oidc.Config{ClientID: s.oidcConfig.OAuth2Config.ClientID}).Verify(r.Context(), rawIDToken)
	if err != nil {
		log.Errorw("sso token verify", "error", err)
		http.Error(w, "failed to verify token", http.StatusInternalServerError)
		return
	}

	var claims struct {
		Email string `json:"email"`
		Sub   string `json:"sub"`
	}
	if err = idToken.Claims(&claims); err != nil {
		http.Error(w, "failed to parse claims", http.StatusInternalServerError)
		return
	}

	login := claims.Email
	if login == "" {
		login = claims.Sub
	}

	p, err := s.auth.Resolve(r.Context(), login)
	if errors.Is(err, app.ErrInvalidCredentials) {
		log.Infow("sso login for unknown principal", "login", login)
		http.Error(w, "unknown principal", http.StatusForbidden)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	c := s.auth.NewContext("")
	if err := c.Login(r.Context(), p); err != nil {
		s.fail(w, r, err)
		return
	}

	s.setSessionCookie(w, r, c.SessionID())
	http.Redirect(w, r, "/", http.StatusFound)
}

func generateState() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
