// Package app holds the application services and business logic.
package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"

	"stalker/internal/domain"
	"stalker/internal/pkg/logger"

	"github.com/google/uuid"
	"github.com/thejerf/abtime"
)

var (
	// ErrInvalidCredentials indicates that the provided login or secret was incorrect.
	// It does not say which of the two was wrong.
	ErrInvalidCredentials = errors.New("wrong username or password")
	// ErrPrecondition indicates an operation called in a state that does not allow it.
	ErrPrecondition = errors.New("precondition failed")
	// ErrPrincipalsExist indicates that the initial principal was already created.
	ErrPrincipalsExist = errors.New("principals already exist")
	// ErrNotConnected is domain.ErrNotConnected, re-exported for callers of this package.
	ErrNotConnected = domain.ErrNotConnected
)

// SingleSessionID is the only session ID used when Options.SingleSession is set.
const SingleSessionID = "0"

// Options configures an AuthService.
type Options struct {
	// ValidationKey signs persisted session records. If empty, a random key
	// is generated and sessions do not survive a restart.
	ValidationKey []byte
	// SingleSession makes every context share session ID "0", so the process
	// has at most one logged-in principal at a time.
	SingleSession bool
	// Clock defaults to real time.
	Clock abtime.AbstractTime
}

// AuthService verifies credentials and manages login sessions.
type AuthService struct {
	principals domain.PrincipalRepository
	sessions   domain.SessionStore
	opts       Options
}

// NewAuthService creates a new authentication service. A nil principals
// repository leaves the service unconnected.
func NewAuthService(principals domain.PrincipalRepository, sessions domain.SessionStore, opts Options) *AuthService {
	if len(opts.ValidationKey) == 0 {
		opts.ValidationKey = make([]byte, 32)
		_, _ = rand.Read(opts.ValidationKey)
	}
	if opts.Clock == nil {
		opts.Clock = abtime.NewRealTime()
	}
	return &AuthService{
		principals: principals,
		sessions:   sessions,
		opts:       opts,
	}
}

func (s *AuthService) checkConnected() error {
	if s.principals == nil {
		return fmt.Errorf("auth: %w", ErrNotConnected)
	}
	return nil
}

// Authenticate checks login and secret against the principal store and
// returns the matching principal. It does not start a session.
func (s *AuthService) Authenticate(ctx context.Context, login, secret string) (*domain.Principal, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	p, err := s.lookup(ctx, login)
	if err != nil {
		return nil, err
	}
	if p == nil {
		burnSecretCheck(secret)
		return nil, ErrInvalidCredentials
	}

	if !VerifySecret(p.SecretHash, secret) {
		return nil, ErrInvalidCredentials
	}
	return p, nil
}

// Resolve returns the principal with the given login or e-mail address
// without checking a secret. Callers must have verified the identity some
// other way, e.g. through an SSO provider.
func (s *AuthService) Resolve(ctx context.Context, login string) (*domain.Principal, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	p, err := s.lookup(ctx, login)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrInvalidCredentials
	}
	return p, nil
}

func (s *AuthService) lookup(ctx context.Context, login string) (*domain.Principal, error) {
	p, err := s.principals.FindByLogin(ctx, login)
	if err != nil || p != nil {
		return p, err
	}
	// the login form also accepts an e-mail address
	return s.principals.FindByEmail(ctx, login)
}

// CreateInitialPrincipal creates the first principal if none exist.
func (s *AuthService) CreateInitialPrincipal(ctx context.Context, login, email, secret string) (*domain.Principal, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	count, err := s.principals.Count(ctx)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrPrincipalsExist
	}

	hash, err := HashSecret(secret)
	if err != nil {
		return nil, err
	}
	return s.principals.Create(ctx, login, email, hash)
}

// SingleSession reports whether every context shares SingleSessionID.
func (s *AuthService) SingleSession() bool { return s.opts.SingleSession }

// NewContext starts the per-request state for one execution context.
// An empty sessionID gets a fresh random ID. With Options.SingleSession the
// given ID is ignored.
func (s *AuthService) NewContext(sessionID string) *AuthContext {
	switch {
	case s.opts.SingleSession:
		sessionID = SingleSessionID
	case sessionID == "":
		sessionID = uuid.NewString()
	}
	return &AuthContext{svc: s, sessionID: sessionID}
}

// AuthContext holds the session handle for one execution context. It moves
// between anonymous and authenticated as Login and Logout are called.
//
// An AuthContext is not safe for concurrent use.
type AuthContext struct {
	svc       *AuthService
	sessionID string
	handle    *domain.SessionHandle
}

// SessionID returns the ID of the session this context reads and writes.
func (c *AuthContext) SessionID() string { return c.sessionID }

// HasSession reports whether a session handle is open in this context.
func (c *AuthContext) HasSession() bool { return c.handle != nil }

func (c *AuthContext) open(ctx context.Context) error {
	if c.handle != nil {
		return nil
	}
	h, err := c.svc.sessions.OpenOrCreate(ctx, c.sessionID, c.svc.opts.ValidationKey)
	if err != nil {
		return err
	}
	c.handle = h
	logger.FromContext(ctx).Debugw("session opened", "session", c.sessionID)
	return nil
}

// Resume opens this context's session, creating an empty record if the
// store has none. It is a no-op when a session is already open.
func (c *AuthContext) Resume(ctx context.Context) error {
	return c.open(ctx)
}

// Login records a successful login for p and stores its ID in the session.
//
// The last-login time is committed to the principal store first; if that
// fails no session is written. Logging in again replaces the stored
// principal.
func (c *AuthContext) Login(ctx context.Context, p *domain.Principal) error {
	if p == nil {
		return fmt.Errorf("auth: login: %w: nil principal", ErrPrecondition)
	}
	if err := c.svc.checkConnected(); err != nil {
		return err
	}

	now := c.svc.opts.Clock.Now().UTC()
	if err := c.svc.principals.UpdateLastLogin(ctx, p.ID, now); err != nil {
		return fmt.Errorf("auth: update last login: %w", err)
	}
	p.LastLogin = now

	if err := c.open(ctx); err != nil {
		return err
	}
	c.handle.Set(domain.UserIDKey, strconv.FormatInt(p.ID, 10))
	if err := c.svc.sessions.Save(ctx, c.handle); err != nil {
		return err
	}

	logger.FromContext(ctx).Debugw("principal logged in", "session", c.sessionID, "principal", p.ID)
	return nil
}

// Logout deletes the session record. It fails with ErrPrecondition when no
// session is open in this context, including after a previous Logout.
func (c *AuthContext) Logout(ctx context.Context) error {
	if c.handle == nil {
		return fmt.Errorf("auth: logout: %w: no open session", ErrPrecondition)
	}
	if err := c.svc.sessions.Delete(ctx, c.handle); err != nil {
		return err
	}
	c.handle = nil

	logger.FromContext(ctx).Debugw("session deleted", "session", c.sessionID)
	return nil
}

// CurrentPrincipal returns the principal logged in to this context's
// session, or nil if there is none or it no longer exists.
//
// If no session is open yet, one is opened, which persists an empty record
// when the store has none. Callers relying on a read having no side effects
// should check HasSession first.
func (c *AuthContext) CurrentPrincipal(ctx context.Context) (*domain.Principal, error) {
	if err := c.svc.checkConnected(); err != nil {
		return nil, err
	}
	if err := c.open(ctx); err != nil {
		return nil, err
	}

	raw, ok := c.handle.Get(domain.UserIDKey)
	if !ok {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("auth: session %s: malformed %s %q: %w", c.sessionID, domain.UserIDKey, raw, err)
	}
	return c.svc.principals.FindByID(ctx, id)
}
