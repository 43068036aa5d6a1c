// Package memory implements in-memory repositories for development and testing.
package memory

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"stalker/internal/domain"
)

// DB implements an in-memory principal store.
type DB struct {
	mu           sync.Mutex
	principals   []*domain.Principal
	disconnected bool

	principalIDCounter int64
}

// New creates a new in-memory database.
func New() *DB {
	return &DB{}
}

// Ensure interfaces are met.
var _ domain.PrincipalRepository = (*DB)(nil)
var _ domain.SessionStore = (*SessionStore)(nil)

// Disconnect makes every later call fail with domain.ErrNotConnected.
func (db *DB) Disconnect() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.disconnected = true
}

// Reconnect undoes Disconnect.
func (db *DB) Reconnect() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.disconnected = false
}

func (db *DB) checkConnected() error {
	if db.disconnected {
		return fmt.Errorf("memory: %w", domain.ErrNotConnected)
	}
	return nil
}

// --- PrincipalRepository ---

// FindByLogin retrieves a principal by login.
func (db *DB) FindByLogin(ctx context.Context, login string) (*domain.Principal, error) {
	return db.find(func(p *domain.Principal) bool { return p.Login == login })
}

// FindByEmail retrieves a principal by e-mail address.
func (db *DB) FindByEmail(ctx context.Context, email string) (*domain.Principal, error) {
	if email == "" {
		return nil, nil
	}
	return db.find(func(p *domain.Principal) bool { return p.Email == email })
}

// FindByID retrieves a principal by ID.
func (db *DB) FindByID(ctx context.Context, id int64) (*domain.Principal, error) {
	return db.find(func(p *domain.Principal) bool { return p.ID == id })
}

func (db *DB) find(match func(*domain.Principal) bool) (*domain.Principal, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkConnected(); err != nil {
		return nil, err
	}
	for _, p := range db.principals {
		if match(p) {
			// hand out a copy so callers can't mutate the store
			cp := *p
			return &cp, nil
		}
	}
	// Return nil if not found
	return nil, nil
}

// UpdateLastLogin records a successful login time.
func (db *DB) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkConnected(); err != nil {
		return err
	}
	for _, p := range db.principals {
		if p.ID == id {
			p.LastLogin = at.UTC()
			return nil
		}
	}
	return fmt.Errorf("memory: principal %d not found", id)
}

// Create creates a new principal.
func (db *DB) Create(ctx context.Context, login, email, secretHash string) (*domain.Principal, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkConnected(); err != nil {
		return nil, err
	}
	for _, p := range db.principals {
		if p.Login == login {
			return nil, errors.New("principal already exists")
		}
	}

	db.principalIDCounter++
	p := &domain.Principal{
		ID:         db.principalIDCounter,
		Login:      login,
		Email:      email,
		SecretHash: secretHash,
		CreatedAt:  time.Now().UTC(),
	}
	db.principals = append(db.principals, p)
	cp := *p
	return &cp, nil
}

// Delete removes a principal. Sessions pointing at it stay in place.
func (db *DB) Delete(ctx context.Context, id int64) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i, p := range db.principals {
		if p.ID == id {
			db.principals = append(db.principals[:i], db.principals[i+1:]...)
			return
		}
	}
}

// Count returns the total number of principals.
func (db *DB) Count(ctx context.Context) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkConnected(); err != nil {
		return 0, err
	}
	return len(db.principals), nil
}

// --- SessionStore ---

type record struct {
	validationKey []byte
	values        map[string]string
}

// SessionStore implements session persistence in memory, with one lock per
// session ID.
type SessionStore struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	records map[string]record
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		locks:   make(map[string]*sync.Mutex),
		records: make(map[string]record),
	}
}

func (s *SessionStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// OpenOrCreate loads the record for id, or stores an empty one.
func (s *SessionStore) OpenOrCreate(ctx context.Context, id string, validationKey []byte) (*domain.SessionHandle, error) {
	if id == "" {
		return nil, domain.ErrInvalidSessionID
	}
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		s.records[id] = record{validationKey: validationKey, values: map[string]string{}}
		return domain.NewSessionHandle(id, validationKey, nil), nil
	}
	if subtle.ConstantTimeCompare(r.validationKey, validationKey) != 1 {
		return nil, fmt.Errorf("%w: validation key mismatch", domain.ErrSessionTampered)
	}
	return domain.NewSessionHandle(id, validationKey, r.values), nil
}

// Save stores a copy of the handle's mapping.
func (s *SessionStore) Save(ctx context.Context, h *domain.SessionHandle) error {
	if h.ID() == "" {
		return domain.ErrInvalidSessionID
	}
	l := s.lockFor(h.ID())
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[h.ID()] = record{validationKey: h.ValidationKey(), values: h.Values()}
	return nil
}

// Delete removes the record.
func (s *SessionStore) Delete(ctx context.Context, h *domain.SessionHandle) error {
	if h.ID() == "" {
		return domain.ErrInvalidSessionID
	}
	l := s.lockFor(h.ID())
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, h.ID())
	return nil
}

// Values returns a copy of the persisted mapping for id.
func (s *SessionStore) Values(id string) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return maps.Clone(r.values), true
}
