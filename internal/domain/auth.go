// Package domain contains the core business entities and interfaces.
package domain

import (
	"context"
	"time"
)

// UserIDKey is the session key holding the authenticated principal's ID.
const UserIDKey = "user_id"

// Principal represents an authenticated user in the system.
type Principal struct {
	ID         int64     `json:"id"`
	Login      string    `json:"login"`
	Email      string    `json:"email,omitempty"`
	SecretHash string    `json:"-"`
	LastLogin  time.Time `json:"lastLogin"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PrincipalRepository defines the port for principal persistence operations.
//
// Lookups return nil, nil when nothing matches. Implementations report an
// unreachable or closed store with an error wrapping ErrNotConnected.
type PrincipalRepository interface {
	FindByLogin(ctx context.Context, login string) (*Principal, error)
	FindByEmail(ctx context.Context, email string) (*Principal, error)
	FindByID(ctx context.Context, id int64) (*Principal, error)
	// UpdateLastLogin must have committed the write when it returns nil.
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error
	Create(ctx context.Context, login, email, secretHash string) (*Principal, error)
	Count(ctx context.Context) (int, error)
}

// SessionStore defines the port for persistent, lockable session records.
//
// Each operation holds the exclusive lock for the handle's session ID for
// its own duration only.
type SessionStore interface {
	OpenOrCreate(ctx context.Context, id string, validationKey []byte) (*SessionHandle, error)
	Save(ctx context.Context, h *SessionHandle) error
	Delete(ctx context.Context, h *SessionHandle) error
}
