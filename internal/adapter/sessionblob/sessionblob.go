// Package sessionblob encodes session records as blobs signed with the
// session's validation key, so a store can detect records that were edited
// or swapped on disk.
package sessionblob

import (
	"errors"
	"fmt"
	"time"

	"stalker/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/thejerf/abtime"
)

// ErrExpired is returned by Decode for a record past its max age. Stores
// treat it the same as a missing record.
var ErrExpired = errors.New("session record expired")

type claims struct {
	SessionID string            `json:"sid"`
	Values    map[string]string `json:"vals"`
	jwt.RegisteredClaims
}

// Codec converts between session handles and persisted blobs.
//
// A zero MaxAge means records never expire. A nil Clock uses real time.
type Codec struct {
	MaxAge time.Duration
	Clock  abtime.AbstractTime
}

func (c Codec) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock.Now()
}

// Encode signs the handle's current mapping.
func (c Codec) Encode(h *domain.SessionHandle) ([]byte, error) {
	if len(h.ValidationKey()) == 0 {
		return nil, errors.New("sessionblob: empty validation key")
	}

	now := c.now()
	cl := claims{
		SessionID: h.ID(),
		Values:    h.Values(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if c.MaxAge > 0 {
		cl.ExpiresAt = jwt.NewNumericDate(now.Add(c.MaxAge))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(h.ValidationKey())
	if err != nil {
		return nil, fmt.Errorf("sessionblob: sign: %w", err)
	}
	return []byte(signed), nil
}

// Decode verifies data against key and returns a handle for session id.
func (c Codec) Decode(id string, key []byte, data []byte) (*domain.SessionHandle, error) {
	var cl claims
	_, err := jwt.ParseWithClaims(string(data), &cl,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", domain.ErrSessionTampered, err)
	}

	// the record must have been issued for this ID
	if cl.SessionID != id {
		return nil, fmt.Errorf("%w: session id mismatch", domain.ErrSessionTampered)
	}
	return domain.NewSessionHandle(id, key, cl.Values), nil
}
