package domain

import "errors"

var (
	// ErrNotConnected indicates that the principal store is not initialized or unreachable.
	ErrNotConnected = errors.New("principal store is not connected")
	// ErrSessionTampered indicates that a persisted session record failed validation.
	ErrSessionTampered = errors.New("session record failed validation")
	// ErrInvalidSessionID indicates a session ID that cannot address a record.
	ErrInvalidSessionID = errors.New("invalid session id")
)
