package domain

import "maps"

// SessionHandle is the in-memory working copy of one session record.
//
// Set and Get never touch storage; changes are persisted by
// SessionStore.Save. A handle is not safe for concurrent use.
type SessionHandle struct {
	id            string
	validationKey []byte
	values        map[string]string
}

// NewSessionHandle returns a handle for the given session with a copy of values.
func NewSessionHandle(id string, validationKey []byte, values map[string]string) *SessionHandle {
	h := &SessionHandle{
		id:            id,
		validationKey: validationKey,
		values:        make(map[string]string, len(values)),
	}
	maps.Copy(h.values, values)
	return h
}

// ID returns the session identifier.
func (h *SessionHandle) ID() string { return h.id }

// ValidationKey returns the key used to sign the persisted record.
func (h *SessionHandle) ValidationKey() []byte { return h.validationKey }

// Get returns the value stored under key.
func (h *SessionHandle) Get(key string) (string, bool) {
	v, ok := h.values[key]
	return v, ok
}

// Set stores value under key in memory.
func (h *SessionHandle) Set(key, value string) {
	h.values[key] = value
}

// Values returns a copy of the mapping.
func (h *SessionHandle) Values() map[string]string {
	return maps.Clone(h.values)
}

// Len returns the number of keys in the mapping.
func (h *SessionHandle) Len() int { return len(h.values) }
