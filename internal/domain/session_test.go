package domain

import "testing"

func TestSessionHandle_CopiesValues(t *testing.T) {
	src := map[string]string{UserIDKey: "1"}
	h := NewSessionHandle("s1", []byte("k"), src)

	src[UserIDKey] = "2"
	if v, _ := h.Get(UserIDKey); v != "1" {
		t.Errorf("handle shares the caller's map: got %q", v)
	}

	out := h.Values()
	out[UserIDKey] = "3"
	if v, _ := h.Get(UserIDKey); v != "1" {
		t.Errorf("Values leaked the internal map: got %q", v)
	}
}

func TestSessionHandle_SetGet(t *testing.T) {
	h := NewSessionHandle("s1", nil, nil)
	if h.Len() != 0 {
		t.Fatalf("expected empty handle, got %d keys", h.Len())
	}
	if _, ok := h.Get(UserIDKey); ok {
		t.Error("expected missing key")
	}

	h.Set(UserIDKey, "7")
	h.Set(UserIDKey, "8")
	if v, ok := h.Get(UserIDKey); !ok || v != "8" {
		t.Errorf("expected 8, got %q (%v)", v, ok)
	}
	if h.Len() != 1 {
		t.Errorf("expected 1 key, got %d", h.Len())
	}
	if h.ID() != "s1" {
		t.Errorf("expected id s1, got %s", h.ID())
	}
}
