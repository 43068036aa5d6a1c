package adapthttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stalker/internal/adapter/filestore"
	adapthttp "stalker/internal/adapter/http"
	"stalker/internal/adapter/memory"
	"stalker/internal/adapter/sessionblob"
	"stalker/internal/app"

	"golang.org/x/crypto/bcrypt"
)

// ---------------------------------------------------------------------------
// Test-server helper
// ---------------------------------------------------------------------------

type testEnv struct {
	ts       *httptest.Server
	db       *memory.DB
	sessions *memory.SessionStore
	client   *http.Client
}

func newAliceDB(t *testing.T) *memory.DB {
	t.Helper()
	db := memory.New()
	hash, err := bcrypt.GenerateFromPassword([]byte("x"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Create(context.Background(), "alice", "alice@example.com", string(hash)); err != nil {
		t.Fatal(err)
	}
	return db
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()

	db := newAliceDB(t)
	sessions := memory.NewSessionStore()
	authSvc := app.NewAuthService(db, sessions, app.Options{ValidationKey: []byte("test-key")})

	ts := httptest.NewServer(adapthttp.New(authSvc, nil).Handler())
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{ts: ts, db: db, sessions: sessions, client: &http.Client{Jar: jar}}
}

func (e *testEnv) post(t *testing.T, path string, payload any) *http.Response {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := e.client.Post(e.ts.URL+path, "application/json", &body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := e.client.Get(e.ts.URL + path)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == adapthttp.SessionCookie {
			return c
		}
	}
	return nil
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return m
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t)

	resp := env.get(t, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["ok"] != true {
		t.Fatalf("expected ok=true, got %v", body["ok"])
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("expected Cache-Control no-store, got %q", cc)
	}
}

func TestLoginFlow(t *testing.T) {
	env := newTestServer(t)

	resp := env.post(t, "/api/login", map[string]string{"login": "alice", "secret": "x"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	cookie := sessionCookie(resp)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("expected a session cookie")
	}
	if !cookie.HttpOnly {
		t.Error("expected an HttpOnly cookie")
	}
	if vals, ok := env.sessions.Values(cookie.Value); !ok || vals["user_id"] != "1" {
		t.Errorf("expected persisted user_id 1, got %v (%v)", vals, ok)
	}

	resp = env.get(t, "/api/me")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	principal, ok := decodeBody(t, resp)["principal"].(map[string]any)
	if !ok {
		t.Fatal("response missing 'principal'")
	}
	if principal["login"] != "alice" {
		t.Errorf("expected alice, got %v", principal["login"])
	}
	if _, leaked := principal["secret_hash"]; leaked {
		t.Error("secret hash must not be serialized")
	}

	resp = env.post(t, "/api/logout", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if _, ok := env.sessions.Values(cookie.Value); ok {
		t.Error("expected the session record to be deleted")
	}

	resp = env.get(t, "/api/me")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", resp.StatusCode)
	}

	resp = env.post(t, "/api/logout", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for logout without a session, got %d", resp.StatusCode)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]string
	}{
		{"wrong secret", map[string]string{"login": "alice", "secret": "y"}},
		{"unknown login", map[string]string{"login": "bob", "secret": "x"}},
	}

	env := newTestServer(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.post(t, "/api/login", tc.payload)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", resp.StatusCode)
			}
			if sessionCookie(resp) != nil {
				t.Error("expected no session cookie")
			}
			if msg := decodeBody(t, resp)["error"]; msg != "wrong username or password" {
				t.Errorf("unexpected error message %v", msg)
			}
		})
	}
}

func TestLoginBadRequest(t *testing.T) {
	env := newTestServer(t)

	resp := env.post(t, "/api/login", map[string]any{"username": "alice"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestLoginNotConnected(t *testing.T) {
	env := newTestServer(t)
	env.db.Disconnect()

	resp := env.post(t, "/api/login", map[string]string{"login": "alice", "secret": "x"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestMeWithoutCookie(t *testing.T) {
	env := newTestServer(t)

	resp := env.get(t, "/api/me")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestMeUnknownSessionID(t *testing.T) {
	env := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/me", nil)
	req.AddCookie(&http.Cookie{Name: adapthttp.SessionCookie, Value: "made-up"})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if _, ok := env.sessions.Values("made-up"); ok {
		t.Error("a cookie this server never issued must not create a session")
	}
}

func getWithCookie(t *testing.T, url, value string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: adapthttp.SessionCookie, Value: value})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	return len(entries)
}

func TestForeignCookiesOnFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := filestore.New(dir, sessionblob.Codec{})
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	authSvc := app.NewAuthService(newAliceDB(t), store, app.Options{ValidationKey: []byte("test-key")})
	ts := httptest.NewServer(adapthttp.New(authSvc, nil).Handler())
	defer ts.Close()

	for _, value := range []string{"junk1", "junk2", "junk3", strings.Repeat("x", 300), "../../etc/passwd"} {
		if resp := getWithCookie(t, ts.URL+"/api/me", value); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("cookie %.20q: expected 401, got %d", value, resp.StatusCode)
		}
	}
	if n := countFiles(t, filepath.Join(dir, "data")); n != 0 {
		t.Errorf("expected no data files, got %d", n)
	}
	if n := countFiles(t, filepath.Join(dir, "lock")); n != 0 {
		t.Errorf("expected no lock files, got %d", n)
	}

	// a real login still round-trips through the store
	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}
	body := bytes.NewBufferString(`{"login":"alice","secret":"x"}`)
	resp, err := client.Post(ts.URL+"/api/login", "application/json", body)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp, err = client.Get(ts.URL + "/api/me")
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after login, got %d", resp.StatusCode)
	}
}

func TestForwardAuth(t *testing.T) {
	authSvc := app.NewAuthService(newAliceDB(t), memory.NewSessionStore(), app.Options{ValidationKey: []byte("test-key")})

	tests := []struct {
		name       string
		header     string
		user       string
		wantStatus int
	}{
		{"known user", "Remote-User", "alice", http.StatusOK},
		{"known e-mail", "Remote-User", "alice@example.com", http.StatusOK},
		{"unknown user", "Remote-User", "bob", http.StatusUnauthorized},
		{"disabled", "", "alice", http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(adapthttp.New(authSvc, nil).WithForwardAuth(tc.header).Handler())
			defer ts.Close()

			req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/me", nil)
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			req.Header.Set("Remote-User", tc.user)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close() //nolint:errcheck

			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, resp.StatusCode)
			}
		})
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	env := newTestServer(t)
	other := &testEnv{ts: env.ts, client: &http.Client{}}
	jar, _ := cookiejar.New(nil)
	other.client.Jar = jar

	if resp := env.post(t, "/api/login", map[string]string{"login": "alice", "secret": "x"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp := other.get(t, "/api/me"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a second client, got %d", resp.StatusCode)
	}
}

func TestSSODisabled(t *testing.T) {
	env := newTestServer(t)

	for _, path := range []string{"/api/sso/login", "/api/sso/callback"} {
		if resp := env.get(t, path); resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}

	resp := env.get(t, "/api/config")
	if body := decodeBody(t, resp); body["sso_enabled"] != false {
		t.Errorf("expected sso_enabled=false, got %v", body["sso_enabled"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"GET login", http.MethodGet, "/api/login"},
		{"GET logout", http.MethodGet, "/api/logout"},
		{"POST me", http.MethodPost, "/api/me"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, env.ts.URL+tc.path, nil)
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close() //nolint:errcheck

			if resp.StatusCode != http.StatusMethodNotAllowed {
				t.Fatalf("expected 405, got %d", resp.StatusCode)
			}
		})
	}
}
