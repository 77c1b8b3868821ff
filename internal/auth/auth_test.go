package auth

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mterm/mterm/internal/store"
)

func testManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	m, err := NewManager(st)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, st
}

func TestVerify(t *testing.T) {
	m, st := testManager(t)
	hash, err := HashPassword("hunter2!")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := st.CreateUser("alice", hash); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if err := m.Verify("alice", "hunter2!"); err != nil {
		t.Errorf("Verify(correct) = %v", err)
	}
	if err := m.Verify("alice", "wrong"); err != ErrInvalidCredentials {
		t.Errorf("Verify(wrong) = %v, want ErrInvalidCredentials", err)
	}
	if err := m.Verify("nobody", "hunter2!"); err != ErrInvalidCredentials {
		t.Errorf("Verify(unknown user) = %v, want ErrInvalidCredentials", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	m, _ := testManager(t)
	token, err := m.IssueToken("alice")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	// Cookie
	r := httptest.NewRequest("GET", "/ws/mux", nil)
	r.AddCookie(&http.Cookie{Name: "mterm_session", Value: token})
	if user, err := m.ValidateRequest(r); err != nil || user != "alice" {
		t.Errorf("cookie validate = %q/%v, want alice", user, err)
	}

	// Bearer header
	r = httptest.NewRequest("GET", "/ws/mux", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	if user, err := m.ValidateRequest(r); err != nil || user != "alice" {
		t.Errorf("bearer validate = %q/%v, want alice", user, err)
	}

	// Query parameter (browser WebSocket dials)
	r = httptest.NewRequest("GET", "/ws/mux?token="+token, nil)
	if user, err := m.ValidateRequest(r); err != nil || user != "alice" {
		t.Errorf("query validate = %q/%v, want alice", user, err)
	}
}

func TestValidateRejects(t *testing.T) {
	m, _ := testManager(t)

	r := httptest.NewRequest("GET", "/ws/mux", nil)
	if _, err := m.ValidateRequest(r); err != ErrInvalidCredentials {
		t.Errorf("no token = %v, want ErrInvalidCredentials", err)
	}

	r = httptest.NewRequest("GET", "/ws/mux?token=garbage", nil)
	if _, err := m.ValidateRequest(r); err != ErrInvalidCredentials {
		t.Errorf("garbage token = %v, want ErrInvalidCredentials", err)
	}
}

func TestSecretSurvivesRestart(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	m1, err := NewManager(st)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	token, err := m1.IssueToken("alice")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	// A second manager over the same store must accept the old token.
	m2, err := NewManager(st)
	if err != nil {
		t.Fatalf("NewManager (second): %v", err)
	}
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	if user, err := m2.ValidateRequest(r); err != nil || user != "alice" {
		t.Errorf("cross-restart validate = %q/%v, want alice", user, err)
	}
}

func TestMiddleware(t *testing.T) {
	m, _ := testManager(t)
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	token, _ := m.IssueToken("alice")
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusTeapot {
		t.Errorf("authenticated status = %d, want 418", rec.Code)
	}
}
