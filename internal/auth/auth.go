// Package auth gates the whole server: a connection is either
// authenticated or it is not. Passwords hash with bcrypt; sessions ride
// an HS256 JWT cookie that also works as a bearer token on WebSocket
// upgrades.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mterm/mterm/internal/store"
)

// ErrInvalidCredentials covers every authentication failure; callers get
// no detail about which part was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	cookieName  = "mterm_session"
	tokenTTL    = 24 * time.Hour
	secretKey   = "jwt_secret" // settings table key
	secretBytes = 32
)

// Manager verifies passwords and issues/validates session tokens.
type Manager struct {
	store     *store.Store
	jwtSecret []byte
}

// NewManager loads (or generates and persists) the JWT secret so viewer
// cookies survive server restarts.
func NewManager(st *store.Store) (*Manager, error) {
	encoded, err := st.GetSetting(secretKey)
	if err != nil {
		return nil, err
	}
	var secret []byte
	if encoded != "" {
		secret, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("auth: stored secret corrupt: %w", err)
		}
	}
	if len(secret) != secretBytes {
		secret = make([]byte, secretBytes)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("auth: generate secret: %w", err)
		}
		if err := st.SetSetting(secretKey, base64.StdEncoding.EncodeToString(secret)); err != nil {
			return nil, err
		}
	}
	return &Manager{store: st, jwtSecret: secret}, nil
}

// HashPassword produces a bcrypt hash for storage.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// Verify checks a username/password pair against the store.
func (m *Manager) Verify(user, password string) error {
	hash, err := m.store.GetUserHash(user)
	if err != nil {
		return err
	}
	if hash == nil {
		// Burn comparable time so unknown users are not distinguishable.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000uGZwLq3lbybalw2gc1eQ5f/SEPS8y1W"), []byte(password))
		return ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// IssueToken mints a session JWT for user.
func (m *Manager) IssueToken(user string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   user,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.jwtSecret)
}

// SetCookie attaches the session token to the response.
func (m *Manager) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    token,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(tokenTTL / time.Second),
		Path:     "/",
	})
}

// ClearCookie logs the browser out.
func (m *Manager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   cookieName,
		Value:  "",
		MaxAge: -1,
		Path:   "/",
	})
}

// ValidateRequest accepts the session cookie, an Authorization bearer, or
// a token query parameter (WebSocket dials cannot set headers from
// browsers). Returns the authenticated user.
func (m *Manager) ValidateRequest(r *http.Request) (string, error) {
	tokenStr := ""
	if cookie, err := r.Cookie(cookieName); err == nil {
		tokenStr = cookie.Value
	}
	if tokenStr == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tokenStr = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if tokenStr == "" {
		tokenStr = r.URL.Query().Get("token")
	}
	if tokenStr == "" {
		return "", ErrInvalidCredentials
	}

	token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidCredentials
		}
		return m.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidCredentials
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return "", ErrInvalidCredentials
	}
	return claims.Subject, nil
}

// Middleware rejects unauthenticated requests with 401.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := m.ValidateRequest(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
