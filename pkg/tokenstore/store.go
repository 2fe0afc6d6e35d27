// Package tokenstore keeps the console's auth token and the identity of the
// signed-in user. The channel client only reads the token; login and logout
// flows write and clear it.
package tokenstore

import (
	"errors"
	"sync"
)

// Roles known to the backend. RoleAdmin satisfies every requirement.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

var (
	// ErrNoAuth is returned by Load when no usable credentials are stored.
	ErrNoAuth = errors.New("tokenstore: not authenticated")
	// ErrEmptyToken is returned by Save for credentials without a token.
	ErrEmptyToken = errors.New("tokenstore: empty token")
)

// Auth is one set of stored credentials.
type Auth struct {
	Token    string `yaml:"token" json:"token"`
	Username string `yaml:"username" json:"username"`
	Role     string `yaml:"role" json:"role"`
}

// HasPermission reports whether the user's role satisfies required. Admins
// satisfy any requirement; users satisfy RoleUser only.
func (a Auth) HasPermission(required string) bool {
	switch {
	case a.Role == "":
		return false
	case a.Role == RoleAdmin:
		return true
	case required == RoleUser:
		return a.Role == RoleUser
	default:
		return false
	}
}

// Store persists credentials.
type Store interface {
	// Token returns the stored token, or "" when there is none.
	Token() string
	// Load returns the stored credentials or ErrNoAuth.
	Load() (Auth, error)
	Save(auth Auth) error
	Clear() error
}

// IsAuthenticated reports whether s holds usable credentials.
func IsAuthenticated(s Store) bool {
	_, err := s.Load()
	return err == nil
}

// Role returns the stored user's role, or "" when signed out.
func Role(s Store) string {
	auth, err := s.Load()
	if err != nil {
		return ""
	}
	return auth.Role
}

// HasPermission reports whether the stored user satisfies required.
func HasPermission(s Store, required string) bool {
	auth, err := s.Load()
	if err != nil {
		return false
	}
	return auth.HasPermission(required)
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	auth *Auth
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.auth == nil {
		return ""
	}
	return m.auth.Token
}

func (m *Memory) Load() (Auth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.auth == nil {
		return Auth{}, ErrNoAuth
	}
	return *m.auth, nil
}

func (m *Memory) Save(auth Auth) error {
	if auth.Token == "" {
		return ErrEmptyToken
	}
	m.mu.Lock()
	m.auth = &auth
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	m.auth = nil
	m.mu.Unlock()
	return nil
}
