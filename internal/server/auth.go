// ABOUTME: Account check used by login and registration on the control channel
// ABOUTME: StaticAuth keeps accounts in memory, seeded from configuration
package server

import (
	"crypto/subtle"
	"errors"
	"sync"
)

var (
	ErrBadCredentials = errors.New("invalid user or password")
	ErrUserExists     = errors.New("user already exists")
	ErrRegistration   = errors.New("registration disabled")
)

// Authenticator checks and creates accounts
type Authenticator interface {
	Authenticate(user, password string) error
	Register(user, password string) error
}

// StaticAuth is an in-memory account table
type StaticAuth struct {
	// AllowRegister enables Register
	AllowRegister bool

	mu    sync.RWMutex
	users map[string]string
}

// NewStaticAuth seeds the table with users
func NewStaticAuth(users map[string]string, allowRegister bool) *StaticAuth {
	a := &StaticAuth{AllowRegister: allowRegister, users: make(map[string]string, len(users))}
	for u, p := range users {
		a.users[u] = p
	}
	return a
}

func (a *StaticAuth) Authenticate(user, password string) error {
	a.mu.RLock()
	want, ok := a.users[user]
	a.mu.RUnlock()

	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
		return ErrBadCredentials
	}
	return nil
}

func (a *StaticAuth) Register(user, password string) error {
	if !a.AllowRegister {
		return ErrRegistration
	}
	if user == "" || password == "" {
		return ErrBadCredentials
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[user]; ok {
		return ErrUserExists
	}
	a.users[user] = password
	return nil
}
