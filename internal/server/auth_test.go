// ABOUTME: Tests for the in-memory account table
// ABOUTME: Covers credential checks and registration rules
package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStaticAuthAuthenticate(t *testing.T) {
	auth := NewStaticAuth(map[string]string{"alice": "secret"}, false)

	assert.NoError(t, auth.Authenticate("alice", "secret"))
	assert.ErrorIs(t, auth.Authenticate("alice", "wrong"), ErrBadCredentials)
	assert.ErrorIs(t, auth.Authenticate("bob", "secret"), ErrBadCredentials)
	assert.ErrorIs(t, auth.Authenticate("", ""), ErrBadCredentials)
}

func TestStaticAuthRegister(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		auth := NewStaticAuth(nil, false)
		assert.ErrorIs(t, auth.Register("bob", "pw"), ErrRegistration)
	})

	t.Run("enabled", func(t *testing.T) {
		auth := NewStaticAuth(map[string]string{"alice": "secret"}, true)

		assert.ErrorIs(t, auth.Register("alice", "other"), ErrUserExists)
		assert.ErrorIs(t, auth.Register("bob", ""), ErrBadCredentials)

		assert.NoError(t, auth.Register("bob", "pw"))
		assert.NoError(t, auth.Authenticate("bob", "pw"))
	})
}

func TestStaticAuthCopiesSeed(t *testing.T) {
	users := map[string]string{"alice": "secret"}
	auth := NewStaticAuth(users, false)
	users["alice"] = "changed"

	assert.NoError(t, auth.Authenticate("alice", "secret"))
}
