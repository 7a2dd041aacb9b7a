package coordinate

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSessionTokenRoundTrip(t *testing.T) {
	secret := []byte("test secret")
	tabId := NewId()

	byJwt, err := MintSessionToken(secret, "u1", tabId, 1*time.Hour)
	assert.Equal(t, err, nil)

	sessionToken, err := ParseSessionToken(secret, byJwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, sessionToken.UserId, "u1")
	assert.Equal(t, sessionToken.TabId, tabId)
}

func TestSessionTokenBadSecret(t *testing.T) {
	byJwt, err := MintSessionToken([]byte("test secret"), "u1", NewId(), 1*time.Hour)
	assert.Equal(t, err, nil)

	_, err = ParseSessionToken([]byte("other secret"), byJwt)
	assert.NotEqual(t, err, nil)
}

func TestSessionTokenExpired(t *testing.T) {
	secret := []byte("test secret")

	byJwt, err := MintSessionToken(secret, "u1", NewId(), -1*time.Hour)
	assert.Equal(t, err, nil)

	_, err = ParseSessionToken(secret, byJwt)
	assert.NotEqual(t, err, nil)
}

func TestSessionTokenUnverified(t *testing.T) {
	tabId := NewId()
	byJwt, err := MintSessionToken([]byte("test secret"), "u1", tabId, 1*time.Hour)
	assert.Equal(t, err, nil)

	// claims readable without the secret, for display only
	sessionToken, err := ParseSessionTokenUnverified(byJwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, sessionToken.UserId, "u1")
	assert.Equal(t, sessionToken.TabId, tabId)
}

func TestSessionTokenMissingUserId(t *testing.T) {
	_, err := MintSessionToken([]byte("test secret"), "", NewId(), 1*time.Hour)
	assert.NotEqual(t, err, nil)
}
