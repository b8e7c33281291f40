package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanlan-server/quanlan-server/internal/config"
	"github.com/quanlan-server/quanlan-server/pkg/crypto"
)

func newManager(t *testing.T, ttl time.Duration) *JWTManager {
	t.Helper()
	hash, err := crypto.HashSecret("lab-secret")
	require.NoError(t, err)
	return NewJWTManager(&config.AuthConfig{
		Enabled:  true,
		Secret:   "signing-key",
		TokenTTL: ttl,
		Clients:  []config.ClientConfig{{ID: "unity", SecretHash: hash}},
	})
}

func TestAuthenticateAndValidate(t *testing.T) {
	m := newManager(t, time.Hour)

	token, expiresAt, err := m.Authenticate("unity", "lab-secret")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "unity", claims.ClientID)
	assert.Equal(t, "unity", claims.Subject)
}

func TestAuthenticateRejects(t *testing.T) {
	m := newManager(t, time.Hour)

	_, _, err := m.Authenticate("unity", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = m.Authenticate("other", "lab-secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateTokenRejects(t *testing.T) {
	m := newManager(t, time.Hour)

	_, err := m.ValidateToken("garbage")
	assert.Error(t, err)

	expired := newManager(t, -time.Minute)
	token, _, err := expired.GenerateToken("unity")
	require.NoError(t, err)
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	other := NewJWTManager(&config.AuthConfig{Secret: "other-key", TokenTTL: time.Hour})
	token, _, err = other.GenerateToken("unity")
	require.NoError(t, err)
	_, err = m.ValidateToken(token)
	assert.Error(t, err)

	token, _, err = m.GenerateToken("removed")
	require.NoError(t, err)
	_, err = m.ValidateToken(token)
	assert.Error(t, err)
}
