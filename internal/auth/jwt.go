package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/quanlan-server/quanlan-server/internal/config"
	"github.com/quanlan-server/quanlan-server/pkg/crypto"
)

const issuer = "quanlan-server"

// ErrInvalidCredentials is returned for an unknown client or a wrong secret
var ErrInvalidCredentials = errors.New("invalid client credentials")

// JWTManager issues and validates client tokens
type JWTManager struct {
	config  *config.AuthConfig
	clients map[string]string
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg *config.AuthConfig) *JWTManager {
	clients := make(map[string]string, len(cfg.Clients))
	for _, c := range cfg.Clients {
		clients[c.ID] = c.SecretHash
	}
	return &JWTManager{
		config:  cfg,
		clients: clients,
	}
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
}

// Authenticate checks client credentials and issues a token
func (m *JWTManager) Authenticate(clientID, secret string) (string, time.Time, error) {
	hash, ok := m.clients[clientID]
	if !ok || !crypto.VerifySecret(secret, hash) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return m.GenerateToken(clientID)
}

// GenerateToken issues a token for clientID
func (m *JWTManager) GenerateToken(clientID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(m.config.TokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.New().String(),
		},
		ClientID: clientID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return signed, expiresAt, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	if _, known := m.clients[claims.ClientID]; !known {
		return nil, fmt.Errorf("client %q is no longer configured", claims.ClientID)
	}

	return claims, nil
}
