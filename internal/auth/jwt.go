// Package auth - jwt.go issues and verifies the HS256 bearer tokens that identify callers.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "orgmembers"

// ErrMissingSecret is returned outside dev mode when no signing secret is configured
var ErrMissingSecret = errors.New("jwt secret is required: set auth.jwt_secret or ORGM_JWT_SECRET (generate one with: openssl rand -hex 32)")

// Claims represents the JWT claims structure
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies bearer tokens with a shared secret
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// isDevMode checks if we're in development mode
func isDevMode() bool {
	devMode := os.Getenv("DEV_MODE")
	return devMode == "true" || devMode == "1" || os.Getenv("GIN_MODE") == "debug"
}

func generateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewTokenIssuer resolves the signing secret: the configured value, then ORGM_JWT_SECRET,
// then (dev mode only) a random per-process secret.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		secret = os.Getenv("ORGM_JWT_SECRET")
	}
	if secret == "" {
		if !isDevMode() {
			return nil, ErrMissingSecret
		}
		generated, err := generateRandomSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate dev secret: %w", err)
		}
		slog.Warn("jwt secret not set; using an auto-generated secret, tokens will not survive a restart")
		secret = generated
	} else if len(secret) < 32 {
		slog.Warn("jwt secret is shorter than the recommended 32 characters")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}, nil
}

// Issue creates a signed token for a user
func (i *TokenIssuer) Issue(userID, email string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Validate parses and validates a token
func (i *TokenIssuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
