// Package auth holds the caller-identity primitives of the member service: HS256 session
// tokens, organization API keys, the role/scope tables and the 2FA authenticator types.
// Request-time authentication that combines them lives in internal/middleware.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyPrefix starts every organization API key
	APIKeyPrefix = "orgm"

	// APIKeyLength is the length of the random part of the API key in bytes
	APIKeyLength = 32

	// DisplayPrefixLength is the number of leading characters stored in clear for lookup
	DisplayPrefixLength = 10
)

// hashCost is the bcrypt cost for new keys; tests lower it
var hashCost = 12

// GenerateAPIKey creates a new random key.
// Returns: full key (shown once), bcrypt hash (stored), display prefix (stored, indexed)
func GenerateAPIKey() (key, hash, displayPrefix string, err error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	key = APIKeyPrefix + "_" + base64.RawURLEncoding.EncodeToString(randomBytes)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(key), hashCost)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return key, string(hashBytes), KeyDisplayPrefix(key), nil
}

// KeyDisplayPrefix is the lookup prefix of a presented key
func KeyDisplayPrefix(key string) string {
	if len(key) > DisplayPrefixLength {
		return key[:DisplayPrefixLength]
	}
	return key
}

// LooksLikeAPIKey reports whether a bearer token has the API key shape rather than a JWT
func LooksLikeAPIKey(token string) bool {
	return strings.HasPrefix(token, APIKeyPrefix+"_")
}

// ValidateAPIKey checks if a provided key matches the stored hash
func ValidateAPIKey(providedKey, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(providedKey)) == nil
}

// ExtractBearerToken pulls the token out of an Authorization header value
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", errors.New("authorization token is empty")
	}
	return token, nil
}
