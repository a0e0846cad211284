// Package storage provides the document store connection and API key
// storage for the clinquery API.
package storage

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Issued keys look like "clinquery_ak_" followed by 64 hex characters.
const (
	keyPrefix       = "clinquery_ak_" // pragma: allowlist secret
	randomBytesSize = 32
	apiKeyLength    = len(keyPrefix) + 2*randomBytesSize

	// Masking shows the prefix plus the first and last 4 characters.
	maskShowPrefix = len(keyPrefix) + 4
	maskShowSuffix = 4
)

var (
	// ErrKeyAlreadyExists is returned when attempting to add a key that already exists.
	ErrKeyAlreadyExists = errors.New("API key already exists")
	// ErrKeyNotFound is returned when attempting to operate on a non-existent key.
	ErrKeyNotFound = errors.New("API key not found")
	// ErrKeyNil is returned when a nil API key is provided.
	ErrKeyNil = errors.New("API key cannot be nil")
	// ErrClientIDEmpty is returned when client ID is empty during key generation.
	ErrClientIDEmpty = errors.New("client ID cannot be empty")
	// ErrKeyStringEmpty is returned when key string is empty during parsing.
	ErrKeyStringEmpty = errors.New("key string cannot be empty")
	// ErrInvalidKeyFormat is returned when API key doesn't match expected format.
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	// ErrInvalidKeyLength is returned when API key length is incorrect.
	ErrInvalidKeyLength = errors.New("invalid API key length")
)

// Key is an issued API key with its owning client and granted permissions.
type Key struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	ClientID    string     `json:"clientId"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Active      bool       `json:"active"`
}

// APIKeyStore is the storage contract for issued keys. Every operation
// takes a context so backends can honor cancellation and query deadlines.
type APIKeyStore interface {
	FindByKey(ctx context.Context, key string) (*Key, bool)
	Add(ctx context.Context, apiKey *Key) error
	Update(ctx context.Context, apiKey *Key) error
	Delete(ctx context.Context, keyID string) error
	ListByClient(ctx context.Context, clientID string) ([]*Key, error)
}

// ValidateKey reports whether providedKey matches this key and the key is
// currently usable (active and unexpired). Comparison is constant-time.
func (ak *Key) ValidateKey(providedKey string) bool {
	if providedKey == "" || ak.Key == "" || !ak.Active {
		return false
	}

	if ak.ExpiresAt != nil && time.Now().After(*ak.ExpiresAt) {
		return false
	}

	return SecureCompare(ak.Key, providedKey)
}

// HasPermission reports whether the key grants the named permission.
func (ak *Key) HasPermission(permission string) bool {
	return slices.Contains(ak.Permissions, permission)
}

// SecureCompare compares two strings in constant time. A length mismatch
// still burns a comparison over a's length so the answer leaks nothing
// through timing.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		subtle.ConstantTimeCompare([]byte(a), make([]byte, len(a)))

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey renders a key safe for logs. Full-length keys keep their prefix
// and last characters visible; anything else (truncated input, test
// fixtures) is masked entirely.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}

	if len(key) != apiKeyLength {
		return strings.Repeat("*", len(key))
	}

	hidden := apiKeyLength - maskShowPrefix - maskShowSuffix

	return key[:maskShowPrefix] + strings.Repeat("*", hidden) + key[apiKeyLength-maskShowSuffix:]
}

// GenerateAPIKey issues a fresh key for the client: 256 bits of entropy,
// hex encoded, under the standard prefix.
func GenerateAPIKey(clientID string) (string, error) {
	if clientID == "" {
		return "", ErrClientIDEmpty
	}

	randomBytes := make([]byte, randomBytesSize)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return keyPrefix + hex.EncodeToString(randomBytes), nil
}

// ParseAPIKey extracts and validates a key from a header value. An optional
// "Bearer " prefix is stripped; the remainder must be a well-formed key.
func ParseAPIKey(keyString string) (string, error) {
	if keyString == "" {
		return "", ErrKeyStringEmpty
	}

	keyString = strings.TrimPrefix(keyString, "Bearer ")

	if !strings.HasPrefix(keyString, keyPrefix) {
		return "", ErrInvalidKeyFormat
	}

	if len(keyString) != apiKeyLength {
		return "", ErrInvalidKeyLength
	}

	return keyString, nil
}
