// Package idempotency stores Idempotency-Key reservations and the responses
// they produced, so a retried request replays instead of running twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
	"unicode"
)

// Status of a stored key.
const (
	// StatusProcessing marks a key whose first request is still in flight.
	StatusProcessing = "processing"
	// StatusCompleted marks a key with a stable cached response.
	StatusCompleted = "completed"
)

var (
	// ErrKeyNotFound is returned when an idempotency key is not found.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned when reserving a key that is already stored.
	ErrKeyExists = errors.New("idempotency key already exists")

	// ErrInvalidKey is returned when the key is empty or contains control characters.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds maximum length.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength is the maximum allowed length for an idempotency key.
const MaxKeyLength = 64

// DefaultExpiry is how long a key is remembered.
const DefaultExpiry = 24 * time.Hour

// Record is a stored idempotency key with its cached response.
type Record struct {
	Key                string    `json:"key"`
	Method             string    `json:"method"`
	Route              string    `json:"route"`
	CreatedAt          time.Time `json:"created_at"`
	Status             string    `json:"status"`
	ResponseHash       string    `json:"response_hash,omitempty"`
	ResponseBody       string    `json:"response_body,omitempty"`
	ResponseStatusCode int       `json:"response_status_code,omitempty"`
}

// ValidateKey checks a client-supplied key.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for _, r := range key {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return ErrInvalidKey
		}
	}
	return nil
}

// ScopedKey namespaces a client key by user so two users cannot collide.
func ScopedKey(userID, key string) string {
	return userID + ":" + key
}

// ComputeResponseHash computes a SHA256 hash of the response body.
func ComputeResponseHash(responseBody string) string {
	hash := sha256.Sum256([]byte(responseBody))
	return hex.EncodeToString(hash[:])
}

// Repository persists idempotency keys.
type Repository interface {
	// Reserve stores a processing record for the key.
	// Returns ErrKeyExists if the key is already stored in any status.
	Reserve(ctx context.Context, record *Record) error

	// Get retrieves a record. Returns ErrKeyNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) (*Record, error)

	// Complete stores the final response for a reserved key.
	Complete(ctx context.Context, record *Record) error

	// Release forgets a reserved key so the client may retry it.
	Release(ctx context.Context, key string) error

	// DeleteOlderThan removes keys older than age and returns how many were removed.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}
