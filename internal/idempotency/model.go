// Package idempotency stores the first successful response for each
// (user, Idempotency-Key) pair so retried checkout and pay requests replay it
// instead of running twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrKeyNotFound = errors.New("idempotency key not found")
	ErrKeyExists   = errors.New("idempotency key already exists")
	ErrInvalidKey  = errors.New("invalid idempotency key")
	ErrKeyTooLong  = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength bounds client keys. UUIDs and Stripe-style keys fit comfortably.
const MaxKeyLength = 64

// Record is a stored response. Fingerprint ties the key to the request that
// produced it; ResponseHash guards the cached body against corruption in
// shared storage.
type Record struct {
	Key                string    `json:"key"`
	UserID             string    `json:"user_id"`
	Fingerprint        string    `json:"fingerprint"`
	ResponseStatusCode int       `json:"response_status_code"`
	ResponseBody       string    `json:"response_body"`
	ResponseHash       string    `json:"response_hash"`
	CreatedAt          time.Time `json:"created_at"`
}

// NewRecord builds a record for a completed response.
func NewRecord(userID, key, fingerprint string, status int, body string) *Record {
	return &Record{
		Key:                key,
		UserID:             userID,
		Fingerprint:        fingerprint,
		ResponseStatusCode: status,
		ResponseBody:       body,
		ResponseHash:       hashHex([]byte(body)),
	}
}

// Intact reports whether the cached body still matches its hash.
func (r *Record) Intact() bool {
	return r.ResponseHash == hashHex([]byte(r.ResponseBody))
}

// ValidateKey accepts non-empty printable ASCII keys up to MaxKeyLength.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return ErrInvalidKey
		}
	}
	return nil
}

// Fingerprint identifies a request by method, path and body. A key reused
// with a different fingerprint is a client error, not a retry.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Repository persists records.
type Repository interface {
	// Get returns ErrKeyNotFound when nothing is stored for (userID, key).
	Get(ctx context.Context, userID, key string) (*Record, error)
	// Store returns ErrKeyExists when the user already holds the key.
	Store(ctx context.Context, record *Record) error
	// DeleteOlderThan drops records created before now-age.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

func scopedKey(userID, key string) string {
	return userID + ":" + key
}
