// Package cache stores correlation entries: the mapping from a
// gateway-minted correlation id back to the caller that sent the original
// request. Two backends implement Cache: Memory for a single instance and
// Redis for deployments where any instance may receive the callback.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed     = errors.New("cache: closed")
	ErrInvalidTTL = errors.New("cache: ttl must be positive")
	ErrEmptyKey   = errors.New("cache: empty key")
)

// DefaultTTL bounds how long a request waits for its callback
const DefaultTTL = 5 * time.Minute

// Cache is a string key/value store with per-entry expiry. Implementations are
// safe for concurrent use.
type Cache interface {
	// Get returns the value for key. Expired entries are reported as missing.
	Get(ctx context.Context, key string) (string, bool, error)
	// Put stores value under key for ttl.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Invalidate removes key and reports whether this call removed it. Of
	// several concurrent calls for the same live key exactly one returns true.
	Invalidate(ctx context.Context, key string) (bool, error)
	Close() error
}

// Entry is the value stored per correlation id
type Entry struct {
	RequestID string `json:"requestId"`
	CallerID  string `json:"callerId"`
	Flow      string `json:"flow"`
	// TargetID is the participant the request was forwarded to. Entries
	// written before it was recorded leave it empty.
	TargetID string `json:"targetId,omitempty"`
}

// Encode renders the entry in its stored form
func (e Entry) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode correlation entry: %w", err)
	}
	return string(b), nil
}

// DecodeEntry parses a stored entry
func DecodeEntry(value string) (Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(value), &e); err != nil {
		return Entry{}, fmt.Errorf("decode correlation entry: %w", err)
	}
	if e.RequestID == "" || e.CallerID == "" {
		return Entry{}, fmt.Errorf("decode correlation entry: missing requestId or callerId")
	}
	return e, nil
}

func checkPut(key string, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
