// Package kv keeps the live status of running batches where the status API
// can read it: Redis when an address is configured, process memory
// otherwise.
package kv

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("kv: key not found")

// Store is the subset of a key-value database the status writer needs.
type Store interface {
	// Set stores value under key. A zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns ErrNotFound for a missing or expired key.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetMany returns the values of keys in order, nil for missing ones.
	GetMany(ctx context.Context, keys []string) ([][]byte, error)
	// Delete is a no-op for a missing key.
	Delete(ctx context.Context, key string) error
	// Keys returns the keys starting with prefix, unordered.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
