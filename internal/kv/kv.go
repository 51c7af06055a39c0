// Package kv is the small key-value store abstraction behind persisted
// client state. Two scopes exist by convention: a per-instance scope (one
// client process, backed by a private directory) and a cross-instance scope
// shared by every client of the same operator (backed by Redis). Tests
// substitute the in-memory implementation for either.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("kv: key not found")

// Store is a flat key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
