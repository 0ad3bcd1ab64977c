// Package kv implements typed, ordered persistent maps and counters on top of
// a byte-oriented Backend. Every read returns a decoded copy; changes only
// persist when written back, which Map.Mutate and Map.Update do for the caller.
package kv

import (
	"context"
	"errors"
)

// Region is a fixed logical partition of a Backend. Each entity table,
// index and counter lives in its own region.
type Region uint8

var (
	// ErrNotFound is returned by Update when the key is absent.
	ErrNotFound = errors.New("kv: key not found")

	// Stop can be returned from an Iterate callback to end the scan early
	// without reporting an error.
	Stop = errors.New("kv: stop iteration")
)

// Backend is an ordered byte-keyed store. Keys inside a region are ordered
// by byte comparison. Each call is atomic on its own; nothing spans calls.
type Backend interface {
	Get(ctx context.Context, region Region, key []byte) ([]byte, bool, error)
	// Put stores value and returns the previous value, if any.
	Put(ctx context.Context, region Region, key, value []byte) ([]byte, bool, error)
	// Delete removes key and returns the removed value, if any.
	Delete(ctx context.Context, region Region, key []byte) ([]byte, bool, error)
	// Scan visits every entry of region in ascending key order.
	Scan(ctx context.Context, region Region, fn func(key, value []byte) error) error
	Count(ctx context.Context, region Region) (uint64, error)
	Close() error
}
