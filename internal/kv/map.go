package kv

import (
	"context"
	"errors"
)

// Map is a typed view over one region of a Backend.
type Map[K any, V any] struct {
	backend Backend
	region  Region
	keys    KeyCodec[K]
}

func NewMap[K any, V any](backend Backend, region Region, keys KeyCodec[K]) *Map[K, V] {
	return &Map[K, V]{backend: backend, region: region, keys: keys}
}

// Get returns a copy of the value stored under key.
func (m *Map[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var zero V
	data, ok, err := m.backend.Get(ctx, m.region, m.keys.EncodeKey(key))
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := decodeValue[V](data)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

func (m *Map[K, V]) Contains(ctx context.Context, key K) (bool, error) {
	_, ok, err := m.backend.Get(ctx, m.region, m.keys.EncodeKey(key))
	return ok, err
}

// Insert stores value under key and returns the previous value, if any.
func (m *Map[K, V]) Insert(ctx context.Context, key K, value V) (V, bool, error) {
	var zero V
	data, err := encodeValue(value)
	if err != nil {
		return zero, false, err
	}
	prev, ok, err := m.backend.Put(ctx, m.region, m.keys.EncodeKey(key), data)
	if err != nil || !ok {
		return zero, false, err
	}
	old, err := decodeValue[V](prev)
	if err != nil {
		return zero, false, err
	}
	return old, true, nil
}

// Remove deletes key and returns the removed value, if any.
func (m *Map[K, V]) Remove(ctx context.Context, key K) (V, bool, error) {
	var zero V
	prev, ok, err := m.backend.Delete(ctx, m.region, m.keys.EncodeKey(key))
	if err != nil || !ok {
		return zero, false, err
	}
	old, err := decodeValue[V](prev)
	if err != nil {
		return zero, false, err
	}
	return old, true, nil
}

// Iterate calls fn for every entry in ascending key order. Returning Stop
// from fn ends the iteration without error.
func (m *Map[K, V]) Iterate(ctx context.Context, fn func(key K, value V) error) error {
	err := m.backend.Scan(ctx, m.region, func(rawKey, rawValue []byte) error {
		key, err := m.keys.DecodeKey(rawKey)
		if err != nil {
			return err
		}
		value, err := decodeValue[V](rawValue)
		if err != nil {
			return err
		}
		return fn(key, value)
	})
	if errors.Is(err, Stop) {
		return nil
	}
	return err
}

// Values returns all values in key order.
func (m *Map[K, V]) Values(ctx context.Context) ([]V, error) {
	var values []V
	err := m.Iterate(ctx, func(_ K, v V) error {
		values = append(values, v)
		return nil
	})
	return values, err
}

func (m *Map[K, V]) Len(ctx context.Context) (uint64, error) {
	return m.backend.Count(ctx, m.region)
}

// Mutate reads the value under key into a working copy, lets fn change it
// and then writes the copy back. When fn returns keep=false the key is
// removed instead. exists reports whether the key was present; for an
// absent key fn receives the zero value.
func (m *Map[K, V]) Mutate(ctx context.Context, key K, fn func(v *V, exists bool) (keep bool, err error)) (V, error) {
	current, exists, err := m.Get(ctx, key)
	if err != nil {
		return current, err
	}

	keep, err := fn(&current, exists)
	if err != nil {
		return current, err
	}

	if !keep {
		if exists {
			if _, _, err := m.Remove(ctx, key); err != nil {
				return current, err
			}
		}
		return current, nil
	}

	if _, _, err := m.Insert(ctx, key, current); err != nil {
		return current, err
	}
	return current, nil
}

// Update applies fn to the existing value under key and persists the result.
// It returns ErrNotFound when key is absent.
func (m *Map[K, V]) Update(ctx context.Context, key K, fn func(v *V) error) (V, error) {
	return m.Mutate(ctx, key, func(v *V, exists bool) (bool, error) {
		if !exists {
			return false, ErrNotFound
		}
		return true, fn(v)
	})
}
