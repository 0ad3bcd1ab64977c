// Package kvtest holds the behaviour every kv.Backend must share.
package kvtest

import (
	"context"
	"testing"

	"github.com/4xmen/kanal/internal/kv"
)

// RunBackendTests exercises newBackend against the Map and Counter contract.
// newBackend must return an empty backend.
func RunBackendTests(t *testing.T, newBackend func(t *testing.T) kv.Backend) {
	t.Helper()

	t.Run("insert returns previous", func(t *testing.T) {
		ctx := context.Background()
		m := kv.NewMap[uint64, string](newBackend(t), 0, kv.Uint64Keys{})

		if _, had, err := m.Insert(ctx, 7, "a"); err != nil || had {
			t.Fatalf("first Insert = (had=%v, err=%v)", had, err)
		}
		prev, had, err := m.Insert(ctx, 7, "b")
		if err != nil || !had || prev != "a" {
			t.Fatalf("second Insert = (%q, %v, %v), want previous a", prev, had, err)
		}
		got, ok, err := m.Get(ctx, 7)
		if err != nil || !ok || got != "b" {
			t.Fatalf("Get = (%q, %v, %v), want b", got, ok, err)
		}
	})

	t.Run("remove returns previous", func(t *testing.T) {
		ctx := context.Background()
		m := kv.NewMap[string, int](newBackend(t), 1, kv.StringKeys{})

		if _, _, err := m.Insert(ctx, "x", 42); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		prev, had, err := m.Remove(ctx, "x")
		if err != nil || !had || prev != 42 {
			t.Fatalf("Remove = (%d, %v, %v), want 42", prev, had, err)
		}
		if _, had, _ := m.Remove(ctx, "x"); had {
			t.Fatal("second Remove reported a value")
		}
		if n, _ := m.Len(ctx); n != 0 {
			t.Fatalf("Len = %d after remove, want 0", n)
		}
	})

	t.Run("iterates in key order", func(t *testing.T) {
		ctx := context.Background()
		m := kv.NewMap[uint64, uint64](newBackend(t), 2, kv.Uint64Keys{})

		for _, k := range []uint64{300, 2, 256, 1} {
			if _, _, err := m.Insert(ctx, k, k*10); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
		}

		var keys []uint64
		err := m.Iterate(ctx, func(k, v uint64) error {
			if v != k*10 {
				t.Errorf("value for %d = %d", k, v)
			}
			keys = append(keys, k)
			return nil
		})
		if err != nil {
			t.Fatalf("Iterate failed: %v", err)
		}

		want := []uint64{1, 2, 256, 300}
		if len(keys) != len(want) {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Fatalf("keys = %v, want %v", keys, want)
			}
		}
	})

	t.Run("stop ends iteration", func(t *testing.T) {
		ctx := context.Background()
		m := kv.NewMap[uint64, bool](newBackend(t), 2, kv.Uint64Keys{})
		for k := uint64(1); k <= 5; k++ {
			if _, _, err := m.Insert(ctx, k, true); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
		}

		seen := 0
		err := m.Iterate(ctx, func(k uint64, _ bool) error {
			seen++
			if k == 2 {
				return kv.Stop
			}
			return nil
		})
		if err != nil || seen != 2 {
			t.Fatalf("Iterate = (seen=%d, err=%v), want 2 and nil", seen, err)
		}
	})

	t.Run("update writes back", func(t *testing.T) {
		ctx := context.Background()
		m := kv.NewMap[string, []uint64](newBackend(t), 3, kv.StringKeys{})

		if _, err := m.Update(ctx, "missing", func(v *[]uint64) error { return nil }); err != kv.ErrNotFound {
			t.Fatalf("Update on missing key = %v, want ErrNotFound", err)
		}

		if _, _, err := m.Insert(ctx, "alice", []uint64{1}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if _, err := m.Update(ctx, "alice", func(v *[]uint64) error {
			*v = append(*v, 2)
			return nil
		}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		got, _, _ := m.Get(ctx, "alice")
		if len(got) != 2 || got[1] != 2 {
			t.Fatalf("after Update = %v, want [1 2]", got)
		}
	})

	t.Run("mutate drops key when not kept", func(t *testing.T) {
		ctx := context.Background()
		m := kv.NewMap[string, []uint64](newBackend(t), 4, kv.StringKeys{})

		if _, _, err := m.Insert(ctx, "bob", []uint64{9}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if _, err := m.Mutate(ctx, "bob", func(v *[]uint64, exists bool) (bool, error) {
			*v = nil
			return false, nil
		}); err != nil {
			t.Fatalf("Mutate failed: %v", err)
		}
		if ok, _ := m.Contains(ctx, "bob"); ok {
			t.Fatal("key still present after Mutate returned keep=false")
		}
	})

	t.Run("counter is monotonic", func(t *testing.T) {
		ctx := context.Background()
		backend := newBackend(t)
		c := kv.NewCounter(backend, 5, 1)

		for want := uint64(1); want <= 3; want++ {
			got, err := c.Next(ctx)
			if err != nil || got != want {
				t.Fatalf("Next = (%d, %v), want %d", got, err, want)
			}
		}

		// A second handle on the same region continues the sequence.
		again := kv.NewCounter(backend, 5, 1)
		if got, _ := again.Peek(ctx); got != 4 {
			t.Fatalf("Peek = %d, want 4", got)
		}
	})
}
