package store

import (
	"context"

	"github.com/4xmen/kanal/internal/kv"
)

// Index maps an identity to an ordered list of message ids. An identity
// whose list becomes empty is removed from the map.
type Index struct {
	m *kv.Map[string, []uint64]
}

func newIndex(backend kv.Backend, region kv.Region) *Index {
	return &Index{m: kv.NewMap[string, []uint64](backend, region, kv.StringKeys{})}
}

// IDs returns the ids recorded for identity. Ids may point at messages
// that no longer exist; callers must treat a missing lookup as absent.
func (i *Index) IDs(ctx context.Context, identity string) ([]uint64, error) {
	ids, _, err := i.m.Get(ctx, identity)
	return ids, err
}

// Add appends id to identity's list unless it is already present.
func (i *Index) Add(ctx context.Context, identity string, id uint64) error {
	_, err := i.m.Mutate(ctx, identity, func(ids *[]uint64, _ bool) (bool, error) {
		for _, existing := range *ids {
			if existing == id {
				return true, nil
			}
		}
		*ids = append(*ids, id)
		return true, nil
	})
	return err
}

// Remove drops id from identity's list, deleting the entry when it empties.
func (i *Index) Remove(ctx context.Context, identity string, id uint64) error {
	_, err := i.m.Mutate(ctx, identity, func(ids *[]uint64, exists bool) (bool, error) {
		if !exists {
			return false, nil
		}
		kept := (*ids)[:0]
		for _, existing := range *ids {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		*ids = kept
		return len(kept) > 0, nil
	})
	return err
}

// Contains reports whether identity has an entry at all.
func (i *Index) Contains(ctx context.Context, identity string) (bool, error) {
	return i.m.Contains(ctx, identity)
}
