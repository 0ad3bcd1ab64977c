package kv

import (
	"context"
	"encoding/binary"
	"fmt"
)

var counterKey = []byte("next")

// Counter is a persisted monotonic id allocator. An unset counter starts
// at seed.
type Counter struct {
	backend Backend
	region  Region
	seed    uint64
}

func NewCounter(backend Backend, region Region, seed uint64) *Counter {
	return &Counter{backend: backend, region: region, seed: seed}
}

// Peek returns the value the next call to Next will hand out.
func (c *Counter) Peek(ctx context.Context) (uint64, error) {
	data, ok, err := c.backend.Get(ctx, c.region, counterKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return c.seed, nil
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("kv: corrupt counter in region %d", c.region)
	}
	return binary.BigEndian.Uint64(data), nil
}

// Next returns the current value and persists current+1.
func (c *Counter) Next(ctx context.Context) (uint64, error) {
	current, err := c.Peek(ctx)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, current+1)
	if _, _, err := c.backend.Put(ctx, c.region, counterKey, buf); err != nil {
		return 0, err
	}
	return current, nil
}
