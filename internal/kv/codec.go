package kv

import (
	"encoding/binary"
	"fmt"

	"github.com/goccy/go-json"
)

// KeyCodec maps typed keys to order-preserving byte keys.
type KeyCodec[K any] interface {
	EncodeKey(K) []byte
	DecodeKey([]byte) (K, error)
}

// Uint64Keys encodes keys as 8-byte big-endian so byte order equals numeric order.
type Uint64Keys struct{}

func (Uint64Keys) EncodeKey(k uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, k)
	return buf
}

func (Uint64Keys) DecodeKey(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("kv: invalid uint64 key length %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// StringKeys stores keys as raw UTF-8 bytes.
type StringKeys struct{}

func (StringKeys) EncodeKey(k string) []byte { return []byte(k) }

func (StringKeys) DecodeKey(b []byte) (string, error) { return string(b), nil }

func encodeValue[V any](v V) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("kv: encode value: %w", err)
	}
	return data, nil
}

func decodeValue[V any](data []byte) (V, error) {
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("kv: decode value: %w", err)
	}
	return v, nil
}
