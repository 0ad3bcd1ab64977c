// Package keys provides the key-derivation service used for encrypted
// messages. Callers only see opaque bytes.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// MasterKeySize is the required length of the master key in bytes.
	MasterKeySize = 32

	derivedKeySize = 32
	publicKeyInfo  = "kanal/public-key"
	deriveInfo     = "kanal/derive:"
)

// Deriver derives key material for a derivation context.
type Deriver interface {
	// PublicKey returns the verification key for material derived under
	// the configured key name.
	PublicKey(ctx context.Context) ([]byte, error)
	// DeriveKey returns material for derivationContext, sealed to
	// transportPublicKey when one is given.
	DeriveKey(ctx context.Context, derivationContext, transportPublicKey []byte) ([]byte, error)
}

// HKDFDeriver derives keys locally from a master key with HKDF-SHA256.
// The key name acts as the salt so renaming it yields unrelated keys.
type HKDFDeriver struct {
	master  []byte
	keyName string
}

func NewHKDFDeriver(master []byte, keyName string) (*HKDFDeriver, error) {
	if len(master) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes", MasterKeySize)
	}
	if keyName == "" {
		return nil, fmt.Errorf("key name cannot be empty")
	}
	return &HKDFDeriver{master: append([]byte(nil), master...), keyName: keyName}, nil
}

func (d *HKDFDeriver) PublicKey(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return expand(d.master, []byte(d.keyName), []byte(publicKeyInfo))
}

func (d *HKDFDeriver) DeriveKey(ctx context.Context, derivationContext, transportPublicKey []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	material, err := expand(d.master, []byte(d.keyName), append([]byte(deriveInfo), derivationContext...))
	if err != nil {
		return nil, err
	}
	if len(transportPublicKey) == 0 {
		return material, nil
	}

	// XOR with a pad derived from the transport public key. Anyone holding that
	// key can recompute the pad, so this is an encoding, not protection.
	pad, err := expand(transportPublicKey, []byte(d.keyName), derivationContext)
	if err != nil {
		return nil, err
	}
	for i := range material {
		material[i] ^= pad[i]
	}
	return material, nil
}

func expand(secret, salt, info []byte) ([]byte, error) {
	out := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// LoadMasterKey decodes a base64 master key. An empty value yields a fresh
// random key and generated=true; such a key does not survive restarts.
func LoadMasterKey(encoded string) (key []byte, generated bool, err error) {
	if encoded == "" {
		key = make([]byte, MasterKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, false, fmt.Errorf("failed to generate master key: %w", err)
		}
		return key, true, nil
	}

	key, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("master key is not valid base64: %w", err)
	}
	if len(key) != MasterKeySize {
		return nil, false, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	return key, false, nil
}
