// Package secrets encrypts per-trigger secret maps with a symmetric key.
// The ciphertext is what the trigger table stores; plaintext only exists
// while synthesizing run definitions.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const keySize = 32

// Vault holds the symmetric key used for trigger secret maps.
type Vault struct {
	key [keySize]byte
}

// NewVault parses a 64-char hex key. The key comes from configuration and
// must never be persisted next to the data it protects.
func NewVault(hexKey string) (*Vault, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode secrets key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("secrets key must be %d bytes, got %d", keySize, len(raw))
	}
	v := &Vault{}
	copy(v.key[:], raw)
	return v, nil
}

// GenerateKey returns a fresh hex-encoded vault key.
func GenerateKey() (string, error) {
	raw := make([]byte, keySize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate secrets key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Validate enforces the stored-secret shape: a flat mapping of string to
// string. Anything else is a client error at trigger creation time.
func Validate(m map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("secret %q: value must be a string", k)
		}
		out[k] = s
	}
	return out, nil
}

// Encrypt seals a secrets map. Output is nonce-prefixed ciphertext.
func (v *Vault) Encrypt(m map[string]string) ([]byte, error) {
	plain, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal secrets: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &v.key), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (v *Vault) Decrypt(sealed []byte) (map[string]string, error) {
	if len(sealed) < 24 {
		return nil, fmt.Errorf("sealed secrets too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &v.key)
	if !ok {
		return nil, fmt.Errorf("sealed secrets failed authentication")
	}
	var m map[string]string
	if err := json.Unmarshal(plain, &m); err != nil {
		return nil, fmt.Errorf("unmarshal secrets: %w", err)
	}
	return m, nil
}
