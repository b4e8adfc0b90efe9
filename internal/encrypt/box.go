// Package encrypt seals small values (tokens, keys) for storage at rest.
// Values are CBOR encoded and sealed with nacl/secretbox under a 32-byte key.
package encrypt

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	nonceSize = 24
)

var TestKey = []byte("skyfeed-session-key-0123456789ab")

// Box seals and opens values with a fixed key.
type Box struct {
	key [KeySize]byte
}

func NewBox(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes, got %d", KeySize, len(key))
	}
	b := &Box{}
	copy(b.key[:], key)
	return b, nil
}

// Seal CBOR-encodes v and returns the sealed, base64url encoded result.
func (b *Box) Seal(v any) (string, error) {
	var buf bytes.Buffer
	if err := cbor.NewEncoder(&buf).Encode(v); err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], buf.Bytes(), &nonce, &b.key)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. A nil v only authenticates the token.
func (b *Box) Open(token string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("invalid sealed value: %w", err)
	}
	if len(raw) < nonceSize {
		return fmt.Errorf("invalid sealed value: data too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	opened, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return fmt.Errorf("invalid sealed value: authentication failed")
	}
	if v == nil {
		return nil
	}
	return cbor.NewDecoder(bytes.NewReader(opened)).Decode(v)
}

// ParseKey decodes a standard base64 key as produced by GenerateKey.
func ParseKey(key string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(decoded) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes, got %d", KeySize, len(decoded))
	}
	return decoded, nil
}

func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
