package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// KeyProvider wraps and unwraps data-encryption keys at rest. Cloud KMS
// integrations implement this interface; the static provider ships for
// single-node deployments.
type KeyProvider interface {
	ID() string
	WrapDEK(ctx context.Context, dek []byte) ([]byte, error)
	UnwrapDEK(ctx context.Context, wrapped []byte) ([]byte, error)
}

// StaticKeyProvider wraps DEKs with AES-256-GCM under operator-supplied
// key material.
type StaticKeyProvider struct {
	id  string
	key []byte
}

// NewStaticKeyProvider builds a provider from base64-encoded 32-byte key
// material.
func NewStaticKeyProvider(id, keyB64 string) (*StaticKeyProvider, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding static key material: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("static key material must be 32 bytes, got %d", len(key))
	}
	if id == "" {
		id = "static"
	}
	return &StaticKeyProvider{id: id, key: key}, nil
}

func (p *StaticKeyProvider) ID() string { return p.id }

func (p *StaticKeyProvider) WrapDEK(_ context.Context, dek []byte) ([]byte, error) {
	aead, err := newGCM(p.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrapFailure, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrapFailure, err)
	}
	return append(nonce, aead.Seal(nil, nonce, dek, nil)...), nil
}

func (p *StaticKeyProvider) UnwrapDEK(_ context.Context, wrapped []byte) ([]byte, error) {
	aead, err := newGCM(p.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrapFailure, err)
	}
	if len(wrapped) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: wrapped DEK too short", ErrWrapFailure)
	}
	nonce, sealed := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]
	dek, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrapFailure, err)
	}
	return dek, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
