package crypto

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
)

// MSEH (Memory-Service Encryption Header) framing, version 1:
//
//	magic(4)="MSEH" | version(1) | providerLen(1) | providerID | nonce(12)
//
// The AES-256-GCM payload follows the header. Stream mode repeats
// length-prefixed frames after a nonce-less header instead.
var msehMagic = []byte("MSEH")

const (
	msehVersion   = 1
	gcmNonceSize  = 12
	maxProviderID = 255
)

// Service seals and unseals opaque byte payloads with the live DEK set.
type Service struct {
	provider KeyProvider
	repo     DEKRepository
	keys     keySet
}

// NewService wires the envelope to a key provider and the DEK record
// store. Call Bootstrap before first use.
func NewService(provider KeyProvider, repo DEKRepository) (*Service, error) {
	if provider == nil {
		return nil, fmt.Errorf("key provider is required")
	}
	if len(provider.ID()) > maxProviderID {
		return nil, fmt.Errorf("provider id exceeds %d bytes", maxProviderID)
	}
	if repo == nil {
		return nil, fmt.Errorf("DEK repository is required")
	}
	return &Service{provider: provider, repo: repo}, nil
}

func (s *Service) header(nonce []byte) []byte {
	providerID := s.provider.ID()
	buf := make([]byte, 0, len(msehMagic)+2+len(providerID)+len(nonce))
	buf = append(buf, msehMagic...)
	buf = append(buf, msehVersion, byte(len(providerID)))
	buf = append(buf, providerID...)
	buf = append(buf, nonce...)
	return buf
}

// parseHeader validates the MSEH prefix and returns the nonce (nonceLen
// bytes) plus the remaining payload.
func parseHeader(data []byte, nonceLen int) (nonce, payload []byte, err error) {
	if len(data) < len(msehMagic)+2 {
		return nil, nil, fmt.Errorf("%w: truncated header", ErrCiphertextMalformed)
	}
	if !bytes.Equal(data[:len(msehMagic)], msehMagic) {
		return nil, nil, fmt.Errorf("%w: bad magic", ErrCiphertextMalformed)
	}
	rest := data[len(msehMagic):]
	if rest[0] != msehVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrCiphertextMalformed, rest[0])
	}
	provLen := int(rest[1])
	rest = rest[2:]
	if len(rest) < provLen+nonceLen {
		return nil, nil, fmt.Errorf("%w: truncated header", ErrCiphertextMalformed)
	}
	rest = rest[provLen:]
	return rest[:nonceLen], rest[nonceLen:], nil
}

// Encrypt seals plaintext under the primary DEK and prefixes the MSEH
// header.
func (s *Service) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	primary, _ := s.keys.snapshot()
	if primary == nil {
		return nil, fmt.Errorf("encryption service not bootstrapped")
	}
	aead, err := newGCM(primary)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return append(s.header(nonce), aead.Seal(nil, nonce, plaintext, nil)...), nil
}

// Decrypt unseals MSEH ciphertext. The primary DEK is tried first, then
// each legacy DEK in order; on total failure the DEK record is re-read
// once and the whole set retried, which recovers decrypts racing a
// rotation on another replica.
func (s *Service) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	nonce, payload, err := parseHeader(ciphertext, gcmNonceSize)
	if err != nil {
		return nil, err
	}
	if plaintext, ok := s.tryKeys(nonce, payload); ok {
		return plaintext, nil
	}
	if err := s.refreshKeys(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllKeysFailed, err)
	}
	if plaintext, ok := s.tryKeys(nonce, payload); ok {
		return plaintext, nil
	}
	return nil, ErrAllKeysFailed
}

func (s *Service) tryKeys(nonce, payload []byte) ([]byte, bool) {
	primary, legacy := s.keys.snapshot()
	for _, key := range append([][]byte{primary}, legacy...) {
		if key == nil {
			continue
		}
		aead, err := newGCM(key)
		if err != nil {
			continue
		}
		if plaintext, err := aead.Open(nil, nonce, payload, nil); err == nil {
			return plaintext, true
		}
	}
	return nil, false
}
