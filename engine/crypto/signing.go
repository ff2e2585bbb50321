package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// attachmentSigningInfo is the fixed HKDF info string; changing it would
// invalidate every outstanding signed URL.
const attachmentSigningInfo = "threadkeep/attachment-url-signing/v1"

// AttachmentSigningKeys derives one HMAC key per live DEK (primary first)
// with HKDF-SHA256. Signatures minted under a key that has since become
// legacy keep verifying until the DEK is retired, so signed download URLs
// survive rotation.
func (s *Service) AttachmentSigningKeys() ([][]byte, error) {
	primary, legacy := s.keys.snapshot()
	if primary == nil {
		return nil, fmt.Errorf("encryption service not bootstrapped")
	}
	deks := append([][]byte{primary}, legacy...)
	keys := make([][]byte, 0, len(deks))
	for _, dek := range deks {
		key := make([]byte, 32)
		kdf := hkdf.New(sha256.New, dek, nil, []byte(attachmentSigningInfo))
		if _, err := io.ReadFull(kdf, key); err != nil {
			return nil, fmt.Errorf("deriving signing key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// SignPayload computes an HMAC-SHA256 tag with the current primary
// signing key.
func (s *Service) SignPayload(payload []byte) ([]byte, error) {
	keys, err := s.AttachmentSigningKeys()
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, keys[0])
	mac.Write(payload)
	return mac.Sum(nil), nil
}

// VerifyPayload accepts a tag minted under any live signing key.
func (s *Service) VerifyPayload(payload, tag []byte) (bool, error) {
	keys, err := s.AttachmentSigningKeys()
	if err != nil {
		return false, err
	}
	for _, key := range keys {
		mac := hmac.New(sha256.New, key)
		mac.Write(payload)
		if hmac.Equal(mac.Sum(nil), tag) {
			return true, nil
		}
	}
	return false, nil
}
