package crypto

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// Stream framing inside MSEH: each frame is
//
//	len(4, big-endian) | nonce(12) | sealed_chunk
//
// so large attachments encrypt and decrypt without buffering the whole
// payload. The MSEH header (without nonce) is written once up front.
const maxFrameSize = 16 << 20

// EncryptStream copies r to w, sealing chunkSize-byte chunks under the
// primary DEK.
func (s *Service) EncryptStream(_ context.Context, w io.Writer, r io.Reader, chunkSize int) error {
	primary, _ := s.keys.snapshot()
	if primary == nil {
		return fmt.Errorf("encryption service not bootstrapped")
	}
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	aead, err := newGCM(primary)
	if err != nil {
		return err
	}
	if _, err := w.Write(s.header(nil)); err != nil {
		return fmt.Errorf("writing stream header: %w", err)
	}
	buf := make([]byte, chunkSize)
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if err := writeFrame(w, aead, buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("reading plaintext stream: %w", readErr)
		}
	}
}

// DecryptStream reverses EncryptStream. Frames sealed under a legacy DEK
// still decrypt; the DEK record is re-read once when the whole set fails
// on the first frame.
func (s *Service) DecryptStream(ctx context.Context, w io.Writer, r io.Reader) error {
	header := make([]byte, len(msehMagic)+2)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("%w: truncated stream header", ErrCiphertextMalformed)
	}
	if !bytes.Equal(header[:len(msehMagic)], msehMagic) {
		return fmt.Errorf("%w: bad magic", ErrCiphertextMalformed)
	}
	if header[len(msehMagic)] != msehVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCiphertextMalformed, header[len(msehMagic)])
	}
	provLen := int(header[len(msehMagic)+1])
	if provLen > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(provLen)); err != nil {
			return fmt.Errorf("%w: truncated provider id", ErrCiphertextMalformed)
		}
	}
	refreshed := false
	for {
		frame, nonce, err := readFrame(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		plaintext, ok := s.tryKeys(nonce, frame)
		if !ok && !refreshed {
			refreshed = true
			if refreshErr := s.refreshKeys(ctx); refreshErr == nil {
				plaintext, ok = s.tryKeys(nonce, frame)
			}
		}
		if !ok {
			return ErrAllKeysFailed
		}
		if _, err := w.Write(plaintext); err != nil {
			return fmt.Errorf("writing plaintext stream: %w", err)
		}
	}
}

func writeFrame(w io.Writer, aead cipher.AEAD, chunk []byte) error {
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, chunk, nil)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
	for _, part := range [][]byte{lenBuf[:], nonce, sealed} {
		if _, err := w.Write(part); err != nil {
			return fmt.Errorf("writing frame: %w", err)
		}
	}
	return nil
}

func readFrame(r io.Reader) (sealed, nonce []byte, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, nil, io.EOF
		}
		return nil, nil, fmt.Errorf("%w: truncated frame length", ErrCiphertextMalformed)
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen == 0 || frameLen > maxFrameSize {
		return nil, nil, fmt.Errorf("%w: implausible frame length %d", ErrCiphertextMalformed, frameLen)
	}
	nonce = make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: truncated frame nonce", ErrCiphertextMalformed)
	}
	sealed = make([]byte, frameLen)
	if _, err := io.ReadFull(r, sealed); err != nil {
		return nil, nil, fmt.Errorf("%w: truncated frame payload", ErrCiphertextMalformed)
	}
	return sealed, nonce, nil
}
