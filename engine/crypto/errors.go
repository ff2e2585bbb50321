package crypto

import "errors"

var (
	// ErrWrapFailure signals that the key-management provider could not
	// wrap or unwrap a DEK.
	ErrWrapFailure = errors.New("key provider wrap failure")
	// ErrCiphertextMalformed signals bytes that do not carry a valid MSEH
	// header or frame.
	ErrCiphertextMalformed = errors.New("ciphertext malformed")
	// ErrAllKeysFailed signals that no live DEK could decrypt the payload,
	// even after re-reading the DEK record.
	ErrAllKeysFailed = errors.New("all decryption keys failed")
)
