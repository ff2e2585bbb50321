package crypto

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDEKRepo struct {
	mu      sync.Mutex
	records map[string]*DEKRecord
}

func newMemDEKRepo() *memDEKRepo {
	return &memDEKRepo{records: make(map[string]*DEKRecord)}
}

func (m *memDEKRepo) Get(_ context.Context, providerID string) (*DEKRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[providerID]
	if !ok {
		return nil, nil
	}
	cp := *record
	return &cp, nil
}

func (m *memDEKRepo) InsertIfAbsent(_ context.Context, record *DEKRecord) (*DEKRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[record.ProviderID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *record
	m.records[record.ProviderID] = &cp
	out := cp
	return &out, nil
}

func (m *memDEKRepo) Update(_ context.Context, record *DEKRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *record
	m.records[record.ProviderID] = &cp
	return nil
}

func testKeyMaterial(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(key)
}

func newTestService(t *testing.T, repo DEKRepository, keyB64 string) *Service {
	t.Helper()
	provider, err := NewStaticKeyProvider("static", keyB64)
	require.NoError(t, err)
	svc, err := NewService(provider, repo)
	require.NoError(t, err)
	require.NoError(t, svc.Bootstrap(context.Background()))
	return svc
}

func TestEnvelopeRoundtrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newMemDEKRepo(), testKeyMaterial(t))

	t.Run("Should roundtrip plaintext through the envelope", func(t *testing.T) {
		plaintext := []byte("conversation title with unicode: héllo")
		ciphertext, err := svc.Encrypt(ctx, plaintext)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(ciphertext, []byte("MSEH")))
		assert.NotContains(t, string(ciphertext), "héllo")
		got, err := svc.Decrypt(ctx, ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	})

	t.Run("Should roundtrip empty plaintext", func(t *testing.T) {
		ciphertext, err := svc.Encrypt(ctx, nil)
		require.NoError(t, err)
		got, err := svc.Decrypt(ctx, ciphertext)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("Should reject non-MSEH bytes", func(t *testing.T) {
		_, err := svc.Decrypt(ctx, []byte("plain old bytes, definitely not sealed"))
		require.ErrorIs(t, err, ErrCiphertextMalformed)
	})

	t.Run("Should reject truncated ciphertext", func(t *testing.T) {
		ciphertext, err := svc.Encrypt(ctx, []byte("payload"))
		require.NoError(t, err)
		_, err = svc.Decrypt(ctx, ciphertext[:6])
		require.ErrorIs(t, err, ErrCiphertextMalformed)
	})
}

func TestRotation(t *testing.T) {
	ctx := context.Background()
	repo := newMemDEKRepo()
	key := testKeyMaterial(t)
	svc := newTestService(t, repo, key)

	t.Run("Should decrypt pre-rotation ciphertext via legacy key", func(t *testing.T) {
		plaintext := []byte("sealed before rotation")
		ciphertext, err := svc.Encrypt(ctx, plaintext)
		require.NoError(t, err)
		require.NoError(t, svc.Rotate(ctx))
		got, err := svc.Decrypt(ctx, ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	})

	t.Run("Should recover from rotation performed by another replica", func(t *testing.T) {
		other := newTestService(t, repo, key)
		require.NoError(t, other.Rotate(ctx))
		ciphertext, err := other.Encrypt(ctx, []byte("sealed by other replica"))
		require.NoError(t, err)
		// svc still holds the stale key set; the refresh path recovers.
		got, err := svc.Decrypt(ctx, ciphertext)
		require.NoError(t, err)
		assert.Equal(t, []byte("sealed by other replica"), got)
	})

	t.Run("Should fail with AllKeysFailed for foreign ciphertext", func(t *testing.T) {
		foreign := newTestService(t, newMemDEKRepo(), testKeyMaterial(t))
		ciphertext, err := foreign.Encrypt(ctx, []byte("foreign"))
		require.NoError(t, err)
		_, err = svc.Decrypt(ctx, ciphertext)
		require.ErrorIs(t, err, ErrAllKeysFailed)
	})
}

func TestBootstrap(t *testing.T) {
	t.Run("Should converge concurrent bootstraps on one record", func(t *testing.T) {
		ctx := context.Background()
		repo := newMemDEKRepo()
		key := testKeyMaterial(t)
		a := newTestService(t, repo, key)
		b := newTestService(t, repo, key)
		ciphertext, err := a.Encrypt(ctx, []byte("cross-replica"))
		require.NoError(t, err)
		got, err := b.Decrypt(ctx, ciphertext)
		require.NoError(t, err)
		assert.Equal(t, []byte("cross-replica"), got)
	})
}

func TestStream(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newMemDEKRepo(), testKeyMaterial(t))

	t.Run("Should roundtrip multi-chunk payloads", func(t *testing.T) {
		plaintext := make([]byte, 300*1024)
		_, err := rand.Read(plaintext)
		require.NoError(t, err)
		var sealed bytes.Buffer
		require.NoError(t, svc.EncryptStream(ctx, &sealed, bytes.NewReader(plaintext), 64*1024))
		var got bytes.Buffer
		require.NoError(t, svc.DecryptStream(ctx, &got, bytes.NewReader(sealed.Bytes())))
		assert.Equal(t, plaintext, got.Bytes())
	})

	t.Run("Should decrypt streams sealed before rotation", func(t *testing.T) {
		var sealed bytes.Buffer
		require.NoError(t, svc.EncryptStream(ctx, &sealed, bytes.NewReader([]byte("chunked")), 4))
		require.NoError(t, svc.Rotate(ctx))
		var got bytes.Buffer
		require.NoError(t, svc.DecryptStream(ctx, &got, bytes.NewReader(sealed.Bytes())))
		assert.Equal(t, "chunked", got.String())
	})

	t.Run("Should reject truncated streams", func(t *testing.T) {
		var sealed bytes.Buffer
		require.NoError(t, svc.EncryptStream(ctx, &sealed, bytes.NewReader([]byte("payload")), 4))
		var got bytes.Buffer
		err := svc.DecryptStream(ctx, &got, bytes.NewReader(sealed.Bytes()[:sealed.Len()-3]))
		require.ErrorIs(t, err, ErrCiphertextMalformed)
	})
}

func TestAttachmentSigning(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newMemDEKRepo(), testKeyMaterial(t))

	t.Run("Should verify signatures minted before rotation", func(t *testing.T) {
		payload := []byte("attachment-id|expiry")
		tag, err := svc.SignPayload(payload)
		require.NoError(t, err)
		require.NoError(t, svc.Rotate(ctx))
		ok, err := svc.VerifyPayload(payload, tag)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Should reject tampered payloads", func(t *testing.T) {
		tag, err := svc.SignPayload([]byte("original"))
		require.NoError(t, err)
		ok, err := svc.VerifyPayload([]byte("tampered"), tag)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
