package attachment

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/crypto"
)

type memDEKRepo struct {
	mu      sync.Mutex
	records map[string]*crypto.DEKRecord
}

func (m *memDEKRepo) Get(_ context.Context, providerID string) (*crypto.DEKRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[providerID], nil
}

func (m *memDEKRepo) InsertIfAbsent(_ context.Context, record *crypto.DEKRecord) (*crypto.DEKRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[record.ProviderID]; ok {
		return existing, nil
	}
	m.records[record.ProviderID] = record
	return record, nil
}

func (m *memDEKRepo) Update(_ context.Context, record *crypto.DEKRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ProviderID] = record
	return nil
}

func newTestCrypto(t *testing.T) *crypto.Service {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	provider, err := crypto.NewStaticKeyProvider("static", base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	svc, err := crypto.NewService(provider, &memDEKRepo{records: make(map[string]*crypto.DEKRecord)})
	require.NoError(t, err)
	require.NoError(t, svc.Bootstrap(context.Background()))
	return svc
}

func newTestService(t *testing.T) (*Service, *FSStore, string) {
	t.Helper()
	dir := t.TempDir()
	blobs, err := NewFSStore(dir)
	require.NoError(t, err)
	return NewService(NewMemoryRepo(), blobs, newTestCrypto(t)), blobs, dir
}

func TestUploadDownload(t *testing.T) {
	ctx := context.Background()
	t.Run("Should round-trip attachment bytes", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		payload := make([]byte, 300*1024)
		_, err := rand.Read(payload)
		require.NoError(t, err)
		rec, err := svc.Upload(ctx, bytes.NewReader(payload), UploadInput{
			FileName: "report.pdf", ContentType: "application/pdf",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(len(payload)), rec.Size)
		digest := sha256.Sum256(payload)
		assert.Equal(t, hex.EncodeToString(digest[:]), rec.SHA256)
		got, stream, err := svc.Download(ctx, rec.ID)
		require.NoError(t, err)
		defer stream.Close()
		assert.Equal(t, "application/pdf", got.ContentType)
		out, err := io.ReadAll(stream)
		require.NoError(t, err)
		assert.Equal(t, payload, out)
	})
	t.Run("Should never store plaintext on disk", func(t *testing.T) {
		svc, _, dir := newTestService(t)
		payload := []byte(strings.Repeat("very secret attachment body ", 64))
		rec, err := svc.Upload(ctx, bytes.NewReader(payload), UploadInput{ContentType: "text/plain"})
		require.NoError(t, err)
		raw, err := os.ReadFile(filepath.Join(dir, rec.StorageKey[:2], rec.StorageKey))
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "very secret")
	})
	t.Run("Should treat expired attachments as missing", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		rec, err := svc.Upload(ctx, strings.NewReader("short-lived"), UploadInput{TTL: time.Nanosecond})
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
		_, _, err = svc.Download(ctx, rec.ID)
		assert.True(t, core.IsNotFound(err))
	})
	t.Run("Should return not found for unknown ids", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		_, _, err := svc.Download(ctx, core.NewID())
		assert.True(t, core.IsNotFound(err))
	})
}

func TestSignedURLs(t *testing.T) {
	parse := func(t *testing.T, signed string) (core.ID, int64, string) {
		t.Helper()
		u, err := url.Parse(signed)
		require.NoError(t, err)
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		require.GreaterOrEqual(t, len(parts), 2)
		id, expires, sig, err := ParseDownloadToken(parts[len(parts)-2])
		require.NoError(t, err)
		return id, expires, sig
	}
	t.Run("Should verify a freshly minted URL", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		id := core.NewID()
		signed, err := svc.SignedURL(id, "report.pdf", time.Hour)
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(signed, "/report.pdf"))
		gotID, expires, sig := parse(t, signed)
		assert.Equal(t, id, gotID)
		assert.NoError(t, svc.VerifySignature(id, expires, sig))
	})
	t.Run("Should reject expired URLs", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		id := core.NewID()
		signed, err := svc.SignedURL(id, "a.txt", -time.Minute)
		require.NoError(t, err)
		_, expires, sig := parse(t, signed)
		err = svc.VerifySignature(id, expires, sig)
		assert.Equal(t, core.KindAccessDenied, core.KindOf(err))
	})
	t.Run("Should reject a tampered expiry", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		id := core.NewID()
		signed, err := svc.SignedURL(id, "a.txt", time.Hour)
		require.NoError(t, err)
		_, expires, sig := parse(t, signed)
		err = svc.VerifySignature(id, expires+3600, sig)
		assert.Equal(t, core.KindAccessDenied, core.KindOf(err))
	})
	t.Run("Should reject a signature minted for another attachment", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		signed, err := svc.SignedURL(core.NewID(), "a.txt", time.Hour)
		require.NoError(t, err)
		_, expires, sig := parse(t, signed)
		err = svc.VerifySignature(core.NewID(), expires, sig)
		assert.Equal(t, core.KindAccessDenied, core.KindOf(err))
	})
	t.Run("Should reject malformed tokens", func(t *testing.T) {
		_, _, _, err := ParseDownloadToken("not-a-token")
		assert.Equal(t, core.KindAccessDenied, core.KindOf(err))
	})
	t.Run("Should keep URLs valid across key rotation", func(t *testing.T) {
		dir := t.TempDir()
		blobs, err := NewFSStore(dir)
		require.NoError(t, err)
		cryptoSvc := newTestCrypto(t)
		svc := NewService(NewMemoryRepo(), blobs, cryptoSvc)
		id := core.NewID()
		signed, err := svc.SignedURL(id, "a.txt", time.Hour)
		require.NoError(t, err)
		require.NoError(t, cryptoSvc.Rotate(context.Background()))
		_, expires, sig := parse(t, signed)
		assert.NoError(t, svc.VerifySignature(id, expires, sig))
	})
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	t.Run("Should delete expired blobs and records only", func(t *testing.T) {
		svc, blobs, _ := newTestService(t)
		expired, err := svc.Upload(ctx, strings.NewReader("old"), UploadInput{TTL: time.Nanosecond})
		require.NoError(t, err)
		fresh, err := svc.Upload(ctx, strings.NewReader("new"), UploadInput{TTL: time.Hour})
		require.NoError(t, err)
		forever, err := svc.Upload(ctx, strings.NewReader("keep"), UploadInput{})
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
		deleted, err := svc.Sweep(ctx, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)
		_, err = blobs.Open(ctx, expired.StorageKey)
		assert.Error(t, err)
		for _, rec := range []*Record{fresh, forever} {
			_, stream, err := svc.Download(ctx, rec.ID)
			require.NoError(t, err)
			stream.Close()
		}
	})
}
