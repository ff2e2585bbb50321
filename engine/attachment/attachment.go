// Package attachment stores chunk-encrypted blobs and mints HMAC-signed
// download URLs. Blob bytes never touch storage in plaintext; the record
// keeps the plaintext digest and size for integrity checks.
package attachment

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/threadkeep/threadkeep/engine/core"
)

// Record is the metadata row of one stored attachment.
type Record struct {
	ID          core.ID    `json:"id"`
	StorageKey  string     `json:"-"`
	SHA256      string     `json:"sha256"`
	Size        int64      `json:"size"`
	ContentType string     `json:"contentType"`
	FileName    string     `json:"fileName,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Repository is the persistence port for attachment records.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id core.ID) (*Record, error)
	Delete(ctx context.Context, id core.ID) error
	// ListExpired returns records whose expiry passed; the cleanup sweep
	// drains it.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Record, error)
}

// BlobStore is the byte-storage port. Keys are opaque; the filesystem
// implementation ships with the service, object-store backends plug in
// behind the same interface.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// MemoryRepo is the in-process record repository for tests and dev mode.
type MemoryRepo struct {
	mu   sync.Mutex
	recs map[core.ID]*Record
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{recs: make(map[core.ID]*Record)}
}

func (m *MemoryRepo) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.recs[rec.ID] = &cp
	return nil
}

func (m *MemoryRepo) Get(_ context.Context, id core.ID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryRepo) Delete(_ context.Context, id core.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func (m *MemoryRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, rec := range m.recs {
		if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
