package crypto

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

const dekSize = 32

// DEKRecord is the persisted form of the DEK set: the primary key and any
// legacy keys, each wrapped by the key provider identified by ProviderID.
type DEKRecord struct {
	ProviderID    string    `json:"provider_id"`
	WrappedDEK    []byte    `json:"wrapped_dek"`
	WrappedLegacy [][]byte  `json:"wrapped_legacy,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DEKRepository persists the DEK record. InsertIfAbsent must be atomic so
// concurrent bootstraps converge on a single record.
type DEKRepository interface {
	Get(ctx context.Context, providerID string) (*DEKRecord, error)
	InsertIfAbsent(ctx context.Context, record *DEKRecord) (*DEKRecord, error)
	Update(ctx context.Context, record *DEKRecord) error
}

// keySet holds the unwrapped keys for the live process. Reads vastly
// outnumber writes (rotation, refresh), hence the RWMutex.
type keySet struct {
	mu      sync.RWMutex
	primary []byte
	legacy  [][]byte
}

func (k *keySet) snapshot() (primary []byte, legacy [][]byte) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.primary, k.legacy
}

func (k *keySet) replace(primary []byte, legacy [][]byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.primary = primary
	k.legacy = legacy
}

// Bootstrap loads the DEK record for the configured provider, creating a
// fresh one when none exists. Insert-if-absent semantics make concurrent
// replica startups converge on the same record.
func (s *Service) Bootstrap(ctx context.Context) error {
	record, err := s.repo.Get(ctx, s.provider.ID())
	if err != nil {
		return fmt.Errorf("reading DEK record: %w", err)
	}
	if record == nil {
		dek := make([]byte, dekSize)
		if _, err := io.ReadFull(rand.Reader, dek); err != nil {
			return fmt.Errorf("generating DEK: %w", err)
		}
		wrapped, err := s.provider.WrapDEK(ctx, dek)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		record, err = s.repo.InsertIfAbsent(ctx, &DEKRecord{
			ProviderID: s.provider.ID(),
			WrappedDEK: wrapped,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("inserting DEK record: %w", err)
		}
	}
	return s.adoptRecord(ctx, record)
}

// Rotate generates a new primary DEK and demotes the current primary to
// the head of the legacy list.
func (s *Service) Rotate(ctx context.Context) error {
	record, err := s.repo.Get(ctx, s.provider.ID())
	if err != nil {
		return fmt.Errorf("reading DEK record: %w", err)
	}
	if record == nil {
		return fmt.Errorf("no DEK record to rotate")
	}
	dek := make([]byte, dekSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return fmt.Errorf("generating DEK: %w", err)
	}
	wrapped, err := s.provider.WrapDEK(ctx, dek)
	if err != nil {
		return err
	}
	record.WrappedLegacy = append([][]byte{record.WrappedDEK}, record.WrappedLegacy...)
	record.WrappedDEK = wrapped
	record.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, record); err != nil {
		return fmt.Errorf("updating DEK record: %w", err)
	}
	return s.adoptRecord(ctx, record)
}

// refreshKeys re-reads the DEK record; Decrypt uses it once when every
// cached key fails, which covers rotation performed by another replica.
func (s *Service) refreshKeys(ctx context.Context) error {
	var record *DEKRecord
	err := retry.Do(ctx, retry.WithMaxRetries(1, retry.NewConstant(100*time.Millisecond)),
		func(ctx context.Context) error {
			r, err := s.repo.Get(ctx, s.provider.ID())
			if err != nil {
				return retry.RetryableError(err)
			}
			record = r
			return nil
		})
	if err != nil {
		return fmt.Errorf("re-reading DEK record: %w", err)
	}
	if record == nil {
		return fmt.Errorf("DEK record disappeared for provider %s", s.provider.ID())
	}
	return s.adoptRecord(ctx, record)
}

func (s *Service) adoptRecord(ctx context.Context, record *DEKRecord) error {
	primary, err := s.provider.UnwrapDEK(ctx, record.WrappedDEK)
	if err != nil {
		return err
	}
	legacy := make([][]byte, 0, len(record.WrappedLegacy))
	for _, wrapped := range record.WrappedLegacy {
		dek, err := s.provider.UnwrapDEK(ctx, wrapped)
		if err != nil {
			return err
		}
		legacy = append(legacy, dek)
	}
	s.keys.replace(primary, legacy)
	return nil
}
