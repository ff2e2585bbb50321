package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/threadkeep/threadkeep/engine/crypto"
)

// DEKRepo implements crypto.DEKRepository. The legacy key list is stored
// as a JSON array of base64 strings, which json.Marshal produces for
// [][]byte.
type DEKRepo struct {
	db DBInterface
}

func NewDEKRepo(db DBInterface) *DEKRepo {
	return &DEKRepo{db: db}
}

type dekRow struct {
	ProviderID    string    `db:"provider_id"`
	WrappedDEK    []byte    `db:"wrapped_dek"`
	WrappedLegacy []byte    `db:"wrapped_legacy"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (row *dekRow) toModel() (*crypto.DEKRecord, error) {
	record := &crypto.DEKRecord{
		ProviderID: row.ProviderID,
		WrappedDEK: row.WrappedDEK,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
	if len(row.WrappedLegacy) > 0 {
		if err := json.Unmarshal(row.WrappedLegacy, &record.WrappedLegacy); err != nil {
			return nil, fmt.Errorf("unmarshaling legacy DEKs: %w", err)
		}
	}
	return record, nil
}

func marshalLegacy(legacy [][]byte) ([]byte, error) {
	if legacy == nil {
		legacy = [][]byte{}
	}
	data, err := json.Marshal(legacy)
	if err != nil {
		return nil, fmt.Errorf("marshaling legacy DEKs: %w", err)
	}
	return data, nil
}

func (r *DEKRepo) Get(ctx context.Context, providerID string) (*crypto.DEKRecord, error) {
	query, args, err := builder().
		Select("provider_id", "wrapped_dek", "wrapped_legacy", "created_at", "updated_at").
		From("dek_records").
		Where(sq.Eq{"provider_id": providerID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building DEK query: %w", err)
	}
	var row dekRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying DEK record: %w", err)
	}
	return row.toModel()
}

func (r *DEKRepo) InsertIfAbsent(ctx context.Context, record *crypto.DEKRecord) (*crypto.DEKRecord, error) {
	legacy, err := marshalLegacy(record.WrappedLegacy)
	if err != nil {
		return nil, err
	}
	query, args, err := builder().
		Insert("dek_records").
		Columns("provider_id", "wrapped_dek", "wrapped_legacy", "created_at", "updated_at").
		Values(record.ProviderID, record.WrappedDEK, legacy, record.CreatedAt, record.UpdatedAt).
		Suffix("ON CONFLICT (provider_id) DO NOTHING").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building DEK insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("inserting DEK record: %w", err)
	}
	// Re-read so a lost insert race returns the winner's record.
	stored, err := r.Get(ctx, record.ProviderID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("DEK record missing after insert for provider %s", record.ProviderID)
	}
	return stored, nil
}

func (r *DEKRepo) Update(ctx context.Context, record *crypto.DEKRecord) error {
	legacy, err := marshalLegacy(record.WrappedLegacy)
	if err != nil {
		return err
	}
	query, args, err := builder().
		Update("dek_records").
		Set("wrapped_dek", record.WrappedDEK).
		Set("wrapped_legacy", legacy).
		Set("updated_at", record.UpdatedAt).
		Where(sq.Eq{"provider_id": record.ProviderID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building DEK update: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("updating DEK record: %w", err)
	}
	return nil
}
