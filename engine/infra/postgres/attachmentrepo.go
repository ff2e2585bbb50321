package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/threadkeep/threadkeep/engine/attachment"
	"github.com/threadkeep/threadkeep/engine/core"
)

// AttachmentRepo implements attachment.Repository.
type AttachmentRepo struct {
	db DBInterface
}

func NewAttachmentRepo(db DBInterface) *AttachmentRepo {
	return &AttachmentRepo{db: db}
}

type attachmentRow struct {
	ID          string     `db:"id"`
	StorageKey  string     `db:"storage_key"`
	SHA256      string     `db:"sha256"`
	Size        int64      `db:"size"`
	ContentType string     `db:"content_type"`
	FileName    string     `db:"file_name"`
	CreatedAt   time.Time  `db:"created_at"`
	ExpiresAt   *time.Time `db:"expires_at"`
}

func (row *attachmentRow) toModel() *attachment.Record {
	return &attachment.Record{
		ID:          core.ID(row.ID),
		StorageKey:  row.StorageKey,
		SHA256:      row.SHA256,
		Size:        row.Size,
		ContentType: row.ContentType,
		FileName:    row.FileName,
		CreatedAt:   row.CreatedAt,
		ExpiresAt:   row.ExpiresAt,
	}
}

const attachmentColumns = "id, storage_key, sha256, size, content_type, file_name, created_at, expires_at"

func (r *AttachmentRepo) Create(ctx context.Context, rec *attachment.Record) error {
	query, args, err := builder().
		Insert("attachments").
		Columns("id", "storage_key", "sha256", "size", "content_type", "file_name", "created_at", "expires_at").
		Values(string(rec.ID), rec.StorageKey, rec.SHA256, rec.Size,
			rec.ContentType, rec.FileName, rec.CreatedAt, rec.ExpiresAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building attachment insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting attachment: %w", err)
	}
	return nil
}

func (r *AttachmentRepo) Get(ctx context.Context, id core.ID) (*attachment.Record, error) {
	query, args, err := builder().
		Select(attachmentColumns).
		From("attachments").
		Where(sq.Eq{"id": string(id)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building attachment query: %w", err)
	}
	var row attachmentRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying attachment: %w", err)
	}
	return row.toModel(), nil
}

func (r *AttachmentRepo) Delete(ctx context.Context, id core.ID) error {
	query, args, err := builder().
		Delete("attachments").
		Where(sq.Eq{"id": string(id)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building attachment delete: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting attachment: %w", err)
	}
	return nil
}

func (r *AttachmentRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*attachment.Record, error) {
	query, args, err := builder().
		Select(attachmentColumns).
		From("attachments").
		Where("expires_at IS NOT NULL").
		Where(sq.LtOrEq{"expires_at": now}).
		OrderBy("expires_at ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building expired attachment query: %w", err)
	}
	var rows []*attachmentRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing expired attachments: %w", err)
	}
	out := make([]*attachment.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}
