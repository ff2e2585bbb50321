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

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/crypto"
)

// EntryRepo implements conversation.EntryRepository on Postgres. Entry
// content is envelope-encrypted as a single JSON blob per row.
type EntryRepo struct {
	db     DBInterface
	crypto *crypto.Service
}

func NewEntryRepo(db DBInterface, cryptoSvc *crypto.Service) *EntryRepo {
	return &EntryRepo{db: db, crypto: cryptoSvc}
}

type entryRow struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	GroupID        string    `db:"conversation_group_id"`
	UserID         *string   `db:"user_id"`
	ClientID       *string   `db:"client_id"`
	Channel        string    `db:"channel"`
	MemoryEpoch    *int64    `db:"memory_epoch"`
	ContentEnc     []byte    `db:"content_enc"`
	ContentType    string    `db:"content_type"`
	CreatedAt      time.Time `db:"created_at"`
}

const entryColumns = "id, conversation_id, conversation_group_id, user_id, client_id, " +
	"channel, memory_epoch, content_enc, content_type, created_at"

func (r *EntryRepo) toModel(ctx context.Context, row *entryRow) (*conversation.Entry, error) {
	plain, err := r.crypto.Decrypt(ctx, row.ContentEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypting entry content: %w", err)
	}
	var content []conversation.ContentBlock
	if err := json.Unmarshal(plain, &content); err != nil {
		return nil, fmt.Errorf("unmarshaling entry content: %w", err)
	}
	return &conversation.Entry{
		ID:             core.ID(row.ID),
		ConversationID: core.ID(row.ConversationID),
		GroupID:        core.ID(row.GroupID),
		UserID:         row.UserID,
		ClientID:       row.ClientID,
		Channel:        conversation.Channel(row.Channel),
		MemoryEpoch:    row.MemoryEpoch,
		Content:        content,
		ContentType:    row.ContentType,
		CreatedAt:      row.CreatedAt,
	}, nil
}

func (r *EntryRepo) toModels(ctx context.Context, rows []*entryRow) ([]*conversation.Entry, error) {
	out := make([]*conversation.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := r.toModel(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (r *EntryRepo) Append(ctx context.Context, entries []*conversation.Entry, touch bool) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		for _, entry := range entries {
			plain, err := json.Marshal(entry.Content)
			if err != nil {
				return fmt.Errorf("marshaling entry content: %w", err)
			}
			contentEnc, err := r.crypto.Encrypt(ctx, plain)
			if err != nil {
				return fmt.Errorf("encrypting entry content: %w", err)
			}
			query, args, err := builder().
				Insert("entries").
				Columns("id", "conversation_id", "conversation_group_id", "user_id", "client_id",
					"channel", "memory_epoch", "content_enc", "content_type", "created_at").
				Values(string(entry.ID), string(entry.ConversationID), string(entry.GroupID),
					entry.UserID, entry.ClientID, string(entry.Channel), entry.MemoryEpoch,
					contentEnc, entry.ContentType, entry.CreatedAt).
				ToSql()
			if err != nil {
				return fmt.Errorf("building entry insert: %w", err)
			}
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return fmt.Errorf("inserting entry: %w", err)
			}
		}
		if touch && len(entries) > 0 {
			query, args, err := builder().
				Update("conversations").
				Set("updated_at", entries[len(entries)-1].CreatedAt).
				Where(sq.Eq{"id": string(entries[0].ConversationID)}).
				ToSql()
			if err != nil {
				return fmt.Errorf("building touch update: %w", err)
			}
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return fmt.Errorf("touching conversation: %w", err)
			}
		}
		return nil
	})
}

func (r *EntryRepo) List(ctx context.Context, filter *conversation.EntryFilter) ([]*conversation.Entry, error) {
	qb := builder().
		Select(entryColumns).
		From("entries").
		Where(sq.Eq{"conversation_id": string(filter.ConversationID)})
	if filter.Channel != nil {
		qb = qb.Where(sq.Eq{"channel": string(*filter.Channel)})
	}
	if filter.ClientID != nil {
		qb = qb.Where(sq.Eq{"client_id": *filter.ClientID})
	}
	switch filter.Epoch.Kind {
	case conversation.EpochExact:
		qb = qb.Where(sq.Eq{"memory_epoch": filter.Epoch.N})
	case conversation.EpochAll, conversation.EpochLatest:
		// EpochLatest is resolved to EpochExact by the caller.
	}
	if !filter.After.IsZero() {
		qb = qb.Where("(created_at, id) > (?, ?)", filter.After.Time, string(filter.After.ID))
	}
	qb = qb.OrderBy("created_at ASC", "id ASC")
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building entry list query: %w", err)
	}
	var rows []*entryRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	return r.toModels(ctx, rows)
}

func (r *EntryRepo) Get(ctx context.Context, conversationID, entryID core.ID) (*conversation.Entry, error) {
	query, args, err := builder().
		Select(entryColumns).
		From("entries").
		Where(sq.Eq{"conversation_id": string(conversationID), "id": string(entryID)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building entry query: %w", err)
	}
	var row entryRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying entry: %w", err)
	}
	return r.toModel(ctx, &row)
}

func (r *EntryRepo) PrevHistory(
	ctx context.Context,
	conversationID core.ID,
	before *conversation.Entry,
) (*conversation.Entry, error) {
	query, args, err := builder().
		Select(entryColumns).
		From("entries").
		Where(sq.Eq{"conversation_id": string(conversationID), "channel": string(conversation.ChannelHistory)}).
		Where("(created_at, id) < (?, ?)", before.CreatedAt, string(before.ID)).
		OrderBy("created_at DESC", "id DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building previous history query: %w", err)
	}
	var row entryRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying previous history entry: %w", err)
	}
	return r.toModel(ctx, &row)
}

func (r *EntryRepo) LatestEpoch(ctx context.Context, conversationID core.ID, clientID string) (int64, bool, error) {
	query, args, err := builder().
		Select("MAX(memory_epoch)").
		From("entries").
		Where(sq.Eq{
			"conversation_id": string(conversationID),
			"client_id":       clientID,
			"channel":         string(conversation.ChannelMemory),
		}).
		ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("building latest epoch query: %w", err)
	}
	var epoch *int64
	if err := r.db.QueryRow(ctx, query, args...).Scan(&epoch); err != nil {
		return 0, false, fmt.Errorf("querying latest epoch: %w", err)
	}
	if epoch == nil {
		return 0, false, nil
	}
	return *epoch, true, nil
}

func (r *EntryRepo) ListEpoch(
	ctx context.Context,
	conversationID core.ID,
	clientID string,
	epoch int64,
) ([]*conversation.Entry, error) {
	query, args, err := builder().
		Select(entryColumns).
		From("entries").
		Where(sq.Eq{
			"conversation_id": string(conversationID),
			"client_id":       clientID,
			"channel":         string(conversation.ChannelMemory),
			"memory_epoch":    epoch,
		}).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building epoch list query: %w", err)
	}
	var rows []*entryRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing epoch entries: %w", err)
	}
	return r.toModels(ctx, rows)
}
