package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

// TransferRepo implements conversation.TransferRepository.
type TransferRepo struct {
	db DBInterface
}

func NewTransferRepo(db DBInterface) *TransferRepo {
	return &TransferRepo{db: db}
}

type transferRow struct {
	ID         string    `db:"id"`
	GroupID    string    `db:"conversation_group_id"`
	FromUserID string    `db:"from_user_id"`
	ToUserID   string    `db:"to_user_id"`
	Status     string    `db:"status"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (row *transferRow) toModel() *conversation.Transfer {
	return &conversation.Transfer{
		ID:         core.ID(row.ID),
		GroupID:    core.ID(row.GroupID),
		FromUserID: row.FromUserID,
		ToUserID:   row.ToUserID,
		Status:     conversation.TransferStatus(row.Status),
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}

const transferColumns = "id, conversation_group_id, from_user_id, to_user_id, status, created_at, updated_at"

func (r *TransferRepo) Get(ctx context.Context, id core.ID) (*conversation.Transfer, error) {
	query, args, err := builder().
		Select(transferColumns).
		From("ownership_transfers").
		Where(sq.Eq{"id": string(id)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building transfer query: %w", err)
	}
	var row transferRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying transfer: %w", err)
	}
	return row.toModel(), nil
}

func (r *TransferRepo) GetPendingForGroup(ctx context.Context, groupID core.ID) (*conversation.Transfer, error) {
	query, args, err := builder().
		Select(transferColumns).
		From("ownership_transfers").
		Where(sq.Eq{
			"conversation_group_id": string(groupID),
			"status":                string(conversation.TransferPending),
		}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building pending transfer query: %w", err)
	}
	var row transferRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying pending transfer: %w", err)
	}
	return row.toModel(), nil
}

func (r *TransferRepo) Create(ctx context.Context, t *conversation.Transfer) error {
	query, args, err := builder().
		Insert("ownership_transfers").
		Columns("id", "conversation_group_id", "from_user_id", "to_user_id", "status", "created_at", "updated_at").
		Values(string(t.ID), string(t.GroupID), t.FromUserID, t.ToUserID, string(t.Status), t.CreatedAt, t.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building transfer insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting transfer: %w", err)
	}
	return nil
}

func (r *TransferRepo) Delete(ctx context.Context, id core.ID) error {
	query, args, err := builder().
		Delete("ownership_transfers").
		Where(sq.Eq{"id": string(id)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building transfer delete: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting transfer: %w", err)
	}
	return nil
}

// Accept swaps ownership in one transaction: the target becomes OWNER,
// the former owner drops to MANAGER, every conversation in the group is
// re-owned, and the transfer row disappears.
func (r *TransferRepo) Accept(ctx context.Context, t *conversation.Transfer) error {
	now := time.Now().UTC()
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		steps := []sq.Sqlizer{
			builder().
				Update("conversation_memberships").
				Set("access_level", string(conversation.AccessOwner)).
				Set("updated_at", now).
				Where(sq.Eq{"conversation_group_id": string(t.GroupID), "user_id": t.ToUserID}),
			builder().
				Update("conversation_memberships").
				Set("access_level", string(conversation.AccessManager)).
				Set("updated_at", now).
				Where(sq.Eq{"conversation_group_id": string(t.GroupID), "user_id": t.FromUserID}),
			builder().
				Update("conversations").
				Set("owner_user_id", t.ToUserID).
				Where(sq.Eq{"conversation_group_id": string(t.GroupID)}),
			builder().
				Delete("ownership_transfers").
				Where(sq.Eq{"id": string(t.ID)}),
		}
		for _, step := range steps {
			query, args, err := step.ToSql()
			if err != nil {
				return fmt.Errorf("building transfer accept step: %w", err)
			}
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return fmt.Errorf("executing transfer accept step: %w", err)
			}
		}
		return nil
	})
}
