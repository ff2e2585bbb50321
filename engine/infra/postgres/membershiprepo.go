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

// MembershipRepo implements conversation.MembershipRepository.
type MembershipRepo struct {
	db DBInterface
}

func NewMembershipRepo(db DBInterface) *MembershipRepo {
	return &MembershipRepo{db: db}
}

type membershipRow struct {
	GroupID     string    `db:"conversation_group_id"`
	UserID      string    `db:"user_id"`
	AccessLevel string    `db:"access_level"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (row *membershipRow) toModel() *conversation.Membership {
	return &conversation.Membership{
		GroupID:     core.ID(row.GroupID),
		UserID:      row.UserID,
		AccessLevel: conversation.AccessLevel(row.AccessLevel),
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}

const membershipColumns = "conversation_group_id, user_id, access_level, created_at, updated_at"

func (r *MembershipRepo) Get(ctx context.Context, groupID core.ID, userID string) (*conversation.Membership, error) {
	query, args, err := builder().
		Select(membershipColumns).
		From("conversation_memberships").
		Where(sq.Eq{"conversation_group_id": string(groupID), "user_id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building membership query: %w", err)
	}
	var row membershipRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying membership: %w", err)
	}
	return row.toModel(), nil
}

func (r *MembershipRepo) List(ctx context.Context, groupID core.ID) ([]*conversation.Membership, error) {
	query, args, err := builder().
		Select(membershipColumns).
		From("conversation_memberships").
		Where(sq.Eq{"conversation_group_id": string(groupID)}).
		OrderBy("created_at ASC", "user_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building membership list query: %w", err)
	}
	var rows []*membershipRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	out := make([]*conversation.Membership, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (r *MembershipRepo) Upsert(ctx context.Context, m *conversation.Membership) error {
	query, args, err := builder().
		Insert("conversation_memberships").
		Columns("conversation_group_id", "user_id", "access_level", "created_at", "updated_at").
		Values(string(m.GroupID), m.UserID, string(m.AccessLevel), m.CreatedAt, m.UpdatedAt).
		Suffix("ON CONFLICT (conversation_group_id, user_id) DO UPDATE SET " +
			"access_level = EXCLUDED.access_level, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building membership upsert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting membership: %w", err)
	}
	return nil
}

func (r *MembershipRepo) UpdateLevel(
	ctx context.Context,
	groupID core.ID,
	userID string,
	level conversation.AccessLevel,
) error {
	query, args, err := builder().
		Update("conversation_memberships").
		Set("access_level", string(level)).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"conversation_group_id": string(groupID), "user_id": userID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building membership update: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("updating membership level: %w", err)
	}
	return nil
}

func (r *MembershipRepo) Delete(ctx context.Context, groupID core.ID, userID string) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		query, args, err := builder().
			Delete("conversation_memberships").
			Where(sq.Eq{"conversation_group_id": string(groupID), "user_id": userID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building membership delete: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("deleting membership: %w", err)
		}
		// A pending transfer to the removed user cannot complete anymore.
		query, args, err = builder().
			Delete("ownership_transfers").
			Where(sq.Eq{
				"conversation_group_id": string(groupID),
				"to_user_id":            userID,
				"status":                string(conversation.TransferPending),
			}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building transfer cleanup delete: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("deleting stale transfer: %w", err)
		}
		return nil
	})
}
