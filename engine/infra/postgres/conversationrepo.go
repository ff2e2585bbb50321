package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/crypto"
)

// ConversationRepo implements conversation.Repository on Postgres.
// Titles are envelope-encrypted; title search decrypts candidate pages
// server-side rather than storing a searchable plaintext column.
type ConversationRepo struct {
	db     DBInterface
	crypto *crypto.Service
}

func NewConversationRepo(db DBInterface, cryptoSvc *crypto.Service) *ConversationRepo {
	return &ConversationRepo{db: db, crypto: cryptoSvc}
}

func builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

type conversationRow struct {
	ID                     string     `db:"id"`
	GroupID                string     `db:"conversation_group_id"`
	OwnerUserID            string     `db:"owner_user_id"`
	TitleEnc               []byte     `db:"title_enc"`
	Metadata               []byte     `db:"metadata"`
	CreatedAt              time.Time  `db:"created_at"`
	UpdatedAt              time.Time  `db:"updated_at"`
	ForkedAtConversationID *string    `db:"forked_at_conversation_id"`
	ForkedAtEntryID        *string    `db:"forked_at_entry_id"`
	VectorizedAt           *time.Time `db:"vectorized_at"`
	DeletedAt              *time.Time `db:"deleted_at"`
}

const conversationColumns = "id, conversation_group_id, owner_user_id, title_enc, metadata, " +
	"created_at, updated_at, forked_at_conversation_id, forked_at_entry_id, vectorized_at, deleted_at"

func (r *ConversationRepo) toModel(ctx context.Context, row *conversationRow) (*conversation.Conversation, error) {
	conv := &conversation.Conversation{
		ID:           core.ID(row.ID),
		GroupID:      core.ID(row.GroupID),
		OwnerUserID:  row.OwnerUserID,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
		VectorizedAt: row.VectorizedAt,
		DeletedAt:    row.DeletedAt,
	}
	if row.ForkedAtConversationID != nil {
		id := core.ID(*row.ForkedAtConversationID)
		conv.ForkedAtConversationID = &id
	}
	if row.ForkedAtEntryID != nil {
		id := core.ID(*row.ForkedAtEntryID)
		conv.ForkedAtEntryID = &id
	}
	if len(row.TitleEnc) > 0 {
		plain, err := r.crypto.Decrypt(ctx, row.TitleEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypting conversation title: %w", err)
		}
		title := string(plain)
		conv.Title = &title
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &conv.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling conversation metadata: %w", err)
		}
	}
	return conv, nil
}

func (r *ConversationRepo) encryptTitle(ctx context.Context, title *string) ([]byte, error) {
	if title == nil {
		return nil, nil
	}
	enc, err := r.crypto.Encrypt(ctx, []byte(*title))
	if err != nil {
		return nil, fmt.Errorf("encrypting conversation title: %w", err)
	}
	return enc, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling conversation metadata: %w", err)
	}
	return data, nil
}

func (r *ConversationRepo) insertConversation(ctx context.Context, tx pgx.Tx, conv *conversation.Conversation) error {
	titleEnc, err := r.encryptTitle(ctx, conv.Title)
	if err != nil {
		return err
	}
	metadata, err := marshalMetadata(conv.Metadata)
	if err != nil {
		return err
	}
	var forkedConvID, forkedEntryID *string
	if conv.ForkedAtConversationID != nil {
		s := string(*conv.ForkedAtConversationID)
		forkedConvID = &s
	}
	if conv.ForkedAtEntryID != nil {
		s := string(*conv.ForkedAtEntryID)
		forkedEntryID = &s
	}
	query, args, err := builder().
		Insert("conversations").
		Columns("id", "conversation_group_id", "owner_user_id", "title_enc", "metadata",
			"created_at", "updated_at", "forked_at_conversation_id", "forked_at_entry_id").
		Values(string(conv.ID), string(conv.GroupID), conv.OwnerUserID, titleEnc, metadata,
			conv.CreatedAt, conv.UpdatedAt, forkedConvID, forkedEntryID).
		ToSql()
	if err != nil {
		return fmt.Errorf("building conversation insert: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

func (r *ConversationRepo) CreateWithGroup(
	ctx context.Context,
	group *conversation.Group,
	conv *conversation.Conversation,
	owner *conversation.Membership,
) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		query, args, err := builder().
			Insert("conversation_groups").
			Columns("id", "organization_id", "team_id", "created_at").
			Values(string(group.ID), group.OrganizationID, group.TeamID, group.CreatedAt).
			ToSql()
		if err != nil {
			return fmt.Errorf("building group insert: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("inserting conversation group: %w", err)
		}
		if err := r.insertConversation(ctx, tx, conv); err != nil {
			return err
		}
		query, args, err = builder().
			Insert("conversation_memberships").
			Columns("conversation_group_id", "user_id", "access_level", "created_at", "updated_at").
			Values(string(owner.GroupID), owner.UserID, string(owner.AccessLevel), owner.CreatedAt, owner.UpdatedAt).
			ToSql()
		if err != nil {
			return fmt.Errorf("building owner membership insert: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("inserting owner membership: %w", err)
		}
		return nil
	})
}

func (r *ConversationRepo) CreateFork(ctx context.Context, fork *conversation.Conversation) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		return r.insertConversation(ctx, tx, fork)
	})
}

func (r *ConversationRepo) Get(ctx context.Context, id core.ID, includeDeleted bool) (*conversation.Conversation, error) {
	qb := builder().
		Select(conversationColumns).
		From("conversations").
		Where(sq.Eq{"id": string(id)})
	if !includeDeleted {
		qb = qb.Where("deleted_at IS NULL")
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building conversation query: %w", err)
	}
	var row conversationRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return r.toModel(ctx, &row)
}

func (r *ConversationRepo) GetGroup(ctx context.Context, id core.ID) (*conversation.Group, error) {
	query, args, err := builder().
		Select("id", "organization_id", "team_id", "created_at", "deleted_at").
		From("conversation_groups").
		Where(sq.Eq{"id": string(id)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building group query: %w", err)
	}
	var row struct {
		ID             string     `db:"id"`
		OrganizationID *string    `db:"organization_id"`
		TeamID         *string    `db:"team_id"`
		CreatedAt      time.Time  `db:"created_at"`
		DeletedAt      *time.Time `db:"deleted_at"`
	}
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying conversation group: %w", err)
	}
	return &conversation.Group{
		ID:             core.ID(row.ID),
		OrganizationID: row.OrganizationID,
		TeamID:         row.TeamID,
		CreatedAt:      row.CreatedAt,
		DeletedAt:      row.DeletedAt,
	}, nil
}

func visibilityConds(vis conversation.Visibility) sq.Sqlizer {
	conds := sq.Or{
		sq.Expr(
			"EXISTS (SELECT 1 FROM conversation_memberships m "+
				"WHERE m.conversation_group_id = c.conversation_group_id AND m.user_id = ?)",
			vis.UserID,
		),
	}
	if len(vis.OrgIDs) > 0 {
		conds = append(conds, sq.Eq{"g.organization_id": vis.OrgIDs})
	}
	if len(vis.TeamIDs) > 0 {
		conds = append(conds, sq.Eq{"g.team_id": vis.TeamIDs})
	}
	return conds
}

func (r *ConversationRepo) listQuery(filter *conversation.ListFilter, limit int) (string, []any, error) {
	cols := make([]string, 0, 11)
	for _, col := range strings.Split(conversationColumns, ", ") {
		cols = append(cols, "c."+col)
	}
	qb := builder().
		Select(cols...).
		From("conversations c").
		Where("c.deleted_at IS NULL")
	if !filter.Visibility.Admin {
		qb = qb.Join("conversation_groups g ON g.id = c.conversation_group_id").
			Where(visibilityConds(filter.Visibility))
	}
	if filter.Mode == conversation.ModeRoots {
		qb = qb.Where("c.forked_at_conversation_id IS NULL")
	}
	if filter.Mode == conversation.ModeLatestFork {
		// One row per group, the most recently updated fork, re-sorted by
		// recency in the outer select. The cursor must apply AFTER the
		// DISTINCT ON election: filtering inside the subquery would let a
		// group re-elect an older fork and reappear on later pages.
		inner := qb.
			Options("DISTINCT ON (c.conversation_group_id)").
			OrderBy("c.conversation_group_id", "c.updated_at DESC", "c.id DESC")
		qb = builder().
			Select(strings.Split(conversationColumns, ", ")...).
			FromSelect(inner, "t")
		if !filter.After.IsZero() {
			qb = qb.Where("(t.updated_at, t.id) < (?, ?)", filter.After.Time, string(filter.After.ID))
		}
		qb = qb.OrderBy("updated_at DESC", "id DESC")
	} else {
		if !filter.After.IsZero() {
			qb = qb.Where("(c.updated_at, c.id) < (?, ?)", filter.After.Time, string(filter.After.ID))
		}
		qb = qb.OrderBy("c.updated_at DESC", "c.id DESC")
	}
	return qb.Limit(uint64(limit)).ToSql()
}

func (r *ConversationRepo) List(ctx context.Context, filter *conversation.ListFilter) ([]*conversation.Conversation, error) {
	if filter.Query == "" {
		return r.listPage(ctx, filter, filter.Limit)
	}
	// Title search cannot run in SQL over encrypted titles: scan visible
	// pages, decrypt, and filter until the requested page fills.
	needle := strings.ToLower(filter.Query)
	scan := *filter
	pageSize := filter.Limit * 4
	if pageSize < 200 {
		pageSize = 200
	}
	out := make([]*conversation.Conversation, 0, filter.Limit)
	for {
		page, err := r.listPage(ctx, &scan, pageSize)
		if err != nil {
			return nil, err
		}
		for _, conv := range page {
			if conv.Title != nil && strings.Contains(strings.ToLower(*conv.Title), needle) {
				out = append(out, conv)
				if len(out) == filter.Limit {
					return out, nil
				}
			}
		}
		if len(page) < pageSize {
			return out, nil
		}
		last := page[len(page)-1]
		scan.After = core.Cursor{Time: last.UpdatedAt, ID: last.ID}
	}
}

func (r *ConversationRepo) listPage(
	ctx context.Context,
	filter *conversation.ListFilter,
	limit int,
) ([]*conversation.Conversation, error) {
	query, args, err := r.listQuery(filter, limit)
	if err != nil {
		return nil, fmt.Errorf("building conversation list query: %w", err)
	}
	var rows []*conversationRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	out := make([]*conversation.Conversation, 0, len(rows))
	for _, row := range rows {
		conv, err := r.toModel(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

func (r *ConversationRepo) ListForks(ctx context.Context, groupID core.ID) ([]*conversation.Conversation, error) {
	query, args, err := builder().
		Select(strings.Split(conversationColumns, ", ")...).
		From("conversations").
		Where(sq.Eq{"conversation_group_id": string(groupID)}).
		Where("deleted_at IS NULL").
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building fork list query: %w", err)
	}
	var rows []*conversationRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing forks: %w", err)
	}
	out := make([]*conversation.Conversation, 0, len(rows))
	for _, row := range rows {
		conv, err := r.toModel(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

func (r *ConversationRepo) SoftDelete(ctx context.Context, id core.ID, at time.Time) error {
	query, args, err := builder().
		Update("conversations").
		Set("deleted_at", at).
		Where(sq.Eq{"id": string(id)}).
		Where("deleted_at IS NULL").
		ToSql()
	if err != nil {
		return fmt.Errorf("building soft delete: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("soft deleting conversation: %w", err)
	}
	return nil
}

func (r *ConversationRepo) Touch(ctx context.Context, id core.ID, at time.Time) error {
	query, args, err := builder().
		Update("conversations").
		Set("updated_at", at).
		Where(sq.Eq{"id": string(id)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building touch update: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	return nil
}

func (r *ConversationRepo) SetTitleIfNull(ctx context.Context, id core.ID, title string) error {
	titleEnc, err := r.encryptTitle(ctx, &title)
	if err != nil {
		return err
	}
	query, args, err := builder().
		Update("conversations").
		Set("title_enc", titleEnc).
		Where(sq.Eq{"id": string(id)}).
		Where("title_enc IS NULL").
		ToSql()
	if err != nil {
		return fmt.Errorf("building title update: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("setting conversation title: %w", err)
	}
	return nil
}

func (r *ConversationRepo) SetVectorizedAt(ctx context.Context, id core.ID, at time.Time) error {
	query, args, err := builder().
		Update("conversations").
		Set("vectorized_at", at).
		Where(sq.Eq{"id": string(id)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building vectorized update: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("marking conversation vectorized: %w", err)
	}
	return nil
}

func (r *ConversationRepo) ListUnvectorized(ctx context.Context, limit int) ([]*conversation.Conversation, error) {
	query, args, err := builder().
		Select(strings.Split(conversationColumns, ", ")...).
		From("conversations").
		Where("deleted_at IS NULL").
		Where("vectorized_at IS NULL").
		OrderBy("created_at ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building unvectorized query: %w", err)
	}
	var rows []*conversationRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing unvectorized conversations: %w", err)
	}
	out := make([]*conversation.Conversation, 0, len(rows))
	for _, row := range rows {
		conv, err := r.toModel(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}
