package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/threadkeep/threadkeep/engine/core"
)

// EvictionRepo implements eviction.Repository: hard-delete of expired
// soft-deleted conversations in claimed batches. FOR UPDATE SKIP LOCKED
// keeps concurrent eviction runs from double-counting a row.
type EvictionRepo struct {
	db DBInterface
}

func NewEvictionRepo(db DBInterface) *EvictionRepo {
	return &EvictionRepo{db: db}
}

func (r *EvictionRepo) CountExpired(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM conversations WHERE deleted_at IS NOT NULL AND deleted_at <= $1",
		cutoff,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting expired conversations: %w", err)
	}
	return count, nil
}

const evictClaimQuery = `
SELECT id, conversation_group_id FROM conversations
WHERE deleted_at IS NOT NULL AND deleted_at <= $1
ORDER BY deleted_at
LIMIT $2
FOR UPDATE SKIP LOCKED`

const emptyGroupsQuery = `
SELECT id FROM conversation_groups
WHERE id = ANY($1)
  AND NOT EXISTS (
    SELECT 1 FROM conversations c WHERE c.conversation_group_id = conversation_groups.id
  )`

// EvictBatch hard-deletes up to limit expired conversations with their
// entries, then removes any touched group that no longer has live or
// soft-deleted conversations, along with its memberships and transfers.
// Returned group ids are the ones fully removed.
func (r *EvictionRepo) EvictBatch(
	ctx context.Context,
	cutoff time.Time,
	limit int,
) (convs []core.ID, groups []core.ID, err error) {
	err = withTx(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, evictClaimQuery, cutoff, limit)
		if err != nil {
			return fmt.Errorf("claiming expired conversations: %w", err)
		}
		convIDs := make([]string, 0, limit)
		touched := make(map[string]struct{})
		for rows.Next() {
			var convID, groupID string
			if err := rows.Scan(&convID, &groupID); err != nil {
				rows.Close()
				return fmt.Errorf("scanning expired conversation: %w", err)
			}
			convIDs = append(convIDs, convID)
			touched[groupID] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("reading expired conversations: %w", err)
		}
		if len(convIDs) == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, "DELETE FROM entries WHERE conversation_id = ANY($1)", convIDs); err != nil {
			return fmt.Errorf("deleting entries: %w", err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM conversations WHERE id = ANY($1)", convIDs); err != nil {
			return fmt.Errorf("deleting conversations: %w", err)
		}
		touchedIDs := make([]string, 0, len(touched))
		for id := range touched {
			touchedIDs = append(touchedIDs, id)
		}
		emptyRows, err := tx.Query(ctx, emptyGroupsQuery, touchedIDs)
		if err != nil {
			return fmt.Errorf("finding empty groups: %w", err)
		}
		emptyIDs := make([]string, 0, len(touchedIDs))
		for emptyRows.Next() {
			var id string
			if err := emptyRows.Scan(&id); err != nil {
				emptyRows.Close()
				return fmt.Errorf("scanning empty group: %w", err)
			}
			emptyIDs = append(emptyIDs, id)
		}
		emptyRows.Close()
		if err := emptyRows.Err(); err != nil {
			return fmt.Errorf("reading empty groups: %w", err)
		}
		if len(emptyIDs) > 0 {
			steps := []string{
				"DELETE FROM conversation_memberships WHERE conversation_group_id = ANY($1)",
				"DELETE FROM ownership_transfers WHERE conversation_group_id = ANY($1)",
				"DELETE FROM conversation_groups WHERE id = ANY($1)",
			}
			for _, step := range steps {
				if _, err := tx.Exec(ctx, step, emptyIDs); err != nil {
					return fmt.Errorf("removing empty groups: %w", err)
				}
			}
		}
		sort.Strings(emptyIDs)
		for _, id := range convIDs {
			convs = append(convs, core.ID(id))
		}
		for _, id := range emptyIDs {
			groups = append(groups, core.ID(id))
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return convs, groups, nil
}
