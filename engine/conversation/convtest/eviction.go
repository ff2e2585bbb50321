package convtest

import (
	"context"
	"sort"
	"time"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

// EvictionRepo adapts the store to the eviction hard-delete port.
type EvictionRepo Store

// Eviction returns the eviction port backed by this store.
func (s *Store) Eviction() *EvictionRepo { return (*EvictionRepo)(s) }

func (r *EvictionRepo) CountExpired(_ context.Context, cutoff time.Time) (int, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.convs {
		if c.DeletedAt != nil && !c.DeletedAt.After(cutoff) {
			n++
		}
	}
	return n, nil
}

func (r *EvictionRepo) EvictBatch(_ context.Context, cutoff time.Time, limit int) ([]core.ID, []core.ID, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*conversation.Conversation
	for _, c := range s.convs {
		if c.DeletedAt != nil && !c.DeletedAt.After(cutoff) {
			expired = append(expired, c)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].DeletedAt.Before(*expired[j].DeletedAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	var convIDs []core.ID
	touched := make(map[core.ID]bool)
	for _, c := range expired {
		convIDs = append(convIDs, c.ID)
		touched[c.GroupID] = true
		delete(s.convs, c.ID)
		kept := s.entries[:0]
		for _, e := range s.entries {
			if e.ConversationID != c.ID {
				kept = append(kept, e)
			}
		}
		s.entries = kept
	}
	var groupIDs []core.ID
	for groupID := range touched {
		empty := true
		for _, c := range s.convs {
			if c.GroupID == groupID {
				empty = false
				break
			}
		}
		if !empty {
			continue
		}
		groupIDs = append(groupIDs, groupID)
		delete(s.groups, groupID)
		for key, m := range s.memberships {
			if m.GroupID == groupID {
				delete(s.memberships, key)
			}
		}
		for id, t := range s.transfers {
			if t.GroupID == groupID {
				delete(s.transfers, id)
			}
		}
	}
	sort.Slice(groupIDs, func(i, j int) bool { return groupIDs[i] < groupIDs[j] })
	return convIDs, groupIDs, nil
}
