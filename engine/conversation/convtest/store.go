// Package convtest provides an in-memory implementation of the
// conversation persistence ports for unit tests.
package convtest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

// Store implements every conversation port over process memory with the
// same visible semantics as the relational driver.
type Store struct {
	mu          sync.Mutex
	clock       time.Time
	groups      map[core.ID]*conversation.Group
	convs       map[core.ID]*conversation.Conversation
	entries     []*conversation.Entry
	memberships map[string]*conversation.Membership
	transfers   map[core.ID]*conversation.Transfer
}

func New() *Store {
	return &Store{
		clock:       time.Now().UTC(),
		groups:      make(map[core.ID]*conversation.Group),
		convs:       make(map[core.ID]*conversation.Conversation),
		memberships: make(map[string]*conversation.Membership),
		transfers:   make(map[core.ID]*conversation.Transfer),
	}
}

// Bundle returns the port bundle backed by this store.
func (s *Store) Bundle() *conversation.Store {
	return &conversation.Store{
		Conversations: (*convRepo)(s),
		Entries:       (*entryRepo)(s),
		Memberships:   (*membershipRepo)(s),
		Transfers:     (*transferRepo)(s),
	}
}

// tick returns a strictly increasing timestamp so ordering is
// deterministic even within one test step.
func (s *Store) tick() time.Time {
	s.clock = s.clock.Add(time.Microsecond)
	return s.clock
}

func membershipKey(groupID core.ID, userID string) string {
	return string(groupID) + "|" + userID
}

type convRepo Store

func (r *convRepo) CreateWithGroup(_ context.Context, group *conversation.Group, conv *conversation.Conversation, owner *conversation.Membership) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tick()
	if group.CreatedAt.IsZero() {
		group.CreatedAt = now
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
		conv.UpdatedAt = now
	}
	g := *group
	c := *conv
	m := *owner
	s.groups[group.ID] = &g
	s.convs[conv.ID] = &c
	s.memberships[membershipKey(owner.GroupID, owner.UserID)] = &m
	return nil
}

func (r *convRepo) CreateFork(_ context.Context, fork *conversation.Conversation) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tick()
	if fork.CreatedAt.IsZero() {
		fork.CreatedAt = now
		fork.UpdatedAt = now
	}
	c := *fork
	s.convs[fork.ID] = &c
	return nil
}

func (r *convRepo) Get(_ context.Context, id core.ID, includeDeleted bool) (*conversation.Conversation, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok || (c.DeletedAt != nil && !includeDeleted) {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *convRepo) GetGroup(_ context.Context, id core.ID) (*conversation.Group, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (r *convRepo) List(_ context.Context, filter *conversation.ListFilter) ([]*conversation.Conversation, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*conversation.Conversation
	for _, c := range s.convs {
		if c.DeletedAt != nil {
			continue
		}
		if !s.visible(c, &filter.Visibility) {
			continue
		}
		if filter.Mode == conversation.ModeRoots && c.IsFork() {
			continue
		}
		if filter.Query != "" && (c.Title == nil || !strings.Contains(strings.ToLower(*c.Title), strings.ToLower(filter.Query))) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Mode == conversation.ModeLatestFork {
		seen := make(map[core.ID]bool)
		deduped := out[:0]
		for _, c := range out {
			if seen[c.GroupID] {
				continue
			}
			seen[c.GroupID] = true
			deduped = append(deduped, c)
		}
		out = deduped
	}
	if !filter.After.IsZero() {
		filtered := out[:0]
		for _, c := range out {
			if c.UpdatedAt.Before(filter.After.Time) ||
				(c.UpdatedAt.Equal(filter.After.Time) && c.ID < filter.After.ID) {
				filtered = append(filtered, c)
			}
		}
		out = filtered
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) visible(c *conversation.Conversation, v *conversation.Visibility) bool {
	if v.Admin {
		return true
	}
	if _, ok := s.memberships[membershipKey(c.GroupID, v.UserID)]; ok {
		return true
	}
	g := s.groups[c.GroupID]
	if g == nil {
		return false
	}
	if g.OrganizationID != nil {
		for _, org := range v.OrgIDs {
			if org == *g.OrganizationID {
				return true
			}
		}
	}
	if g.TeamID != nil {
		for _, team := range v.TeamIDs {
			if team == *g.TeamID {
				return true
			}
		}
	}
	return false
}

func (r *convRepo) ListForks(_ context.Context, groupID core.ID) ([]*conversation.Conversation, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*conversation.Conversation
	for _, c := range s.convs {
		if c.GroupID == groupID && c.DeletedAt == nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *convRepo) SoftDelete(_ context.Context, id core.ID, at time.Time) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[id]; ok {
		t := at
		c.DeletedAt = &t
	}
	return nil
}

func (r *convRepo) Touch(_ context.Context, id core.ID, at time.Time) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[id]; ok {
		c.UpdatedAt = at
	}
	return nil
}

func (r *convRepo) SetTitleIfNull(_ context.Context, id core.ID, title string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[id]; ok && c.Title == nil {
		t := title
		c.Title = &t
	}
	return nil
}

func (r *convRepo) SetVectorizedAt(_ context.Context, id core.ID, at time.Time) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[id]; ok {
		t := at
		c.VectorizedAt = &t
	}
	return nil
}

func (r *convRepo) ListUnvectorized(_ context.Context, limit int) ([]*conversation.Conversation, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*conversation.Conversation
	for _, c := range s.convs {
		if c.DeletedAt == nil && c.VectorizedAt == nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type entryRepo Store

func (r *entryRepo) Append(_ context.Context, entries []*conversation.Entry, touch bool) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.tick()
		}
		cp := *e
		s.entries = append(s.entries, &cp)
		if touch && e.Channel == conversation.ChannelHistory {
			if c, ok := s.convs[e.ConversationID]; ok {
				c.UpdatedAt = e.CreatedAt
			}
		}
	}
	return nil
}

func (s *Store) sortedEntries(conversationID core.ID) []*conversation.Entry {
	var out []*conversation.Entry
	for _, e := range s.entries {
		if e.ConversationID == conversationID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *entryRepo) List(_ context.Context, filter *conversation.EntryFilter) ([]*conversation.Entry, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sortedEntries(filter.ConversationID)
	var latestEpoch int64
	hasEpoch := false
	if filter.Epoch.Kind == conversation.EpochLatest && filter.ClientID != nil {
		for _, e := range all {
			if e.Channel == conversation.ChannelMemory && e.ClientID != nil && *e.ClientID == *filter.ClientID &&
				e.MemoryEpoch != nil && (!hasEpoch || *e.MemoryEpoch > latestEpoch) {
				latestEpoch = *e.MemoryEpoch
				hasEpoch = true
			}
		}
	}
	var out []*conversation.Entry
	for _, e := range all {
		if filter.Channel != nil && e.Channel != *filter.Channel {
			continue
		}
		if e.Channel == conversation.ChannelMemory {
			if filter.ClientID == nil || e.ClientID == nil || *e.ClientID != *filter.ClientID {
				continue
			}
			switch filter.Epoch.Kind {
			case conversation.EpochLatest:
				if !hasEpoch || e.MemoryEpoch == nil || *e.MemoryEpoch != latestEpoch {
					continue
				}
			case conversation.EpochExact:
				if e.MemoryEpoch == nil || *e.MemoryEpoch != filter.Epoch.N {
					continue
				}
			}
		}
		if !filter.After.IsZero() {
			if e.CreatedAt.Before(filter.After.Time) ||
				(e.CreatedAt.Equal(filter.After.Time) && e.ID <= filter.After.ID) {
				continue
			}
		}
		cp := *e
		out = append(out, &cp)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *entryRepo) Get(_ context.Context, conversationID, entryID core.ID) (*conversation.Entry, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ConversationID == conversationID && e.ID == entryID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *entryRepo) PrevHistory(_ context.Context, conversationID core.ID, before *conversation.Entry) (*conversation.Entry, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev *conversation.Entry
	for _, e := range s.sortedEntries(conversationID) {
		if e.CreatedAt.After(before.CreatedAt) ||
			(e.CreatedAt.Equal(before.CreatedAt) && e.ID >= before.ID) {
			break
		}
		if e.Channel == conversation.ChannelHistory {
			cp := *e
			prev = &cp
		}
	}
	return prev, nil
}

func (r *entryRepo) LatestEpoch(_ context.Context, conversationID core.ID, clientID string) (int64, bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest int64
	found := false
	for _, e := range s.entries {
		if e.ConversationID == conversationID && e.Channel == conversation.ChannelMemory &&
			e.ClientID != nil && *e.ClientID == clientID && e.MemoryEpoch != nil {
			if !found || *e.MemoryEpoch > latest {
				latest = *e.MemoryEpoch
				found = true
			}
		}
	}
	return latest, found, nil
}

func (r *entryRepo) ListEpoch(_ context.Context, conversationID core.ID, clientID string, epoch int64) ([]*conversation.Entry, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*conversation.Entry
	for _, e := range s.sortedEntries(conversationID) {
		if e.Channel == conversation.ChannelMemory && e.ClientID != nil && *e.ClientID == clientID &&
			e.MemoryEpoch != nil && *e.MemoryEpoch == epoch {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

type membershipRepo Store

func (r *membershipRepo) Get(_ context.Context, groupID core.ID, userID string) (*conversation.Membership, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[membershipKey(groupID, userID)]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (r *membershipRepo) List(_ context.Context, groupID core.ID) ([]*conversation.Membership, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*conversation.Membership
	for _, m := range s.memberships {
		if m.GroupID == groupID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *membershipRepo) Upsert(_ context.Context, m *conversation.Membership) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tick()
	cp := *m
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.memberships[membershipKey(m.GroupID, m.UserID)] = &cp
	return nil
}

func (r *membershipRepo) UpdateLevel(_ context.Context, groupID core.ID, userID string, level conversation.AccessLevel) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.memberships[membershipKey(groupID, userID)]; ok {
		m.AccessLevel = level
		m.UpdatedAt = s.tick()
	}
	return nil
}

func (r *membershipRepo) Delete(_ context.Context, groupID core.ID, userID string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memberships, membershipKey(groupID, userID))
	for id, t := range s.transfers {
		if t.GroupID == groupID && t.ToUserID == userID {
			delete(s.transfers, id)
		}
	}
	return nil
}

type transferRepo Store

func (r *transferRepo) Get(_ context.Context, id core.ID) (*conversation.Transfer, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *transferRepo) GetPendingForGroup(_ context.Context, groupID core.ID) (*conversation.Transfer, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.transfers {
		if t.GroupID == groupID && t.Status == conversation.TransferPending {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *transferRepo) Create(_ context.Context, t *conversation.Transfer) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tick()
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
		cp.UpdatedAt = now
	}
	s.transfers[t.ID] = &cp
	return nil
}

func (r *transferRepo) Delete(_ context.Context, id core.ID) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transfers, id)
	return nil
}

func (r *transferRepo) Accept(_ context.Context, t *conversation.Transfer) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.tick()
	if m, ok := s.memberships[membershipKey(t.GroupID, t.ToUserID)]; ok {
		m.AccessLevel = conversation.AccessOwner
		m.UpdatedAt = now
	}
	if m, ok := s.memberships[membershipKey(t.GroupID, t.FromUserID)]; ok {
		m.AccessLevel = conversation.AccessManager
		m.UpdatedAt = now
	}
	delete(s.transfers, t.ID)
	return nil
}
