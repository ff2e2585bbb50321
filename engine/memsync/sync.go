// Package memsync reconciles an agent's working memory with the stored
// MEMORY channel. The caller sends its full memory list; the service
// detects no-ops, in-place extensions, and divergence, allocating a new
// memory epoch only when histories actually diverged.
package memsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/threadkeep/threadkeep/engine/auth"
	"github.com/threadkeep/threadkeep/engine/authz"
	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/memcache"
)

// Service runs the sync protocol against the entry store and keeps the
// memory cache write-through consistent.
type Service struct {
	store *conversation.Store
	authz *authz.Engine
	cache memcache.Cache
}

func NewService(store *conversation.Store, az *authz.Engine, cache memcache.Cache) *Service {
	return &Service{store: store, authz: az, cache: cache}
}

// Message is one memory item as supplied by the client.
type Message struct {
	Channel     conversation.Channel        `json:"channel"`
	Content     []conversation.ContentBlock `json:"content"`
	ContentType string                      `json:"contentType,omitempty"`
}

type Input struct {
	ConversationID core.ID
	Messages       []Message
}

// Result reports what the reconciliation did. Entries holds only the
// entries written by this call; a NoOp returns none.
type Result struct {
	Epoch            int64                 `json:"epoch"`
	EpochIncremented bool                  `json:"epochIncremented"`
	NoOp             bool                  `json:"noOp"`
	Entries          []*conversation.Entry `json:"messages"`
}

func (s *Service) Sync(ctx context.Context, in *Input) (*Result, error) {
	actor := auth.ActorFromContext(ctx)
	if actor == nil {
		return nil, core.UnauthorizedError("authentication required")
	}
	if !actor.IsAgent() {
		return nil, core.AccessDeniedError("memory sync requires agent credentials")
	}
	if len(in.Messages) == 0 {
		return nil, core.BadRequestError("messages must not be empty")
	}
	for i, msg := range in.Messages {
		if msg.Channel != conversation.ChannelMemory {
			return nil, core.BadRequestError(fmt.Sprintf("messages[%d]: sync accepts MEMORY entries only", i))
		}
		if len(msg.Content) == 0 {
			return nil, core.BadRequestError(fmt.Sprintf("messages[%d]: content must not be empty", i))
		}
	}
	conv, err := s.load(ctx, actor, in.ConversationID)
	if err != nil {
		return nil, err
	}
	clientID := actor.ClientID
	latest, hasEpoch, err := s.store.Entries.LatestEpoch(ctx, conv.ID, clientID)
	if err != nil {
		return nil, fmt.Errorf("resolving latest epoch: %w", err)
	}
	var existing []*conversation.Entry
	if hasEpoch {
		existing, err = s.store.Entries.ListEpoch(ctx, conv.ID, clientID, latest)
		if err != nil {
			return nil, fmt.Errorf("loading current epoch: %w", err)
		}
	}
	switch {
	case hasEpoch && equalPayloads(existing, in.Messages):
		return &Result{Epoch: latest, NoOp: true}, nil
	case hasEpoch && extendsPayloads(existing, in.Messages):
		appended, err := s.append(ctx, conv, clientID, latest, in.Messages[len(existing):])
		if err != nil {
			return nil, err
		}
		s.writeThrough(ctx, conv.ID, clientID, latest, append(existing, appended...))
		return &Result{Epoch: latest, Entries: appended}, nil
	default:
		// Histories diverged (or no epoch exists yet): the full incoming
		// list becomes the next epoch.
		next := int64(1)
		if hasEpoch {
			next = latest + 1
		}
		appended, err := s.append(ctx, conv, clientID, next, in.Messages)
		if err != nil {
			return nil, err
		}
		s.writeThrough(ctx, conv.ID, clientID, next, appended)
		return &Result{Epoch: next, EpochIncremented: true, Entries: appended}, nil
	}
}

func (s *Service) load(ctx context.Context, actor *auth.Actor, id core.ID) (*conversation.Conversation, error) {
	conv, err := s.store.Conversations.Get(ctx, id, false)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if conv == nil {
		return nil, core.NotFoundError("conversation not found")
	}
	group, err := s.store.Conversations.GetGroup(ctx, conv.GroupID)
	if err != nil {
		return nil, fmt.Errorf("loading group: %w", err)
	}
	if group == nil {
		return nil, core.NotFoundError("conversation not found")
	}
	if err := s.authz.Require(ctx, actor, group, conversation.AccessWriter, true); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Service) append(
	ctx context.Context,
	conv *conversation.Conversation,
	clientID string,
	epoch int64,
	messages []Message,
) ([]*conversation.Entry, error) {
	now := time.Now().UTC()
	entries := make([]*conversation.Entry, 0, len(messages))
	for i, msg := range messages {
		ep := epoch
		cid := clientID
		entries = append(entries, &conversation.Entry{
			ID:             core.NewID(),
			ConversationID: conv.ID,
			GroupID:        conv.GroupID,
			ClientID:       &cid,
			Channel:        conversation.ChannelMemory,
			MemoryEpoch:    &ep,
			Content:        msg.Content,
			ContentType:    msg.ContentType,
			CreatedAt:      now.Add(time.Duration(i) * time.Microsecond),
		})
	}
	if err := s.store.Entries.Append(ctx, entries, false); err != nil {
		return nil, fmt.Errorf("appending memory entries: %w", err)
	}
	return entries, nil
}

// writeThrough replaces the cached snapshot with the authoritative epoch
// content; cache failures degrade silently.
func (s *Service) writeThrough(ctx context.Context, convID core.ID, clientID string, epoch int64, entries []*conversation.Entry) {
	snap := &memcache.Snapshot{Entries: entries, Epoch: epoch}
	if len(entries) > 0 {
		snap.ContentType = entries[len(entries)-1].ContentType
	}
	s.cache.Put(ctx, convID, clientID, snap)
}

// payloadKey canonicalizes an entry payload for content comparison.
// JSON map keys marshal sorted, so equal payloads always produce equal
// bytes.
func payloadKey(blocks []conversation.ContentBlock) []byte {
	b, err := json.Marshal(blocks)
	if err != nil {
		return nil
	}
	return b
}

func equalPayloads(existing []*conversation.Entry, incoming []Message) bool {
	if len(existing) != len(incoming) {
		return false
	}
	for i := range existing {
		if !bytes.Equal(payloadKey(existing[i].Content), payloadKey(incoming[i].Content)) {
			return false
		}
	}
	return true
}

// extendsPayloads reports whether incoming strictly extends existing:
// same prefix, at least one extra message.
func extendsPayloads(existing []*conversation.Entry, incoming []Message) bool {
	if len(incoming) <= len(existing) {
		return false
	}
	return equalPayloads(existing, incoming[:len(existing)])
}
