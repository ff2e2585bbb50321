package uc

import (
	"context"
	"fmt"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

// GetEntries pages through a conversation's entries in chronological
// order. MEMORY reads are scoped to the calling client: agents never see
// another client's working memory.
type GetEntries struct {
	opts *Options
}

func NewGetEntries(opts *Options) *GetEntries {
	return &GetEntries{opts: opts}
}

type GetEntriesInput struct {
	ConversationID core.ID
	After          string
	Limit          int
	Channel        *conversation.Channel
	Epoch          conversation.EpochFilter
}

type GetEntriesOutput struct {
	Data       []*conversation.Entry
	NextCursor string
}

func (uc *GetEntries) Execute(ctx context.Context, in *GetEntriesInput) (*GetEntriesOutput, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	conv, _, err := loadForAccess(ctx, uc.opts, actor, in.ConversationID, conversation.AccessReader, false)
	if err != nil {
		return nil, err
	}
	after, err := core.DecodeCursor(in.After)
	if err != nil {
		return nil, core.BadRequestError("invalid cursor")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	filter := &conversation.EntryFilter{
		ConversationID: conv.ID,
		After:          after,
		Limit:          limit,
		Channel:        in.Channel,
		Epoch:          in.Epoch,
	}
	if in.Channel != nil && *in.Channel == conversation.ChannelMemory {
		if actor.ClientID == "" {
			return nil, core.BadRequestError("MEMORY entries are scoped to the writing client")
		}
		filter.ClientID = &actor.ClientID
		if filter.Epoch.Kind == "" {
			filter.Epoch.Kind = conversation.EpochLatest
		}
		if filter.Epoch.Kind == conversation.EpochLatest {
			epoch, ok, err := uc.opts.Store.Entries.LatestEpoch(ctx, conv.ID, actor.ClientID)
			if err != nil {
				return nil, fmt.Errorf("resolving latest epoch: %w", err)
			}
			if !ok {
				return &GetEntriesOutput{}, nil
			}
			filter.Epoch = conversation.EpochFilter{Kind: conversation.EpochExact, N: epoch}
		}
	} else if in.Epoch.Kind != "" && in.Epoch.Kind != conversation.EpochAll {
		return nil, core.BadRequestError("epoch filters require channel=MEMORY")
	}
	entries, err := uc.opts.Store.Entries.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	out := &GetEntriesOutput{Data: entries}
	if len(entries) == limit {
		last := entries[len(entries)-1]
		out.NextCursor = core.Cursor{Time: last.CreatedAt, ID: last.ID}.Encode()
	}
	return out, nil
}
