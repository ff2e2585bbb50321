package uc

import (
	"context"
	"fmt"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// ListConversations pages through conversations visible to the actor,
// ordered by updated_at descending.
type ListConversations struct {
	opts *Options
}

func NewListConversations(opts *Options) *ListConversations {
	return &ListConversations{opts: opts}
}

type ListConversationsInput struct {
	Query string
	After string
	Limit int
	Mode  conversation.ListMode
}

type ListConversationsOutput struct {
	Data       []*conversation.Conversation
	NextCursor string
}

func (uc *ListConversations) Execute(ctx context.Context, in *ListConversationsInput) (*ListConversationsOutput, error) {
	actor, err := requireActor(ctx)
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
	mode := in.Mode
	if mode == "" {
		mode = conversation.ModeAll
	}
	convs, err := uc.opts.Store.Conversations.List(ctx, &conversation.ListFilter{
		Query:      in.Query,
		After:      after,
		Limit:      limit,
		Mode:       mode,
		Visibility: visibilityFor(actor),
	})
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	out := &ListConversationsOutput{Data: convs}
	if len(convs) == limit {
		last := convs[len(convs)-1]
		out.NextCursor = core.Cursor{Time: last.UpdatedAt, ID: last.ID}.Encode()
	}
	return out, nil
}
