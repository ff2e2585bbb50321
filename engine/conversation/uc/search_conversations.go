package uc

import (
	"context"
	"fmt"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

// SearchMode selects the search strategy.
type SearchMode string

const (
	// SearchText matches conversation titles.
	SearchText SearchMode = "text"
	// SearchSemantic queries the vector index and filters hits down to
	// what the actor may see.
	SearchSemantic SearchMode = "semantic"
)

// SearchConversations finds conversations by title or by semantic
// similarity. Results never include conversations the actor cannot read.
type SearchConversations struct {
	opts *Options
}

func NewSearchConversations(opts *Options) *SearchConversations {
	return &SearchConversations{opts: opts}
}

type SearchConversationsInput struct {
	Query string
	Mode  SearchMode
	Limit int
}

type SearchResult struct {
	Conversation *conversation.Conversation `json:"conversation"`
	Score        float64                    `json:"score,omitempty"`
}

func (uc *SearchConversations) Execute(ctx context.Context, in *SearchConversationsInput) ([]*SearchResult, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if in.Query == "" {
		return nil, core.BadRequestError("query is required")
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
		mode = SearchText
	}
	switch mode {
	case SearchText:
		convs, err := uc.opts.Store.Conversations.List(ctx, &conversation.ListFilter{
			Query:      in.Query,
			Limit:      limit,
			Mode:       conversation.ModeAll,
			Visibility: visibilityFor(actor),
		})
		if err != nil {
			return nil, fmt.Errorf("searching conversations: %w", err)
		}
		results := make([]*SearchResult, 0, len(convs))
		for _, conv := range convs {
			results = append(results, &SearchResult{Conversation: conv})
		}
		return results, nil
	case SearchSemantic:
		matches, err := uc.opts.Vector.Search(ctx, in.Query, limit*2)
		if err != nil {
			return nil, core.UpstreamError("vector search failed", err)
		}
		results := make([]*SearchResult, 0, len(matches))
		for _, match := range matches {
			conv, _, err := loadForAccess(ctx, uc.opts, actor, match.ConversationID, conversation.AccessReader, false)
			if err != nil {
				if e := core.AsError(err); e.Kind == core.KindNotFound || e.Kind == core.KindAccessDenied {
					continue
				}
				return nil, err
			}
			results = append(results, &SearchResult{Conversation: conv, Score: match.Score})
			if len(results) == limit {
				break
			}
		}
		return results, nil
	default:
		return nil, core.BadRequestError(fmt.Sprintf("unknown search mode %q", mode))
	}
}
