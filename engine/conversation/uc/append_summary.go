package uc

import (
	"context"
	"fmt"
	"time"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

// AppendSummary records a derived summary as a SUMMARY entry. Summaries
// never bump conversation recency.
type AppendSummary struct {
	opts *Options
}

func NewAppendSummary(opts *Options) *AppendSummary {
	return &AppendSummary{opts: opts}
}

type AppendSummaryInput struct {
	ConversationID core.ID
	Text           string
	ContentType    string
	// Title optionally replaces a missing conversation title.
	Title *string
	// UntilEntryID marks the last HISTORY entry the summary covers.
	UntilEntryID *core.ID
	SummarizedAt *time.Time
}

func (uc *AppendSummary) Execute(ctx context.Context, in *AppendSummaryInput) (*conversation.Entry, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if in.Text == "" {
		return nil, core.BadRequestError("summary text must not be empty")
	}
	conv, _, err := loadForAccess(ctx, uc.opts, actor, in.ConversationID, conversation.AccessWriter, true)
	if err != nil {
		return nil, err
	}
	block := conversation.ContentBlock{
		"type": "summary",
		"text": in.Text,
	}
	if in.UntilEntryID != nil {
		if prior, err := uc.opts.Store.Entries.Get(ctx, conv.ID, *in.UntilEntryID); err != nil {
			return nil, fmt.Errorf("loading summary boundary: %w", err)
		} else if prior == nil {
			return nil, core.NotFoundError("untilEntryId not found in conversation")
		}
		block["untilEntryId"] = string(*in.UntilEntryID)
	}
	if in.SummarizedAt != nil {
		block["summarizedAt"] = in.SummarizedAt.UTC().Format(time.RFC3339Nano)
	}
	entry := &conversation.Entry{
		ID:             core.NewID(),
		ConversationID: conv.ID,
		GroupID:        conv.GroupID,
		Channel:        conversation.ChannelSummary,
		Content:        []conversation.ContentBlock{block},
		ContentType:    in.ContentType,
		CreatedAt:      time.Now().UTC(),
	}
	if in.Title != nil && *in.Title != "" {
		if err := uc.opts.Store.Conversations.SetTitleIfNull(ctx, conv.ID, *in.Title); err != nil {
			return nil, fmt.Errorf("setting summary title: %w", err)
		}
	}
	if actor.IsAgent() {
		clientID := actor.ClientID
		entry.ClientID = &clientID
	} else {
		userID := actor.UserID
		entry.UserID = &userID
	}
	if err := uc.opts.Store.Entries.Append(ctx, []*conversation.Entry{entry}, false); err != nil {
		return nil, fmt.Errorf("appending summary: %w", err)
	}
	return entry, nil
}
