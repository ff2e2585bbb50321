package uc

import (
	"context"
	"fmt"
	"time"

	"github.com/threadkeep/threadkeep/engine/authz"
	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

// CreateConversation creates a group, its first conversation, and the
// owner membership atomically.
type CreateConversation struct {
	opts *Options
}

func NewCreateConversation(opts *Options) *CreateConversation {
	return &CreateConversation{opts: opts}
}

type CreateConversationInput struct {
	// ID lets integrations pick their own conversation id (optimistic
	// create); zero means generate.
	ID             core.ID
	Title          *string
	Metadata       map[string]any
	OrganizationID *string
	TeamID         *string
}

func (uc *CreateConversation) Execute(ctx context.Context, in *CreateConversationInput) (*conversation.Conversation, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	id := in.ID
	if id.IsZero() {
		id = core.NewID()
	}
	group := &conversation.Group{
		ID:             core.NewID(),
		OrganizationID: in.OrganizationID,
		TeamID:         in.TeamID,
		CreatedAt:      now,
	}
	owner := authz.PrincipalID(actor)
	conv := &conversation.Conversation{
		ID:          id,
		GroupID:     group.ID,
		OwnerUserID: owner,
		Title:       in.Title,
		Metadata:    in.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	membership := &conversation.Membership{
		GroupID:     group.ID,
		UserID:      owner,
		AccessLevel: conversation.AccessOwner,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := uc.opts.Store.Conversations.CreateWithGroup(ctx, group, conv, membership); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return conv, nil
}
