package uc

import (
	"context"
	"fmt"
	"time"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

// ListMemberships returns the explicit memberships of the conversation's
// group. The roster is manager-only, like every other membership
// operation.
type ListMemberships struct {
	opts *Options
}

func NewListMemberships(opts *Options) *ListMemberships {
	return &ListMemberships{opts: opts}
}

func (uc *ListMemberships) Execute(ctx context.Context, conversationID core.ID) ([]*conversation.Membership, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	conv, _, err := loadForAccess(ctx, uc.opts, actor, conversationID, conversation.AccessManager, false)
	if err != nil {
		return nil, err
	}
	members, err := uc.opts.Store.Memberships.List(ctx, conv.GroupID)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	return members, nil
}

// ShareConversation grants or raises a user's access on the group.
// Ownership moves through transfers, never through sharing.
type ShareConversation struct {
	opts *Options
}

func NewShareConversation(opts *Options) *ShareConversation {
	return &ShareConversation{opts: opts}
}

type ShareConversationInput struct {
	ConversationID core.ID
	UserID         string
	AccessLevel    conversation.AccessLevel
}

func (uc *ShareConversation) Execute(ctx context.Context, in *ShareConversationInput) (*conversation.Membership, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if in.UserID == "" {
		return nil, core.BadRequestError("userId is required")
	}
	if in.AccessLevel == conversation.AccessOwner {
		return nil, core.BadRequestError("ownership is granted through transfers")
	}
	if !in.AccessLevel.AtLeast(conversation.AccessReader) {
		return nil, core.BadRequestError("invalid access level")
	}
	conv, _, err := loadForAccess(ctx, uc.opts, actor, in.ConversationID, conversation.AccessManager, true)
	if err != nil {
		return nil, err
	}
	existing, err := uc.opts.Store.Memberships.Get(ctx, conv.GroupID, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading membership: %w", err)
	}
	if existing != nil && existing.AccessLevel == conversation.AccessOwner {
		return nil, core.BadRequestError("the owner's access level cannot be changed")
	}
	now := time.Now().UTC()
	m := &conversation.Membership{
		GroupID:     conv.GroupID,
		UserID:      in.UserID,
		AccessLevel: in.AccessLevel,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing != nil {
		m.CreatedAt = existing.CreatedAt
	}
	if err := uc.opts.Store.Memberships.Upsert(ctx, m); err != nil {
		return nil, fmt.Errorf("sharing conversation: %w", err)
	}
	return m, nil
}

// UpdateMembership changes an existing member's access level.
type UpdateMembership struct {
	opts *Options
}

func NewUpdateMembership(opts *Options) *UpdateMembership {
	return &UpdateMembership{opts: opts}
}

type UpdateMembershipInput struct {
	ConversationID core.ID
	UserID         string
	AccessLevel    conversation.AccessLevel
}

func (uc *UpdateMembership) Execute(ctx context.Context, in *UpdateMembershipInput) (*conversation.Membership, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if in.AccessLevel == conversation.AccessOwner {
		return nil, core.BadRequestError("ownership is granted through transfers")
	}
	if !in.AccessLevel.AtLeast(conversation.AccessReader) {
		return nil, core.BadRequestError("invalid access level")
	}
	conv, _, err := loadForAccess(ctx, uc.opts, actor, in.ConversationID, conversation.AccessManager, true)
	if err != nil {
		return nil, err
	}
	existing, err := uc.opts.Store.Memberships.Get(ctx, conv.GroupID, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading membership: %w", err)
	}
	if existing == nil {
		return nil, core.NotFoundError("membership not found")
	}
	if existing.AccessLevel == conversation.AccessOwner {
		return nil, core.BadRequestError("the owner's access level cannot be changed")
	}
	if err := uc.opts.Store.Memberships.UpdateLevel(ctx, conv.GroupID, in.UserID, in.AccessLevel); err != nil {
		return nil, fmt.Errorf("updating membership: %w", err)
	}
	existing.AccessLevel = in.AccessLevel
	existing.UpdatedAt = time.Now().UTC()
	return existing, nil
}

// DeleteMembership revokes a member's access. Removing a transfer target
// cancels the pending transfer; removing the owner is rejected.
type DeleteMembership struct {
	opts *Options
}

func NewDeleteMembership(opts *Options) *DeleteMembership {
	return &DeleteMembership{opts: opts}
}

type DeleteMembershipInput struct {
	ConversationID core.ID
	UserID         string
}

func (uc *DeleteMembership) Execute(ctx context.Context, in *DeleteMembershipInput) error {
	actor, err := requireActor(ctx)
	if err != nil {
		return err
	}
	conv, _, err := loadForAccess(ctx, uc.opts, actor, in.ConversationID, conversation.AccessManager, true)
	if err != nil {
		return err
	}
	existing, err := uc.opts.Store.Memberships.Get(ctx, conv.GroupID, in.UserID)
	if err != nil {
		return fmt.Errorf("loading membership: %w", err)
	}
	if existing == nil {
		return core.NotFoundError("membership not found")
	}
	if existing.AccessLevel == conversation.AccessOwner {
		return core.BadRequestError("the owner cannot be removed; transfer ownership first")
	}
	if err := uc.opts.Store.Memberships.Delete(ctx, conv.GroupID, in.UserID); err != nil {
		return fmt.Errorf("deleting membership: %w", err)
	}
	return nil
}
