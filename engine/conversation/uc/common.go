// Package uc holds one use case per conversation-store operation. Each
// use case validates input, enforces access, and drives the persistence
// ports; transports stay thin.
package uc

import (
	"context"
	"fmt"

	"github.com/threadkeep/threadkeep/engine/auth"
	"github.com/threadkeep/threadkeep/engine/authz"
	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/memcache"
	"github.com/threadkeep/threadkeep/engine/vector"
)

// Options bundles the dependencies shared by the conversation use cases.
type Options struct {
	Store  *conversation.Store
	Authz  *authz.Engine
	Cache  memcache.Cache
	Vector vector.Store
}

// requireActor pulls the authenticated actor out of the context.
func requireActor(ctx context.Context) (*auth.Actor, error) {
	actor := auth.ActorFromContext(ctx)
	if actor == nil {
		return nil, core.UnauthorizedError("authentication required")
	}
	return actor, nil
}

// loadForAccess fetches the conversation and its group and enforces the
// required access level. Soft-deleted conversations stay invisible to
// everyone but admins.
func loadForAccess(
	ctx context.Context,
	opts *Options,
	actor *auth.Actor,
	conversationID core.ID,
	required conversation.AccessLevel,
	write bool,
) (*conversation.Conversation, *conversation.Group, error) {
	includeDeleted := actor.Platform == auth.PlatformAdmin && !write
	conv, err := opts.Store.Conversations.Get(ctx, conversationID, includeDeleted)
	if err != nil {
		return nil, nil, fmt.Errorf("loading conversation: %w", err)
	}
	if conv == nil {
		return nil, nil, core.NotFoundError("conversation not found")
	}
	group, err := opts.Store.Conversations.GetGroup(ctx, conv.GroupID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading group: %w", err)
	}
	if group == nil {
		return nil, nil, core.NotFoundError("conversation not found")
	}
	if err := opts.Authz.Require(ctx, actor, group, required, write); err != nil {
		return nil, nil, err
	}
	return conv, group, nil
}

// AuthorizeWrite checks that the actor may write the conversation
// without touching it. Surfaces that persist outside the store, like
// the response recorder, gate on it before accepting data.
type AuthorizeWrite struct {
	opts *Options
}

func NewAuthorizeWrite(opts *Options) *AuthorizeWrite {
	return &AuthorizeWrite{opts: opts}
}

func (uc *AuthorizeWrite) Execute(ctx context.Context, conversationID core.ID) error {
	actor, err := requireActor(ctx)
	if err != nil {
		return err
	}
	_, _, err = loadForAccess(ctx, uc.opts, actor, conversationID, conversation.AccessWriter, true)
	return err
}

// visibilityFor builds the listing scope for an actor.
func visibilityFor(actor *auth.Actor) conversation.Visibility {
	v := conversation.Visibility{
		UserID:  authz.PrincipalID(actor),
		TeamIDs: actor.TeamIDs,
		Admin:   actor.Platform == auth.PlatformAdmin || actor.Platform == auth.PlatformAuditor,
	}
	for org, role := range actor.OrgRoles {
		if role == "owner" || role == "admin" {
			v.OrgIDs = append(v.OrgIDs, org)
		}
	}
	return v
}

// deriveTitleFromBlocks applies the first-message title rule.
func deriveTitleFromBlocks(ctx context.Context, opts *Options, conv *conversation.Conversation, blocks []conversation.ContentBlock) error {
	if conv.Title != nil {
		return nil
	}
	for _, block := range blocks {
		if block.Type() == "text" && block.Text() != "" {
			title := conversation.DeriveTitle(block.Text())
			if title == "" {
				return nil
			}
			if err := opts.Store.Conversations.SetTitleIfNull(ctx, conv.ID, title); err != nil {
				return fmt.Errorf("deriving title: %w", err)
			}
			conv.Title = &title
			return nil
		}
	}
	return nil
}
