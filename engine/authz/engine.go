package authz

import (
	"context"
	"fmt"

	"github.com/threadkeep/threadkeep/engine/auth"
	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/core"
)

// Engine resolves (actor, group) to an effective access level and
// enforces the minimum level per operation.
type Engine struct {
	memberships conversation.MembershipRepository
	// requireJustification forces admins to supply a justification on
	// writes.
	requireJustification bool
}

func NewEngine(memberships conversation.MembershipRepository, requireJustification bool) *Engine {
	return &Engine{memberships: memberships, requireJustification: requireJustification}
}

// PrincipalID is the membership key for an actor: the user id, or a
// client-scoped principal for agents acting without a user identity.
func PrincipalID(actor *auth.Actor) string {
	if actor.UserID != "" {
		return actor.UserID
	}
	return "client:" + actor.ClientID
}

// Resolve returns the actor's effective access level on the group and
// whether any access exists at all. Resolution order: platform role,
// direct membership, implicit org/team membership, agent default.
func (e *Engine) Resolve(ctx context.Context, actor *auth.Actor, group *conversation.Group) (conversation.AccessLevel, bool, error) {
	var level conversation.AccessLevel
	found := false
	raise := func(l conversation.AccessLevel) {
		if !found || l.AtLeast(level) {
			level = l
		}
		found = true
	}
	m, err := e.memberships.Get(ctx, group.ID, PrincipalID(actor))
	if err != nil {
		return "", false, fmt.Errorf("resolving membership: %w", err)
	}
	if m != nil {
		raise(m.AccessLevel)
	}
	// Org owners/admins act as managers on group-scoped conversations,
	// never as owners.
	if group.OrganizationID != nil && actor.OrgManages(*group.OrganizationID) {
		raise(conversation.AccessManager)
	}
	if group.TeamID != nil && actor.InTeam(*group.TeamID) {
		raise(conversation.AccessWriter)
	}
	// Agents are the application backend; they read and write the
	// conversations they serve without explicit membership.
	if actor.IsAgent() && actor.UserID == "" {
		raise(conversation.AccessWriter)
	}
	return level, found, nil
}

// Require enforces the minimum access level for an operation. write
// distinguishes mutations for the auditor and justification rules.
func (e *Engine) Require(
	ctx context.Context,
	actor *auth.Actor,
	group *conversation.Group,
	required conversation.AccessLevel,
	write bool,
) error {
	if actor == nil {
		return core.UnauthorizedError("authentication required")
	}
	switch actor.Platform {
	case auth.PlatformAdmin:
		if write && e.requireJustification && actor.Justification == "" {
			return core.JustificationRequiredError("admin writes require a justification")
		}
		return nil
	case auth.PlatformAuditor:
		if !write {
			return nil
		}
		return core.AccessDeniedError("auditors are read-only")
	}
	level, found, err := e.Resolve(ctx, actor, group)
	if err != nil {
		return err
	}
	if !found {
		// The resource stays invisible to actors with no access.
		return core.NotFoundError("conversation not found")
	}
	if !level.AtLeast(required) {
		return core.AccessDeniedError("insufficient access level")
	}
	return nil
}

// RequireIndexer admits platform indexers and admins only; it guards
// index-projection writes such as vectorized_at updates.
func (e *Engine) RequireIndexer(actor *auth.Actor) error {
	if actor == nil {
		return core.UnauthorizedError("authentication required")
	}
	if actor.Platform == auth.PlatformIndexer || actor.Platform == auth.PlatformAdmin {
		return nil
	}
	return core.AccessDeniedError("indexer role required")
}

// RequireAdmin guards admin-only operations such as eviction.
func (e *Engine) RequireAdmin(actor *auth.Actor, write bool) error {
	if actor == nil {
		return core.UnauthorizedError("authentication required")
	}
	if actor.Platform != auth.PlatformAdmin {
		return core.AccessDeniedError("admin role required")
	}
	if write && e.requireJustification && actor.Justification == "" {
		return core.JustificationRequiredError("admin writes require a justification")
	}
	return nil
}
