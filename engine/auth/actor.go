package auth

import "context"

// PlatformRole is a service-wide role resolved from configuration.
type PlatformRole string

const (
	PlatformNone PlatformRole = ""
	// PlatformAdmin may read and write any group, subject to the
	// justification policy.
	PlatformAdmin PlatformRole = "admin"
	// PlatformAuditor has read-only access to any group.
	PlatformAuditor PlatformRole = "auditor"
	// PlatformIndexer may write index projections only.
	PlatformIndexer PlatformRole = "indexer"
)

// Actor is the resolved identity of a request: a user, an agent client,
// or both (agent acting for a user).
type Actor struct {
	UserID   string
	ClientID string
	Platform PlatformRole
	// OrgRoles maps organization id to the actor's role in it
	// (owner/admin/member).
	OrgRoles map[string]string
	// TeamIDs are teams the actor belongs to.
	TeamIDs []string
	// Justification accompanies privileged writes.
	Justification string
}

// IsAgent reports whether the actor authenticated with an API key.
func (a *Actor) IsAgent() bool { return a.ClientID != "" }

// OrgManages reports whether the actor is owner or admin of the org.
func (a *Actor) OrgManages(orgID string) bool {
	role, ok := a.OrgRoles[orgID]
	return ok && (role == "owner" || role == "admin")
}

// InTeam reports team membership.
func (a *Actor) InTeam(teamID string) bool {
	for _, id := range a.TeamIDs {
		if id == teamID {
			return true
		}
	}
	return false
}

type actorCtxKey struct{}

// ContextWithActor attaches the actor to the context.
func ContextWithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, actor)
}

// ActorFromContext returns the actor stored in ctx, or nil.
func ActorFromContext(ctx context.Context) *Actor {
	actor, _ := ctx.Value(actorCtxKey{}).(*Actor)
	return actor
}
