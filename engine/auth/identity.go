package auth

import (
	"context"
	"crypto/subtle"
	"fmt"

	oidc "github.com/coreos/go-oidc/v3/oidc"

	"github.com/threadkeep/threadkeep/pkg/config"
)

// IdentityResolver turns an opaque bearer credential into an actor.
// Resolvers return (nil, nil) when the credential is not of their kind so
// the chain can continue.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (*Actor, error)
}

// APIKeyResolver maps configured API keys to agent client ids.
type APIKeyResolver struct {
	// keyToClient indexes every configured key.
	keyToClient map[string]string
	roles       *roleMapper
}

func NewAPIKeyResolver(cfg *config.AuthConfig) *APIKeyResolver {
	index := make(map[string]string)
	for clientID, keys := range cfg.APIKeys {
		for _, key := range keys {
			index[key] = clientID
		}
	}
	return &APIKeyResolver{keyToClient: index, roles: newRoleMapper(cfg)}
}

func (r *APIKeyResolver) Resolve(_ context.Context, token string) (*Actor, error) {
	for key, clientID := range r.keyToClient {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return &Actor{
				ClientID: clientID,
				Platform: r.roles.forClient(clientID),
			}, nil
		}
	}
	return nil, nil
}

// OIDCResolver validates bearer tokens against the configured issuer.
type OIDCResolver struct {
	verifier *oidc.IDTokenVerifier
	roles    *roleMapper
}

// oidcClaims is the subset of token claims the service consumes.
type oidcClaims struct {
	Subject  string              `json:"sub"`
	Roles    []string            `json:"roles"`
	OrgRoles map[string]string   `json:"org_roles"`
	Teams    []string            `json:"teams"`
}

func NewOIDCResolver(ctx context.Context, oidcCfg *config.OIDCConfig, authCfg *config.AuthConfig) (*OIDCResolver, error) {
	provider, err := oidc.NewProvider(ctx, oidcCfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC issuer: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: oidcCfg.Audience})
	return &OIDCResolver{verifier: verifier, roles: newRoleMapper(authCfg)}, nil
}

func (r *OIDCResolver) Resolve(ctx context.Context, token string) (*Actor, error) {
	idToken, err := r.verifier.Verify(ctx, token)
	if err != nil {
		// Not a valid OIDC token; let the chain decide.
		return nil, nil
	}
	var claims oidcClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decoding token claims: %w", err)
	}
	return &Actor{
		UserID:   claims.Subject,
		Platform: r.roles.forUser(claims.Subject, claims.Roles),
		OrgRoles: claims.OrgRoles,
		TeamIDs:  claims.Teams,
	}, nil
}

// ChainResolver tries each resolver in order.
type ChainResolver struct {
	resolvers []IdentityResolver
}

func NewChainResolver(resolvers ...IdentityResolver) *ChainResolver {
	return &ChainResolver{resolvers: resolvers}
}

func (c *ChainResolver) Resolve(ctx context.Context, token string) (*Actor, error) {
	for _, r := range c.resolvers {
		if r == nil {
			continue
		}
		actor, err := r.Resolve(ctx, token)
		if err != nil {
			return nil, err
		}
		if actor != nil {
			return actor, nil
		}
	}
	return nil, nil
}

// roleMapper resolves platform roles from the configured mappings.
type roleMapper struct {
	cfg *config.AuthConfig
}

func newRoleMapper(cfg *config.AuthConfig) *roleMapper {
	return &roleMapper{cfg: cfg}
}

func (m *roleMapper) forClient(clientID string) PlatformRole {
	for role, rc := range m.roleConfigs() {
		for _, id := range rc.Clients {
			if id == clientID {
				return role
			}
		}
	}
	return PlatformNone
}

func (m *roleMapper) forUser(userID string, oidcRoles []string) PlatformRole {
	for role, rc := range m.roleConfigs() {
		for _, id := range rc.Users {
			if id == userID {
				return role
			}
		}
		if rc.OIDCRole != "" {
			for _, r := range oidcRoles {
				if r == rc.OIDCRole {
					return role
				}
			}
		}
	}
	return PlatformNone
}

func (m *roleMapper) roleConfigs() map[PlatformRole]config.RoleConfig {
	return map[PlatformRole]config.RoleConfig{
		PlatformAdmin:   m.cfg.Admin,
		PlatformAuditor: m.cfg.Auditor,
		PlatformIndexer: m.cfg.Indexer,
	}
}
