package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/pkg/logger"
)

const (
	headerClientID      = "X-Client-ID"
	headerJustification = "X-Justification"
)

// Middleware authenticates requests and attaches the resolved actor to
// the request context.
type Middleware struct {
	resolver IdentityResolver
	// testingMode honors X-Client-ID as an identity source.
	testingMode bool
}

func NewMiddleware(resolver IdentityResolver, testingMode bool) *Middleware {
	return &Middleware{resolver: resolver, testingMode: testingMode}
}

// Authenticate is the gin handler enforcing bearer authentication.
func (m *Middleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		log := logger.FromContext(ctx)
		if m.testingMode {
			if clientID := c.GetHeader(headerClientID); clientID != "" {
				m.attach(c, &Actor{ClientID: clientID})
				return
			}
		}
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			respondUnauthorized(c, "missing Authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			respondUnauthorized(c, "invalid Authorization header, expected: Bearer <token>")
			return
		}
		token := strings.TrimSpace(parts[1])
		actor, err := m.resolver.Resolve(ctx, token)
		if err != nil {
			log.Error("identity resolution failed", "error", err)
			p := core.ProblemFromError(core.UpstreamError("identity provider unavailable", err))
			c.AbortWithStatusJSON(p.Status, p.Body())
			return
		}
		if actor == nil {
			respondUnauthorized(c, "invalid credential")
			return
		}
		m.attach(c, actor)
	}
}

func (m *Middleware) attach(c *gin.Context, actor *Actor) {
	actor.Justification = c.GetHeader(headerJustification)
	ctx := ContextWithActor(c.Request.Context(), actor)
	c.Request = c.Request.WithContext(ctx)
	c.Next()
}

func respondUnauthorized(c *gin.Context, message string) {
	p := core.ProblemFromError(core.UnauthorizedError(message))
	c.AbortWithStatusJSON(http.StatusUnauthorized, p.Body())
}
