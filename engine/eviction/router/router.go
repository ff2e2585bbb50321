// Package router exposes the admin eviction endpoint. Progress streams
// over SSE when the client asks for it; otherwise the run is synchronous
// and silent.
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/threadkeep/threadkeep/engine/auth"
	"github.com/threadkeep/threadkeep/engine/authz"
	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/eviction"
	"github.com/threadkeep/threadkeep/engine/infra/server/router"
)

type Handlers struct {
	engine *eviction.Engine
	authz  *authz.Engine
}

func New(engine *eviction.Engine, az *authz.Engine) *Handlers {
	return &Handlers{engine: engine, authz: az}
}

func (h *Handlers) Register(v1 gin.IRouter) {
	v1.POST("/admin/evict", h.evict)
}

type evictRequest struct {
	RetentionPeriod string   `json:"retentionPeriod"`
	ResourceTypes   []string `json:"resourceTypes"`
	Justification   string   `json:"justification"`
}

func (h *Handlers) evict(c *gin.Context) {
	var req evictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		router.RespondProblem(c, core.BadRequestError("invalid request body"))
		return
	}
	actor := auth.ActorFromContext(c.Request.Context())
	if actor != nil && actor.Justification == "" {
		// The justification may ride in the body instead of the header.
		actor.Justification = req.Justification
	}
	if err := h.authz.RequireAdmin(actor, true); err != nil {
		router.RespondProblem(c, err)
		return
	}
	run := &eviction.Request{
		RetentionPeriod: req.RetentionPeriod,
		ResourceTypes:   req.ResourceTypes,
	}
	if !router.WantsEventStream(c) {
		if err := h.engine.Run(c.Request.Context(), run, nil); err != nil {
			router.RespondProblem(c, err)
			return
		}
		c.Status(http.StatusNoContent)
		return
	}
	sse, err := router.NewSSEWriter(c)
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	runErr := h.engine.Run(c.Request.Context(), run, func(p eviction.Progress) {
		sse.Send("progress", p)
	})
	if runErr != nil {
		// Headers are already out; report the failure in-stream.
		sse.Send("error", core.ProblemFromError(runErr).Body())
		return
	}
	sse.Send("done", gin.H{"percent": 100})
}
