// Package router exposes the conversation store over HTTP. Handlers stay
// thin: parse, call the use case, map the failure kind.
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/conversation/uc"
	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/infra/server/router"
	"github.com/threadkeep/threadkeep/engine/memsync"
)

type Handlers struct {
	opts *uc.Options
	sync *memsync.Service
}

func New(opts *uc.Options, sync *memsync.Service) *Handlers {
	return &Handlers{opts: opts, sync: sync}
}

// Register mounts the conversation and ownership-transfer routes.
func (h *Handlers) Register(v1 gin.IRouter) {
	conv := v1.Group("/conversations")
	conv.POST("", h.create)
	conv.GET("", h.list)
	conv.POST("/search", h.search)
	conv.GET("/:id", h.get)
	conv.DELETE("/:id", h.delete)
	conv.GET("/:id/entries", h.listEntries)
	conv.POST("/:id/entries", h.appendEntry)
	conv.POST("/:id/entries/bulk", h.appendBulk)
	conv.POST("/:id/entries/:entryId/fork", h.fork)
	conv.GET("/:id/forks", h.listForks)
	conv.POST("/:id/memory/sync", h.memorySync)
	conv.POST("/:id/summaries", h.appendSummary)
	conv.GET("/:id/memberships", h.listMemberships)
	conv.POST("/:id/memberships", h.share)
	conv.PATCH("/:id/memberships/:userId", h.updateMembership)
	conv.DELETE("/:id/memberships/:userId", h.deleteMembership)

	transfers := v1.Group("/ownership-transfers")
	transfers.POST("", h.createTransfer)
	transfers.POST("/:id/accept", h.acceptTransfer)
	transfers.DELETE("/:id", h.deleteTransfer)
}

func pathID(c *gin.Context, name string) core.ID {
	return core.ID(c.Param(name))
}

type createConversationRequest struct {
	ID             string         `json:"id"`
	Title          *string        `json:"title"`
	Metadata       map[string]any `json:"metadata"`
	OrganizationID *string        `json:"organizationId"`
	TeamID         *string        `json:"teamId"`
}

func (h *Handlers) create(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		router.RespondProblem(c, core.BadRequestError("invalid request body"))
		return
	}
	conv, err := uc.NewCreateConversation(h.opts).Execute(c.Request.Context(), &uc.CreateConversationInput{
		ID:             core.ID(req.ID),
		Title:          req.Title,
		Metadata:       req.Metadata,
		OrganizationID: req.OrganizationID,
		TeamID:         req.TeamID,
	})
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handlers) list(c *gin.Context) {
	mode, ok := conversation.ParseListMode(c.Query("mode"))
	if !ok {
		router.RespondProblem(c, core.BadRequestError("mode must be one of all, roots, latest_fork"))
		return
	}
	limit, err := router.ParseLimit(c)
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	out, err := uc.NewListConversations(h.opts).Execute(c.Request.Context(), &uc.ListConversationsInput{
		Query: c.Query("q"),
		After: c.Query("after"),
		Limit: limit,
		Mode:  mode,
	})
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, router.Page{Data: out.Data, NextCursor: out.NextCursor})
}

func (h *Handlers) get(c *gin.Context) {
	conv, err := uc.NewGetConversation(h.opts).Execute(c.Request.Context(), pathID(c, "id"))
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handlers) delete(c *gin.Context) {
	if err := uc.NewDeleteConversation(h.opts).Execute(c.Request.Context(), pathID(c, "id")); err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) listForks(c *gin.Context) {
	forks, err := uc.NewListForks(h.opts).Execute(c.Request.Context(), pathID(c, "id"))
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, router.Page{Data: forks})
}

type searchRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode"`
	Limit int    `json:"limit"`
}

func (h *Handlers) search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		router.RespondProblem(c, core.BadRequestError("invalid request body"))
		return
	}
	results, err := uc.NewSearchConversations(h.opts).Execute(c.Request.Context(), &uc.SearchConversationsInput{
		Query: req.Query,
		Mode:  uc.SearchMode(req.Mode),
		Limit: req.Limit,
	})
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, router.Page{Data: results})
}
