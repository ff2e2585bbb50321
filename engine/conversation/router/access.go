package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/conversation/uc"
	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/infra/server/router"
)

func (h *Handlers) listMemberships(c *gin.Context) {
	memberships, err := uc.NewListMemberships(h.opts).Execute(c.Request.Context(), pathID(c, "id"))
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, router.Page{Data: memberships})
}

type shareRequest struct {
	UserID      string `json:"userId"`
	AccessLevel string `json:"accessLevel"`
}

func (h *Handlers) share(c *gin.Context) {
	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		router.RespondProblem(c, core.BadRequestError("invalid request body"))
		return
	}
	level, ok := conversation.ParseAccessLevel(req.AccessLevel)
	if !ok {
		router.RespondProblem(c, core.BadRequestError("unknown access level"))
		return
	}
	membership, err := uc.NewShareConversation(h.opts).Execute(c.Request.Context(), &uc.ShareConversationInput{
		ConversationID: pathID(c, "id"),
		UserID:         req.UserID,
		AccessLevel:    level,
	})
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.JSON(http.StatusCreated, membership)
}

type updateMembershipRequest struct {
	AccessLevel string `json:"accessLevel"`
}

func (h *Handlers) updateMembership(c *gin.Context) {
	var req updateMembershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		router.RespondProblem(c, core.BadRequestError("invalid request body"))
		return
	}
	level, ok := conversation.ParseAccessLevel(req.AccessLevel)
	if !ok {
		router.RespondProblem(c, core.BadRequestError("unknown access level"))
		return
	}
	membership, err := uc.NewUpdateMembership(h.opts).Execute(c.Request.Context(), &uc.UpdateMembershipInput{
		ConversationID: pathID(c, "id"),
		UserID:         c.Param("userId"),
		AccessLevel:    level,
	})
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, membership)
}

func (h *Handlers) deleteMembership(c *gin.Context) {
	err := uc.NewDeleteMembership(h.opts).Execute(c.Request.Context(), &uc.DeleteMembershipInput{
		ConversationID: pathID(c, "id"),
		UserID:         c.Param("userId"),
	})
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createTransferRequest struct {
	ConversationID string `json:"conversationId"`
	NewOwnerUserID string `json:"newOwnerUserId"`
}

func (h *Handlers) createTransfer(c *gin.Context) {
	var req createTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		router.RespondProblem(c, core.BadRequestError("invalid request body"))
		return
	}
	transfer, err := uc.NewCreateTransfer(h.opts).Execute(c.Request.Context(), &uc.CreateTransferInput{
		ConversationID: core.ID(req.ConversationID),
		ToUserID:       req.NewOwnerUserID,
	})
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.JSON(http.StatusCreated, transfer)
}

func (h *Handlers) acceptTransfer(c *gin.Context) {
	err := uc.NewAcceptTransfer(h.opts).Execute(c.Request.Context(), &uc.AcceptTransferInput{
		TransferID: pathID(c, "id"),
	})
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) deleteTransfer(c *gin.Context) {
	err := uc.NewDeleteTransfer(h.opts).Execute(c.Request.Context(), &uc.DeleteTransferInput{
		TransferID: pathID(c, "id"),
	})
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
