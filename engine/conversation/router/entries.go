package router

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/threadkeep/threadkeep/engine/auth"
	"github.com/threadkeep/threadkeep/engine/conversation"
	"github.com/threadkeep/threadkeep/engine/conversation/uc"
	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/infra/server/router"
	"github.com/threadkeep/threadkeep/engine/memsync"
)

func (h *Handlers) listEntries(c *gin.Context) {
	limit, err := router.ParseLimit(c)
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	in := &uc.GetEntriesInput{
		ConversationID: pathID(c, "id"),
		After:          c.Query("after"),
		Limit:          limit,
	}
	if raw := c.Query("channel"); raw != "" {
		channel, ok := conversation.ParseChannel(raw)
		if !ok {
			router.RespondProblem(c, core.BadRequestError("unknown channel"))
			return
		}
		in.Channel = &channel
	}
	if raw := c.Query("epoch"); raw != "" {
		epoch, err := parseEpoch(raw)
		if err != nil {
			router.RespondProblem(c, err)
			return
		}
		in.Epoch = epoch
	}
	out, err := uc.NewGetEntries(h.opts).Execute(c.Request.Context(), in)
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, router.Page{Data: out.Data, NextCursor: out.NextCursor})
}

func parseEpoch(raw string) (conversation.EpochFilter, error) {
	switch strings.ToUpper(raw) {
	case string(conversation.EpochLatest):
		return conversation.EpochFilter{Kind: conversation.EpochLatest}, nil
	case string(conversation.EpochAll):
		return conversation.EpochFilter{Kind: conversation.EpochAll}, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return conversation.EpochFilter{}, core.BadRequestError("epoch must be LATEST, ALL, or a non-negative integer")
	}
	return conversation.EpochFilter{Kind: conversation.EpochExact, N: n}, nil
}

type appendEntryRequest struct {
	Channel     string                      `json:"channel"`
	Content     []conversation.ContentBlock `json:"content"`
	ContentType string                      `json:"contentType"`
	MemoryEpoch *int64                      `json:"memoryEpoch"`
	UserID      *string                     `json:"userId"`
}

// appendEntry routes a single append by the caller's identity: users
// write HISTORY, agents default to MEMORY and may pick any channel.
func (h *Handlers) appendEntry(c *gin.Context) {
	var req appendEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		router.RespondProblem(c, core.BadRequestError("invalid request body"))
		return
	}
	actor := auth.ActorFromContext(c.Request.Context())
	if actor == nil {
		router.RespondProblem(c, core.UnauthorizedError("authentication required"))
		return
	}
	id := pathID(c, "id")
	if !actor.IsAgent() {
		if req.Channel != "" && !strings.EqualFold(req.Channel, string(conversation.ChannelHistory)) {
			router.RespondProblem(c, core.AccessDeniedError("users may only write HISTORY entries"))
			return
		}
		entry, err := uc.NewAppendUserEntry(h.opts).Execute(c.Request.Context(), &uc.AppendUserEntryInput{
			ConversationID: id,
			Content:        req.Content,
			ContentType:    req.ContentType,
		})
		if err != nil {
			router.RespondProblem(c, err)
			return
		}
		c.JSON(http.StatusCreated, entry)
		return
	}
	channel := conversation.ChannelMemory
	if req.Channel != "" {
		parsed, ok := conversation.ParseChannel(req.Channel)
		if !ok {
			router.RespondProblem(c, core.BadRequestError("unknown channel"))
			return
		}
		channel = parsed
	}
	entries, err := uc.NewAppendAgentEntries(h.opts).Execute(c.Request.Context(), &uc.AppendAgentEntriesInput{
		ConversationID: id,
		Entries: []uc.AgentEntryInput{{
			Channel:     channel,
			Content:     req.Content,
			ContentType: req.ContentType,
			MemoryEpoch: req.MemoryEpoch,
			UserID:      req.UserID,
		}},
	})
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.JSON(http.StatusCreated, entries[0])
}

type appendBulkRequest struct {
	Entries []appendEntryRequest `json:"entries"`
}

func (h *Handlers) appendBulk(c *gin.Context) {
	var req appendBulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		router.RespondProblem(c, core.BadRequestError("invalid request body"))
		return
	}
	if len(req.Entries) == 0 {
		router.RespondProblem(c, core.BadRequestError("entries must not be empty"))
		return
	}
	in := &uc.AppendAgentEntriesInput{
		ConversationID: pathID(c, "id"),
		Entries:        make([]uc.AgentEntryInput, 0, len(req.Entries)),
	}
	for _, e := range req.Entries {
		channel, ok := conversation.ParseChannel(e.Channel)
		if !ok {
			router.RespondProblem(c, core.BadRequestError("unknown channel"))
			return
		}
		in.Entries = append(in.Entries, uc.AgentEntryInput{
			Channel:     channel,
			Content:     e.Content,
			ContentType: e.ContentType,
			MemoryEpoch: e.MemoryEpoch,
			UserID:      e.UserID,
		})
	}
	entries, err := uc.NewAppendAgentEntries(h.opts).Execute(c.Request.Context(), in)
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.JSON(http.StatusCreated, router.Page{Data: entries})
}

type memorySyncRequest struct {
	Messages []memsync.Message `json:"messages"`
}

func (h *Handlers) memorySync(c *gin.Context) {
	var req memorySyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		router.RespondProblem(c, core.BadRequestError("invalid request body"))
		return
	}
	result, err := h.sync.Sync(c.Request.Context(), &memsync.Input{
		ConversationID: pathID(c, "id"),
		Messages:       req.Messages,
	})
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type forkRequest struct {
	Title    *string        `json:"title"`
	Metadata map[string]any `json:"metadata"`
}

func (h *Handlers) fork(c *gin.Context) {
	// Every field is optional, so an empty body is a valid request.
	var req forkRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		router.RespondProblem(c, core.BadRequestError("invalid request body"))
		return
	}
	conv, err := uc.NewForkConversation(h.opts).Execute(c.Request.Context(), &uc.ForkConversationInput{
		ConversationID: pathID(c, "id"),
		EntryID:        pathID(c, "entryId"),
		Title:          req.Title,
		Metadata:       req.Metadata,
	})
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

type appendSummaryRequest struct {
	Summary      string     `json:"summary"`
	ContentType  string     `json:"contentType"`
	Title        *string    `json:"title"`
	UntilEntryID *string    `json:"untilEntryId"`
	SummarizedAt *time.Time `json:"summarizedAt"`
}

func (h *Handlers) appendSummary(c *gin.Context) {
	var req appendSummaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		router.RespondProblem(c, core.BadRequestError("invalid request body"))
		return
	}
	in := &uc.AppendSummaryInput{
		ConversationID: pathID(c, "id"),
		Text:           req.Summary,
		ContentType:    req.ContentType,
		Title:          req.Title,
		SummarizedAt:   req.SummarizedAt,
	}
	if req.UntilEntryID != nil && *req.UntilEntryID != "" {
		until := core.ID(*req.UntilEntryID)
		in.UntilEntryID = &until
	}
	entry, err := uc.NewAppendSummary(h.opts).Execute(c.Request.Context(), in)
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}
