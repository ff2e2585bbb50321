// Package router serves response recording and resumption: ingesting
// produced tokens, replaying a recorded stream over SSE, checking which
// conversations have one in progress, and signalling cancellation to
// the producer.
package router

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/threadkeep/threadkeep/engine/conversation/uc"
	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/infra/server/router"
	"github.com/threadkeep/threadkeep/engine/recorder"
)

type Handlers struct {
	opts     *uc.Options
	registry *recorder.Registry
}

func New(opts *uc.Options, registry *recorder.Registry) *Handlers {
	return &Handlers{opts: opts, registry: registry}
}

func (h *Handlers) Register(v1 gin.IRouter) {
	conv := v1.Group("/conversations")
	conv.POST("/:id/record", h.record)
	conv.GET("/:id/resume", h.resume)
	conv.POST("/resume-check", h.resumeCheck)
	conv.POST("/:id/cancel", h.cancel)
}

type recordRequest struct {
	Tokens   []string `json:"tokens"`
	Complete bool     `json:"complete"`
}

// record ingests produced tokens into the conversation's stream. The
// first call opens the stream, later calls append to it, and complete
// closes it so replay followers terminate. The response echoes whether
// a reader requested cancellation so the producer can stop early.
func (h *Handlers) record(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		router.RespondProblem(c, core.BadRequestError("invalid request body"))
		return
	}
	if len(req.Tokens) == 0 && !req.Complete {
		router.RespondProblem(c, core.BadRequestError("tokens must not be empty"))
		return
	}
	id := core.ID(c.Param("id"))
	if err := uc.NewAuthorizeWrite(h.opts).Execute(c.Request.Context(), id); err != nil {
		router.RespondProblem(c, err)
		return
	}
	rec := h.registry.Recorder(c.Request.Context(), id)
	for _, token := range req.Tokens {
		if err := rec.Write(token); err != nil {
			router.RespondProblem(c, core.ConflictError("STREAM_COMPLETED",
				"the stream was completed by another producer"))
			return
		}
	}
	cancelRequested := false
	select {
	case <-rec.CancelRequested():
		cancelRequested = true
	default:
	}
	if req.Complete {
		rec.Complete()
	}
	c.JSON(http.StatusOK, gin.H{
		"recorded":        len(req.Tokens),
		"complete":        req.Complete,
		"cancelRequested": cancelRequested,
	})
}

// resume replays the recorded stream from the requested offset and then
// follows it live. Visibility is the same as reading the conversation.
func (h *Handlers) resume(c *gin.Context) {
	id := core.ID(c.Param("id"))
	if _, err := uc.NewGetConversation(h.opts).Execute(c.Request.Context(), id); err != nil {
		router.RespondProblem(c, err)
		return
	}
	from := 0
	if raw := strings.TrimSpace(c.Query("from")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			router.RespondProblem(c, core.BadRequestError("from must be a non-negative integer"))
			return
		}
		from = parsed
	}
	tokens, err := h.registry.Replay(c.Request.Context(), id, from)
	if err != nil {
		if errors.Is(err, recorder.ErrReplayFailed) {
			router.RespondProblem(c, core.NotFoundError("no recorded stream for conversation"))
			return
		}
		router.RespondProblem(c, err)
		return
	}
	sse, err := router.NewSSEWriter(c)
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	pos := from
	for token := range tokens {
		if err := sse.Send("token", gin.H{"index": pos, "token": token}); err != nil {
			return
		}
		pos++
	}
	if c.Request.Context().Err() == nil {
		sse.Send("done", gin.H{"count": pos})
	}
}

// resumeCheck filters the given ids down to those with a stream in
// progress that the caller is allowed to see.
func (h *Handlers) resumeCheck(c *gin.Context) {
	var ids []core.ID
	if err := c.ShouldBindJSON(&ids); err != nil {
		router.RespondProblem(c, core.BadRequestError("request body must be an array of conversation ids"))
		return
	}
	active := h.registry.Check(c.Request.Context(), ids)
	visible := make([]core.ID, 0, len(active))
	getConv := uc.NewGetConversation(h.opts)
	for _, id := range active {
		if _, err := getConv.Execute(c.Request.Context(), id); err == nil {
			visible = append(visible, id)
		}
	}
	c.JSON(http.StatusOK, router.Page{Data: visible})
}

func (h *Handlers) cancel(c *gin.Context) {
	id := core.ID(c.Param("id"))
	if _, err := uc.NewGetConversation(h.opts).Execute(c.Request.Context(), id); err != nil {
		router.RespondProblem(c, err)
		return
	}
	h.registry.RequestCancel(id)
	c.Status(http.StatusNoContent)
}
