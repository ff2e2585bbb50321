// Package router holds the helpers shared by every route handler:
// problem responses, pagination parsing, and server-sent event plumbing.
package router

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/pkg/logger"
)

const (
	// DefaultPageSize bounds list responses when the caller is silent.
	DefaultPageSize = 50
	// MaxPageSize is the hard ceiling for any single page.
	MaxPageSize = 500
)

// RespondProblem writes the error envelope for err and aborts the
// request. Server faults log with full detail; the body stays generic.
func RespondProblem(c *gin.Context, err error) {
	p := core.ProblemFromError(err)
	log := logger.FromContext(c.Request.Context())
	if p.Status >= http.StatusInternalServerError {
		log.Error("request failed",
			"status", p.Status, "route", c.FullPath(), "method", c.Request.Method, "error", err)
	} else {
		log.Debug("request rejected",
			"status", p.Status, "route", c.FullPath(), "code", p.Code)
	}
	c.AbortWithStatusJSON(p.Status, p.Body())
}

// ParseLimit reads the limit query parameter, clamped to MaxPageSize.
func ParseLimit(c *gin.Context) (int, error) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return DefaultPageSize, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, core.BadRequestError("limit must be a positive integer")
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return limit, nil
}

// Page is the {data, nextCursor?} list envelope.
type Page struct {
	Data       any    `json:"data"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// WantsEventStream reports whether the client asked for SSE, via either
// the Accept header or the async query flag.
func WantsEventStream(c *gin.Context) bool {
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		return true
	}
	return strings.EqualFold(c.Query("async"), "true")
}

// SSEWriter streams server-sent events over one response.
type SSEWriter struct {
	c       *gin.Context
	flusher http.Flusher
}

// NewSSEWriter switches the response into event-stream mode.
func NewSSEWriter(c *gin.Context) (*SSEWriter, error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEWriter{c: c, flusher: flusher}, nil
}

// Send writes one named event with a JSON payload.
func (w *SSEWriter) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}
	if _, err := fmt.Fprintf(w.c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	w.flusher.Flush()
	return nil
}
