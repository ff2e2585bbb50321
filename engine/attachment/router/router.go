// Package router serves attachment upload and download. The signed
// download route is the only unauthenticated surface: the HMAC token in
// the path carries its own authorization.
package router

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/threadkeep/threadkeep/engine/attachment"
	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/infra/server/router"
)

type Handlers struct {
	svc    *attachment.Service
	urlTTL time.Duration
}

func New(svc *attachment.Service, urlTTL time.Duration) *Handlers {
	if urlTTL <= 0 {
		urlTTL = 15 * time.Minute
	}
	return &Handlers{svc: svc, urlTTL: urlTTL}
}

// Register mounts the authenticated attachment routes.
func (h *Handlers) Register(v1 gin.IRouter) {
	v1.POST("/attachments", h.upload)
	v1.GET("/attachments/:id", h.download)
}

// RegisterPublic mounts the signed download route outside the
// authentication middleware.
func (h *Handlers) RegisterPublic(v1 gin.IRouter) {
	v1.GET("/attachments/download/:token/:filename", h.signedDownload)
}

func (h *Handlers) upload(c *gin.Context) {
	in := attachment.UploadInput{
		FileName:    c.Query("filename"),
		ContentType: c.ContentType(),
	}
	if in.FileName == "" {
		if _, params, err := mime.ParseMediaType(c.GetHeader("Content-Disposition")); err == nil {
			in.FileName = params["filename"]
		}
	}
	if raw := c.Query("ttl"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			router.RespondProblem(c, core.BadRequestError("ttl must be a positive duration"))
			return
		}
		in.TTL = ttl
	}
	rec, err := h.svc.Upload(c.Request.Context(), c.Request.Body, in)
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// download streams the plaintext, or redirects to a signed URL when the
// caller asks for one with ?redirect=true.
func (h *Handlers) download(c *gin.Context) {
	id := core.ID(c.Param("id"))
	if c.Query("redirect") == "true" {
		rec, stream, err := h.svc.Download(c.Request.Context(), id)
		if err != nil {
			router.RespondProblem(c, err)
			return
		}
		stream.Close()
		signed, err := h.svc.SignedURL(rec.ID, rec.FileName, h.urlTTL)
		if err != nil {
			router.RespondProblem(c, err)
			return
		}
		c.Redirect(http.StatusFound, signed)
		return
	}
	rec, stream, err := h.svc.Download(c.Request.Context(), id)
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	defer stream.Close()
	writeAttachment(c, rec, stream)
}

func (h *Handlers) signedDownload(c *gin.Context) {
	id, expires, sig, err := attachment.ParseDownloadToken(c.Param("token"))
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	if err := h.svc.VerifySignature(id, expires, sig); err != nil {
		router.RespondProblem(c, err)
		return
	}
	rec, stream, err := h.svc.Download(c.Request.Context(), id)
	if err != nil {
		router.RespondProblem(c, err)
		return
	}
	defer stream.Close()
	writeAttachment(c, rec, stream)
}

func writeAttachment(c *gin.Context, rec *attachment.Record, stream io.Reader) {
	contentType := rec.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	extra := map[string]string{}
	if rec.FileName != "" {
		extra["Content-Disposition"] = fmt.Sprintf("attachment; filename=%q", rec.FileName)
	}
	c.DataFromReader(http.StatusOK, rec.Size, contentType, stream, extra)
}
