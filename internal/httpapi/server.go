// Package httpapi exposes a vault over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/alexjoedt/filevault"
)

// Service is the part of *filevault.Vault the handlers use.
type Service interface {
	Upload(ctx context.Context, originalName string, r io.Reader) (int64, error)
	List(ctx context.Context) ([]filevault.Summary, error)
	Fetch(ctx context.Context, id int64) (*filevault.Content, error)
	Delete(ctx context.Context, id int64) error
}

type Options struct {
	Logger *zap.Logger

	// Gatherer backs GET /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer

	// MaxUploadBytes caps the request body of POST /upload. Zero means
	// no limit.
	MaxUploadBytes int64
}

type handler struct {
	svc       Service
	logger    *zap.Logger
	maxUpload int64
}

// NewRouter returns the gin engine serving svc.
func NewRouter(svc Service, opts Options) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &handler{svc: svc, logger: logger, maxUpload: opts.MaxUploadBytes}

	r := gin.New()
	r.Use(RequestID(), Recovery(logger), AccessLog(logger), CORS())

	r.GET("/", h.root)
	r.GET("/healthz", h.healthz)
	r.GET("/files", h.list)
	r.POST("/upload", h.upload)
	r.GET("/files/:id/content", h.content)
	r.DELETE("/files/:id", h.delete)

	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	return r
}

func (h *handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "Secure Vault Running"})
}

func (h *handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) list(c *gin.Context) {
	list, err := h.svc.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *handler) upload(c *gin.Context) {
	if h.maxUpload > 0 {
		if c.Request.ContentLength > h.maxUpload {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": "File too large", "code": "too_large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": "File too large", "code": "too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"detail": "No file or invalid form", "code": "invalid_input"})
		return
	}
	defer file.Close()

	name := c.PostForm("original_name")
	if name == "" {
		name = header.Filename
	}

	id, err := h.svc.Upload(c.Request.Context(), name, file)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "status": "Saved"})
}

func (h *handler) content(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	content, err := h.svc.Fetch(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer content.Close()

	contentType := content.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename*=UTF-8''%s`, url.PathEscape(content.Name)))
	c.Header("Content-Type", contentType)
	if content.Checksum != "" {
		c.Header("ETag", strconv.Quote(content.Checksum))
	}

	if rs, ok := content.ReadCloser.(io.ReadSeeker); ok {
		http.ServeContent(c.Writer, c.Request, content.Name, content.CreatedAt, rs)
		return
	}

	c.DataFromReader(http.StatusOK, content.Size, contentType, content, nil)
}

func (h *handler) delete(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	if err := h.svc.Delete(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "Deleted successfully"})
}

func (h *handler) parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid file id", "code": "invalid_input"})
		return 0, false
	}
	return id, true
}

// fail maps a vault error onto a status code and JSON body.
func (h *handler) fail(c *gin.Context, err error) {
	kind := filevault.Kind(err)

	status := http.StatusInternalServerError
	detail := "Internal server error"
	switch kind {
	case "record_not_found":
		status, detail = http.StatusNotFound, "File not found"
	case "blob_missing":
		status, detail = http.StatusNotFound, "File missing from disk"
	case "invalid_input":
		status, detail = http.StatusBadRequest, err.Error()
	}

	_ = c.Error(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}

	c.JSON(status, gin.H{"detail": detail, "code": kind})
}
