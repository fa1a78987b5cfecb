package conversions

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"himan-converter/internal/links"
	"himan-converter/internal/shared/metrics"
	"himan-converter/internal/shared/server/middleware"
	"himan-converter/internal/shared/server/respond"
	"himan-converter/internal/shared/util"
)

// Handler wires HTTP handlers to the service.
type Handler struct {
	Svc   *Service
	Share ShareInfo
}

// NewHandler constructs a Handler. Empty share fields fall back to the
// product defaults.
func NewHandler(svc *Service, share ShareInfo) *Handler {
	if strings.TrimSpace(share.Title) == "" {
		share.Title = DefaultShareTitle
	}
	if strings.TrimSpace(share.Text) == "" {
		share.Text = DefaultShareText
	}
	return &Handler{Svc: svc, Share: share}
}

// RegisterRoutes attaches conversion, session, result and share routes.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/conversions", h.submit)
	rg.GET("/conversions/:id", h.get)
	rg.GET("/session", h.state)
	rg.POST("/session/reset", h.reset)
	rg.GET("/results/:token", h.download)
	rg.GET("/share", h.share)
}

func (h *Handler) submit(c *gin.Context) {
	sessionID := middleware.SessionIDFromContext(c)
	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))

	conv, err := h.Svc.Submit(ctx, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotIdle):
			respond.Error(c, http.StatusConflict, "not_idle", "a conversion is in progress or finished; reset first", nil)
		case errors.Is(err, ErrNoSelection):
			respond.Error(c, http.StatusBadRequest, "no_selection", "select a file first", nil)
		case errors.Is(err, ErrInvalidInput):
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to start conversion", nil)
		}
		return
	}

	c.Set("conversionId", conv.ID)
	c.Set("documentId", conv.DocumentID)
	c.Set("statusTransition", transition(PhaseIdle, PhaseConverting))
	respond.Accepted(c, h.Svc.toResponse(conv))
}

func (h *Handler) get(c *gin.Context) {
	sessionID := middleware.SessionIDFromContext(c)
	conversionID := c.Param("id")
	c.Set("conversionId", conversionID)

	conv, err := h.Svc.Get(c.Request.Context(), sessionID, conversionID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "conversion not found", nil)
		case errors.Is(err, ErrInvalidInput):
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch conversion", nil)
		}
		return
	}

	respond.OK(c, h.Svc.toResponse(conv))
}

func (h *Handler) state(c *gin.Context) {
	sessionID := middleware.SessionIDFromContext(c)

	view, err := h.Svc.State(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to read session", nil)
		return
	}
	if view.ConversionID != "" {
		c.Set("conversionId", view.ConversionID)
	}
	respond.OK(c, view)
}

func (h *Handler) reset(c *gin.Context) {
	sessionID := middleware.SessionIDFromContext(c)
	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))

	view, err := h.Svc.Reset(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to reset session", nil)
		return
	}
	respond.OK(c, view)
}

func (h *Handler) download(c *gin.Context) {
	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))

	dl, err := h.Svc.Download(ctx, c.Param("token"))
	if err != nil {
		switch {
		case errors.Is(err, links.ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "result not found", nil)
		case errors.Is(err, links.ErrExpired):
			respond.Error(c, http.StatusGone, "expired", "result link has expired", nil)
		default:
			respond.Error(c, http.StatusBadGateway, "download_failed", "Download failed. Please try again.", nil)
		}
		return
	}
	c.Set("conversionId", dl.Link.ConversionID)

	if dl.RedirectURL != "" {
		metrics.IncDownloadFallback()
		c.Redirect(http.StatusTemporaryRedirect, dl.RedirectURL)
		return
	}
	defer dl.Body.Close()

	metrics.IncDownload()
	contentType := dl.Link.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, -1, contentType, dl.Body, map[string]string{
		"Content-Disposition": util.AttachmentHeader(dl.Link.DownloadName),
		"Cache-Control":       "no-store",
	})
}

func (h *Handler) share(c *gin.Context) {
	respond.OK(c, h.Share)
}
