package documents

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"himan-converter/internal/shared/server/middleware"
	"himan-converter/internal/shared/server/respond"
	"himan-converter/internal/uploads"
)

const defaultMaxUploadSize = 10 << 20 // 10MB

// IdleGate reports whether a session may change its selection.
type IdleGate interface {
	IsIdle(ctx context.Context, sessionID string) (bool, error)
}

// Handler wires HTTP handlers to the service.
type Handler struct {
	Svc      *Service
	Gate     IdleGate
	MaxBytes int64
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service, gate IdleGate, maxBytes int64) *Handler {
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadSize
	}
	return &Handler{Svc: svc, Gate: gate, MaxBytes: maxBytes}
}

// RegisterRoutes attaches selection routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/selection", h.selectFile)
	rg.GET("/selection", h.current)
	rg.DELETE("/selection", h.clear)
}

func (h *Handler) selectFile(c *gin.Context) {
	sessionID := middleware.SessionIDFromContext(c)
	if !h.requireIdle(c, sessionID) {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxBytes)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		if isTooLarge(err) {
			respond.Error(c, http.StatusRequestEntityTooLarge, "file_too_large", "file exceeds the upload limit", gin.H{"maxBytes": h.MaxBytes})
			return
		}
		respond.Error(c, http.StatusBadRequest, "validation_error", "file is required", nil)
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")

	file, err := fileHeader.Open()
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "unable to read file", nil)
		return
	}
	defer file.Close()

	doc, err := h.Svc.Select(c.Request.Context(), sessionID, fileHeader.Filename, mimeType, file)
	if err != nil {
		switch {
		case errors.Is(err, uploads.ErrInvalidFileType):
			respond.Error(c, http.StatusBadRequest, "invalid_file_type", uploads.UserMessage, gin.H{"mimeType": mimeType, "allowed": uploads.Allowed()})
		case errors.Is(err, ErrInvalidInput):
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to store file", nil)
		}
		return
	}

	c.Set("documentId", doc.ID)
	respond.JSON(c, http.StatusCreated, ToResponse(doc))
}

func (h *Handler) current(c *gin.Context) {
	sessionID := middleware.SessionIDFromContext(c)

	doc, err := h.Svc.Current(c.Request.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "no file selected", nil)
		case errors.Is(err, ErrInvalidInput):
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch selection", nil)
		}
		return
	}

	c.Set("documentId", doc.ID)
	respond.OK(c, ToResponse(doc))
}

func (h *Handler) clear(c *gin.Context) {
	sessionID := middleware.SessionIDFromContext(c)
	if !h.requireIdle(c, sessionID) {
		return
	}

	if err := h.Svc.Clear(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, ErrInvalidInput) {
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to clear selection", nil)
		return
	}
	respond.NoContent(c)
}

func (h *Handler) requireIdle(c *gin.Context, sessionID string) bool {
	if h.Gate == nil {
		return true
	}
	idle, err := h.Gate.IsIdle(c.Request.Context(), sessionID)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to read session state", nil)
		return false
	}
	if !idle {
		respond.Error(c, http.StatusConflict, "not_idle", "a conversion is in progress or finished; reset first", nil)
		return false
	}
	return true
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}
