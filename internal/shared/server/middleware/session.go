package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"himan-converter/internal/shared/server/respond"
)

const (
	// SessionHeader carries the client's session identity.
	SessionHeader = "X-Session-Id"

	sessionIDKey     = "sessionId"
	maxSessionIDSize = 128
)

// Session resolves the session identity from the X-Session-Id header.
// A missing header starts a new session; the id is echoed on the response
// so the client can keep using it.
func Session() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}

		id := strings.TrimSpace(c.GetHeader(SessionHeader))
		if id == "" {
			id = uuid.NewString()
		}
		if len(id) > maxSessionIDSize || strings.ContainsAny(id, "\r\n") {
			respond.Error(c, http.StatusBadRequest, "invalid_session", "invalid session id", nil)
			return
		}

		c.Set(sessionIDKey, id)
		c.Writer.Header().Set(SessionHeader, id)
		c.Next()
	}
}

// SessionIDFromContext fetches the session ID set by the Session middleware.
func SessionIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	val, _ := c.Get(sessionIDKey)
	if id, ok := val.(string); ok {
		return id
	}
	return ""
}
