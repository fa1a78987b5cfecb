package respond

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestErrorWritesEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/v1/selection", func(c *gin.Context) {
		Error(c, http.StatusBadRequest, "invalid_file_type", "Please upload a valid PDF, JPG, or PNG file.", gin.H{"mimeType": "text/plain"})
		c.String(http.StatusOK, "unreachable")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/selection", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "invalid_file_type" {
		t.Fatalf("unexpected code %q", body.Error.Code)
	}
	if body.Error.Message != "Please upload a valid PDF, JPG, or PNG file." {
		t.Fatalf("unexpected message %q", body.Error.Message)
	}
	details, ok := body.Error.Details.(map[string]any)
	if !ok || details["mimeType"] != "text/plain" {
		t.Fatalf("unexpected details %#v", body.Error.Details)
	}
}

func TestNoContent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.DELETE("/api/v1/selection", NoContent)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/selection", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
}
