package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"himan-converter/internal/services/health"
	"himan-converter/internal/shared/config"
)

func TestAddr(t *testing.T) {
	tests := map[string]string{
		"":      ":8080",
		"9000":  ":9000",
		":7000": ":7000",
	}
	for in, want := range tests {
		if got := Addr(in); got != want {
			t.Fatalf("Addr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(RouterDeps{
		Config: config.Config{RateLimitRPS: 1, RateLimitBurst: 1},
		Health: health.NewService(nil),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 from health, got %d", resp.Code)
	}
	if resp.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "conversions_started_total") {
		t.Fatalf("unexpected metrics response %d: %s", resp.Code, resp.Body.String())
	}
}
