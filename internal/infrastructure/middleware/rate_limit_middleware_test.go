package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newLimitedRouter(rps float64, burst int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(rps, burst))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router *gin.Engine, remoteAddr, forwardedFor string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	router.ServeHTTP(w, req)
	return w.Code
}

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	router := newLimitedRouter(0, 0)
	for i := 0; i < 5; i++ {
		if code := get(router, "10.0.0.1:1000", ""); code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i, code)
		}
	}
}

// Test basic per-IP rate limiting behaviour.
func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	router := newLimitedRouter(1, 1)

	if code := get(router, "10.0.0.1:1000", ""); code != http.StatusOK {
		t.Fatalf("expected status 200 for first request, got %d", code)
	}
	if code := get(router, "10.0.0.1:1001", ""); code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 for second request, got %d", code)
	}
	// another address has its own budget
	if code := get(router, "10.0.0.2:1000", ""); code != http.StatusOK {
		t.Fatalf("expected status 200 for other client, got %d", code)
	}
}

func TestHTTPRateLimitMiddleware_ForwardedFor(t *testing.T) {
	router := newLimitedRouter(1, 1)

	if code := get(router, "10.0.0.9:80", "192.0.2.1, 10.0.0.9"); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if code := get(router, "10.0.0.9:80", "192.0.2.1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected the forwarded client to be limited, got %d", code)
	}
	if code := get(router, "10.0.0.9:80", "192.0.2.2"); code != http.StatusOK {
		t.Fatalf("expected a different forwarded client to pass, got %d", code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "not-an-address"
	if got := clientIP(req); got != "not-an-address" {
		t.Errorf("clientIP() = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "garbage")
	if got := clientIP(req); got != "not-an-address" {
		t.Errorf("clientIP() with bad forwarded header = %q", got)
	}
}
