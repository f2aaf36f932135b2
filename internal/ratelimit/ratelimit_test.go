package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestAllowBurstThenDeny(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("203.0.113.7") {
			t.Fatalf("request %d should fit in the burst", i)
		}
	}
	if l.Allow("203.0.113.7") {
		t.Error("request beyond the burst should be denied")
	}
}

func TestAllowReplenishes(t *testing.T) {
	l := New(Config{RequestsPerMinute: 600, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	if !l.Allow("203.0.113.7") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("203.0.113.7") {
		t.Error("bucket should be empty right after the burst")
	}

	// 10 tokens per second, so ~100ms buys one back.
	time.Sleep(150 * time.Millisecond)
	if !l.Allow("203.0.113.7") {
		t.Error("token should have replenished")
	}
}

func TestAllowIsolatesClients(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 2, CleanupInterval: time.Minute})
	defer l.Stop()

	l.Allow("203.0.113.7")
	l.Allow("203.0.113.7")
	if l.Allow("203.0.113.7") {
		t.Error("exhausted client should be limited")
	}
	if !l.Allow("198.51.100.20") {
		t.Error("other clients keep their own bucket")
	}
}

func TestMiddlewareReturns429(t *testing.T) {
	gin.SetMode(gin.TestMode)

	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/users/:id/balance", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/users/learner1/balance", nil))
		return w
	}

	if w := get(); w.Code != http.StatusOK {
		t.Fatalf("first request status=%d, want 200", w.Code)
	}
	w := get()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status=%d, want 429", w.Code)
	}
	if !strings.Contains(w.Body.String(), "rate_limit_exceeded") {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 || cfg.CleanupInterval != time.Minute {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
