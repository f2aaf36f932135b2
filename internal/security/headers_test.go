package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestHeadersMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(HeadersMiddleware())
	router.GET("/v1/users/:id/balance", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/users/learner1/balance", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"X-XSS-Protection":       "1; mode=block",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
		// The API serves JSON only; the CSP forbids rendering and framing.
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Permissions-Policy":      "geolocation=(), microphone=(), camera=()",
	}
	for header, expected := range want {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s = %q, want %q", header, got, expected)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name            string
		allowedOrigins  []string
		requestOrigin   string
		wantOrigin      bool
		wantCredentials bool
	}{
		{
			name:            "configured origin",
			allowedOrigins:  []string{"https://app.skillvault.io"},
			requestOrigin:   "https://app.skillvault.io",
			wantOrigin:      true,
			wantCredentials: true,
		},
		{
			name:            "second configured origin",
			allowedOrigins:  []string{"https://app.skillvault.io", "https://admin.skillvault.io"},
			requestOrigin:   "https://admin.skillvault.io",
			wantOrigin:      true,
			wantCredentials: true,
		},
		{
			name:           "unknown origin",
			allowedOrigins: []string{"https://app.skillvault.io"},
			requestOrigin:  "https://elsewhere.example",
			wantOrigin:     false,
		},
		{
			// Wildcard reflects any origin but must not allow credentials.
			name:           "wildcard without credentials",
			allowedOrigins: []string{"*"},
			requestOrigin:  "https://elsewhere.example",
			wantOrigin:     true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := gin.New()
			router.Use(CORSMiddleware(tc.allowedOrigins))
			router.GET("/v1/escrows/:bookingId", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/v1/escrows/booking-1", nil)
			req.Header.Set("Origin", tc.requestOrigin)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if got := w.Header().Get("Access-Control-Allow-Origin") != ""; got != tc.wantOrigin {
				t.Errorf("Allow-Origin present=%v, want %v", got, tc.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tc.wantCredentials {
				t.Errorf("Allow-Credentials=%v, want %v", got, tc.wantCredentials)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(CORSMiddleware([]string{"https://app.skillvault.io"}))
	router.POST("/v1/withdrawals", func(c *gin.Context) { c.Status(http.StatusCreated) })

	req := httptest.NewRequest(http.MethodOptions, "/v1/withdrawals", nil)
	req.Header.Set("Origin", "https://app.skillvault.io")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status=%d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("Access-Control-Allow-Methods not set")
	}
}
