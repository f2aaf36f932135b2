package webhooks

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupRouter(t *testing.T) (*gin.Engine, Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	r := gin.New()
	v1 := r.Group("/v1")
	NewHandler(store).RegisterRoutes(v1)
	return r, store
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateWebhookEndpoint(t *testing.T) {
	r, _ := setupRouter(t)

	// Public IP literal avoids DNS in tests.
	w := doJSON(r, http.MethodPost, "/v1/users/learner1/webhooks", CreateWebhookRequest{
		URL:    "https://203.0.113.10/hooks/bookings",
		Events: []string{"booking_completed", "booking_cancelled"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Secret == "" {
		t.Error("secret not returned on create")
	}
	if resp.Webhook.UserID != "learner1" || !resp.Webhook.Active {
		t.Errorf("unexpected subscription %+v", resp.Webhook)
	}

	// Unknown event types are rejected.
	w = doJSON(r, http.MethodPost, "/v1/users/learner1/webhooks", CreateWebhookRequest{
		URL:    "https://203.0.113.10/hooks",
		Events: []string{"booking_exploded"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown event status=%d, want 400", w.Code)
	}

	// Internal targets are rejected.
	w = doJSON(r, http.MethodPost, "/v1/users/learner1/webhooks", CreateWebhookRequest{
		URL:    "http://127.0.0.1/hooks",
		Events: []string{"booking_completed"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("loopback URL status=%d, want 400", w.Code)
	}
}

func TestListAndDeleteWebhookEndpoints(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/users/learner1/webhooks", CreateWebhookRequest{
		URL:    "https://203.0.113.10/hooks",
		Events: []string{"booking_credits_held"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", w.Code, w.Body.String())
	}
	var created struct {
		Webhook Subscription `json:"webhook"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	w = doJSON(r, http.MethodGet, "/v1/users/learner1/webhooks", nil)
	var list struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 1 {
		t.Errorf("count=%d, want 1", list.Count)
	}

	// Another user cannot delete it.
	w = doJSON(r, http.MethodDelete, "/v1/users/provider1/webhooks/"+created.Webhook.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("cross-user delete status=%d, want 404", w.Code)
	}

	w = doJSON(r, http.MethodDelete, "/v1/users/learner1/webhooks/"+created.Webhook.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("delete status=%d, want 200", w.Code)
	}
	w = doJSON(r, http.MethodDelete, "/v1/users/learner1/webhooks/"+created.Webhook.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("double delete status=%d, want 404", w.Code)
	}
}
