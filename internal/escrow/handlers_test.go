package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := NewService(NewMemoryStore(), &mockLedger{})
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))
	return r, svc
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

func TestHoldEscrowEndpoint(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/escrows", holdReq())
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Escrow Escrow `json:"escrow"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Escrow.Status != StatusHeld || resp.Escrow.BookingID != "booking-1" {
		t.Errorf("unexpected escrow: %+v", resp.Escrow)
	}
}

func TestHoldEscrowEndpoint_Validation(t *testing.T) {
	r, _ := setupRouter(t)

	// Missing required fields.
	w := doJSON(r, http.MethodPost, "/v1/escrows", map[string]interface{}{"bookingId": "b1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status=%d, want 400", w.Code)
	}

	// Malformed IDs.
	req := holdReq()
	req.LearnerID = "has spaces"
	w = doJSON(r, http.MethodPost, "/v1/escrows", req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status=%d, want 400", w.Code)
	}

	// Duplicate booking reads as a conflict.
	w = doJSON(r, http.MethodPost, "/v1/escrows", holdReq())
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d, want 201", w.Code)
	}
	w = doJSON(r, http.MethodPost, "/v1/escrows", holdReq())
	if w.Code != http.StatusConflict {
		t.Errorf("status=%d, want 409", w.Code)
	}
}

func TestReleaseEscrowEndpoint(t *testing.T) {
	r, _ := setupRouter(t)

	doJSON(r, http.MethodPost, "/v1/escrows", holdReq())

	w := doJSON(r, http.MethodPost, "/v1/escrows/booking-1/release", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	// Second release conflicts.
	w = doJSON(r, http.MethodPost, "/v1/escrows/booking-1/release", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status=%d, want 409", w.Code)
	}

	// Unknown booking is 404.
	w = doJSON(r, http.MethodPost, "/v1/escrows/missing/release", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status=%d, want 404", w.Code)
	}
}

func TestRefundEscrowEndpoint(t *testing.T) {
	r, _ := setupRouter(t)

	doJSON(r, http.MethodPost, "/v1/escrows", holdReq())

	w := doJSON(r, http.MethodPost, "/v1/escrows/booking-1/refund", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Escrow Escrow `json:"escrow"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Escrow.Status != StatusRefunded {
		t.Errorf("status=%s, want refunded", resp.Escrow.Status)
	}
}

func TestGetAndListEscrowEndpoints(t *testing.T) {
	r, _ := setupRouter(t)

	doJSON(r, http.MethodPost, "/v1/escrows", holdReq())

	w := doJSON(r, http.MethodGet, "/v1/escrows/booking-1", nil)
	if w.Code != http.StatusOK {
		t.Errorf("get status=%d, want 200", w.Code)
	}
	w = doJSON(r, http.MethodGet, "/v1/escrows/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get missing status=%d, want 404", w.Code)
	}

	w = doJSON(r, http.MethodGet, "/v1/users/learner1/escrows", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status=%d, want 200", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 {
		t.Errorf("count=%d, want 1", resp.Count)
	}
}
