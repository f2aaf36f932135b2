package ledger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupRouter(t *testing.T) (*gin.Engine, *Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := New(NewMemoryStore())
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

func TestBalanceEndpoints(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/users/learner1/balance", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", w.Code, w.Body.String())
	}

	// Creating again is a no-op, not an error.
	w = doJSON(r, http.MethodPost, "/v1/users/learner1/balance", nil)
	if w.Code != http.StatusCreated {
		t.Errorf("recreate status=%d, want 201", w.Code)
	}

	w = doJSON(r, http.MethodGet, "/v1/users/learner1/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status=%d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Balance Balance `json:"balance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Balance.Credits != 0 || resp.Balance.WalletBalance != "0.00" {
		t.Errorf("unexpected balance: %+v", resp.Balance)
	}

	w = doJSON(r, http.MethodGet, "/v1/users/missing/balance", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing user status=%d, want 404", w.Code)
	}
}

func TestPurchaseCreditsEndpoint(t *testing.T) {
	r, _ := setupRouter(t)
	doJSON(r, http.MethodPost, "/v1/users/learner1/balance", nil)

	w := doJSON(r, http.MethodPost, "/v1/users/learner1/credits", map[string]interface{}{
		"amount":      100,
		"source":      "credit_pack",
		"referenceId": "order-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Transaction Transaction `json:"transaction"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Transaction.Type != TypeCreditPurchase || resp.Transaction.Amount != "100" {
		t.Errorf("unexpected transaction: %+v", resp.Transaction)
	}

	// Zero and negative amounts fail validation before the service runs.
	for _, amount := range []int64{0, -10} {
		w = doJSON(r, http.MethodPost, "/v1/users/learner1/credits", map[string]interface{}{"amount": amount})
		if w.Code != http.StatusBadRequest {
			t.Errorf("amount %d: status=%d, want 400", amount, w.Code)
		}
	}
}

func TestSpendCreditsEndpoint(t *testing.T) {
	r, _ := setupRouter(t)
	doJSON(r, http.MethodPost, "/v1/users/learner1/balance", nil)
	doJSON(r, http.MethodPost, "/v1/users/learner1/credits", map[string]interface{}{"amount": 100})

	w := doJSON(r, http.MethodPost, "/v1/users/learner1/credits/spend", map[string]interface{}{
		"amount":      25,
		"source":      "instant_session",
		"referenceId": "booking-9",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	// Overspend surfaces as a validation error.
	w = doJSON(r, http.MethodPost, "/v1/users/learner1/credits/spend", map[string]interface{}{"amount": 1000})
	if w.Code != http.StatusBadRequest {
		t.Errorf("overspend status=%d, want 400", w.Code)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	r, _ := setupRouter(t)
	doJSON(r, http.MethodPost, "/v1/users/learner1/balance", nil)
	doJSON(r, http.MethodPost, "/v1/users/learner1/credits", map[string]interface{}{
		"amount": 100, "referenceId": "order-1",
	})
	doJSON(r, http.MethodPost, "/v1/users/learner1/credits", map[string]interface{}{
		"amount": 50, "referenceId": "order-2",
	})

	w := doJSON(r, http.MethodGet, "/v1/users/learner1/transactions?limit=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Transactions []*Transaction `json:"transactions"`
		Count        int            `json:"count"`
		HasMore      bool           `json:"hasMore"`
		NextCursor   string         `json:"nextCursor"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Transactions[0].ReferenceID != "order-2" {
		t.Errorf("expected newest entry only, got %+v", resp.Transactions)
	}
	if !resp.HasMore || resp.NextCursor == "" {
		t.Errorf("expected another page, got hasMore=%v cursor=%q", resp.HasMore, resp.NextCursor)
	}

	// Following the cursor returns the older entry.
	w = doJSON(r, http.MethodGet, "/v1/users/learner1/transactions?limit=1&cursor="+resp.NextCursor, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cursor page status=%d body=%s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Transactions[0].ReferenceID != "order-1" {
		t.Errorf("expected older entry, got %+v", resp.Transactions)
	}
	if resp.HasMore {
		t.Error("expected last page")
	}

	// Garbage cursors are rejected.
	if w := doJSON(r, http.MethodGet, "/v1/users/learner1/transactions?cursor=%21bad", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad cursor status=%d, want 400", w.Code)
	}

	w = doJSON(r, http.MethodGet, "/v1/references/order-1/transactions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("by-reference status=%d body=%s", w.Code, w.Body.String())
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 {
		t.Errorf("by-reference count=%d, want 1", resp.Count)
	}
}
