package withdrawal

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := NewService(NewMemoryStore(), &mockWallet{})
	r := gin.New()
	h := NewHandler(svc)
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1)
	return r
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

func createRequest(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := doJSON(r, http.MethodPost, "/v1/withdrawals", requestInput())
	if w.Code != http.StatusCreated {
		t.Fatalf("request status=%d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Withdrawal WithdrawalRequest `json:"withdrawal"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.Withdrawal.ID
}

func TestRequestWithdrawalEndpoint(t *testing.T) {
	r := setupRouter(t)
	id := createRequest(t, r)

	w := doJSON(r, http.MethodGet, "/v1/withdrawals/"+id, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get status=%d, want 200", w.Code)
	}

	// Bad amounts are rejected before touching the wallet.
	in := requestInput()
	in.Amount = "12.345"
	w = doJSON(r, http.MethodPost, "/v1/withdrawals", in)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status=%d, want 400", w.Code)
	}
}

func TestProcessWithdrawalEndpoint(t *testing.T) {
	r := setupRouter(t)
	id := createRequest(t, r)

	// Approve without a transfer ID fails.
	w := doJSON(r, http.MethodPost, "/v1/withdrawals/"+id+"/process", ProcessInput{
		Decision: DecisionApprove, ReviewedBy: "admin1",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status=%d, want 400", w.Code)
	}

	w = doJSON(r, http.MethodPost, "/v1/withdrawals/"+id+"/process", ProcessInput{
		Decision: DecisionApprove, ReviewedBy: "admin1", TransactionID: "bank-tx-789",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	// Second decision conflicts.
	w = doJSON(r, http.MethodPost, "/v1/withdrawals/"+id+"/process", ProcessInput{
		Decision: DecisionReject, ReviewedBy: "admin2",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("status=%d, want 409", w.Code)
	}

	w = doJSON(r, http.MethodPost, "/v1/withdrawals/wd_missing/process", ProcessInput{
		Decision: DecisionReject, ReviewedBy: "admin1",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("status=%d, want 404", w.Code)
	}
}

func TestFailWithdrawalEndpoint(t *testing.T) {
	r := setupRouter(t)
	id := createRequest(t, r)

	doJSON(r, http.MethodPost, "/v1/withdrawals/"+id+"/process", ProcessInput{
		Decision: DecisionApprove, ReviewedBy: "admin1", TransactionID: "bank-tx-789",
	})

	w := doJSON(r, http.MethodPost, "/v1/withdrawals/"+id+"/fail", map[string]string{"reason": "bounced"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Withdrawal WithdrawalRequest `json:"withdrawal"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Withdrawal.Status != StatusFailed {
		t.Errorf("status=%s, want failed", resp.Withdrawal.Status)
	}
}

func TestWithdrawalQueueEndpoints(t *testing.T) {
	r := setupRouter(t)
	createRequest(t, r)
	createRequest(t, r)

	w := doJSON(r, http.MethodGet, "/v1/withdrawals", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Errorf("pending count=%d, want 2", resp.Count)
	}

	w = doJSON(r, http.MethodGet, "/v1/users/provider1/withdrawals", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", w.Code)
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Errorf("user count=%d, want 2", resp.Count)
	}
}
