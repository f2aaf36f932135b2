package ledger

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tmarsden/skillvault/internal/apperr"
	"github.com/tmarsden/skillvault/internal/pagination"
	"github.com/tmarsden/skillvault/internal/validation"
)

// Handler provides HTTP endpoints for balances and ledger history.
type Handler struct {
	service *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Ledger) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up balance and ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users/:id/balance", h.CreateBalance)
	r.GET("/users/:id/balance", h.GetBalance)
	r.POST("/users/:id/credits", h.PurchaseCredits)
	r.POST("/users/:id/credits/spend", h.SpendCredits)
	r.GET("/users/:id/transactions", h.GetHistory)
	r.GET("/references/:referenceId/transactions", h.ListByReference)
}

// CreateBalance handles POST /v1/users/:id/balance. Creating an existing
// balance is a no-op.
func (h *Handler) CreateBalance(c *gin.Context) {
	userID := c.Param("id")
	if err := h.service.CreateBalance(c.Request.Context(), userID); err != nil {
		writeError(c, err)
		return
	}
	balance, err := h.service.GetBalance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"balance": balance})
}

// GetBalance handles GET /v1/users/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.service.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// CreditRequest is the body for purchasing or spending credits. Amounts are
// positive credit counts; the purchase was authorized upstream.
type CreditRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	Source      string `json:"source"`
	ReferenceID string `json:"referenceId"`
}

// PurchaseCredits handles POST /v1/users/:id/credits
func (h *Handler) PurchaseCredits(c *gin.Context) {
	userID := c.Param("id")
	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidCredits("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	entry, err := h.service.AddCredits(c.Request.Context(), userID, req.Amount, req.Source, req.ReferenceID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": entry})
}

// SpendCredits handles POST /v1/users/:id/credits/spend
func (h *Handler) SpendCredits(c *gin.Context) {
	userID := c.Param("id")
	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidCredits("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	entry, err := h.service.SpendCredits(c.Request.Context(), userID, req.Amount, req.Source, req.ReferenceID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": entry})
}

// GetHistory handles GET /v1/users/:id/transactions with cursor pagination.
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "invalid cursor",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	transactions, err := h.service.GetHistory(c.Request.Context(), c.Param("id"), limit+1, cursor)
	if err != nil {
		writeError(c, err)
		return
	}

	page, next, hasMore := pagination.ComputePage(transactions, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	resp := gin.H{
		"transactions": page,
		"count":        len(page),
		"hasMore":      hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// ListByReference handles GET /v1/references/:referenceId/transactions. All
// entries written for one business event, across users.
func (h *Handler) ListByReference(c *gin.Context) {
	transactions, err := h.service.ListByReference(c.Request.Context(), c.Param("referenceId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case apperr.IsNotFound(err):
		status = http.StatusNotFound
		code = "not_found"
	case apperr.IsValidation(err):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
