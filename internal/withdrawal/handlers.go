package withdrawal

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tmarsden/skillvault/internal/apperr"
	"github.com/tmarsden/skillvault/internal/validation"
)

// Handler provides HTTP endpoints for withdrawal operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new withdrawal handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the user-facing withdrawal routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals", h.RequestWithdrawal)
	r.GET("/withdrawals/:id", h.GetWithdrawal)
	r.GET("/users/:id/withdrawals", h.ListWithdrawals)
}

// RegisterAdminRoutes sets up the review surface: the pending queue, the
// decision endpoint and the post-approval failure endpoint.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/withdrawals", h.ListPending)
	r.POST("/withdrawals/:id/process", h.ProcessWithdrawal)
	r.POST("/withdrawals/:id/fail", h.FailWithdrawal)
}

// RequestWithdrawal handles POST /v1/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var in RequestInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("user_id", in.UserID),
		validation.ValidMoney("amount", in.Amount),
		validation.ValidCurrency("currency", in.Currency),
		validation.MaxLength("method", in.Method, 32),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	req, err := h.service.Request(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"withdrawal": req})
}

// ProcessWithdrawal handles POST /v1/withdrawals/:id/process
func (h *Handler) ProcessWithdrawal(c *gin.Context) {
	var in ProcessInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "decision and reviewedBy are required",
		})
		return
	}

	req, err := h.service.Process(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"withdrawal": req})
}

// FailWithdrawal handles POST /v1/withdrawals/:id/fail
func (h *Handler) FailWithdrawal(c *gin.Context) {
	var in struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	req, err := h.service.MarkFailed(c.Request.Context(), c.Param("id"), in.Reason)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"withdrawal": req})
}

// GetWithdrawal handles GET /v1/withdrawals/:id
func (h *Handler) GetWithdrawal(c *gin.Context) {
	req, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": req})
}

// ListPending handles GET /v1/withdrawals (the admin review queue).
func (h *Handler) ListPending(c *gin.Context) {
	reqs, err := h.service.ListPending(c.Request.Context(), parseLimit(c, 100, 500))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"withdrawals": reqs,
		"count":       len(reqs),
	})
}

// ListWithdrawals handles GET /v1/users/:id/withdrawals
func (h *Handler) ListWithdrawals(c *gin.Context) {
	reqs, err := h.service.ListByUser(c.Request.Context(), c.Param("id"), parseLimit(c, 50, 200))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"withdrawals": reqs,
		"count":       len(reqs),
	})
}

func parseLimit(c *gin.Context, def, max int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > max {
				limit = max
			}
		}
	}
	return limit
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case apperr.IsNotFound(err):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotPending), errors.Is(err, ErrNotProcessed):
		status = http.StatusConflict
		code = "invalid_state"
	case apperr.IsValidation(err):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
