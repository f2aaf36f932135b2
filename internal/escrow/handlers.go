package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tmarsden/skillvault/internal/apperr"
	"github.com/tmarsden/skillvault/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.HoldEscrow)
	r.POST("/escrows/:bookingId/release", h.ReleaseEscrow)
	r.POST("/escrows/:bookingId/refund", h.RefundEscrow)
	r.GET("/escrows/:bookingId", h.GetEscrow)
	r.GET("/users/:id/escrows", h.ListEscrows)
}

// HoldEscrow handles POST /v1/escrows
func (h *Handler) HoldEscrow(c *gin.Context) {
	var req HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("booking_id", req.BookingID),
		validation.ValidID("learner_id", req.LearnerID),
		validation.ValidID("provider_id", req.ProviderID),
		validation.ValidCredits("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	escrow, err := h.service.Hold(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// ReleaseEscrow handles POST /v1/escrows/:bookingId/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	escrow, err := h.service.Release(c.Request.Context(), c.Param("bookingId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// RefundEscrow handles POST /v1/escrows/:bookingId/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	escrow, err := h.service.Refund(c.Request.Context(), c.Param("bookingId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:bookingId
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.GetByBooking(c.Request.Context(), c.Param("bookingId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/users/:id/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// writeError maps service errors onto HTTP responses. Transition conflicts
// (already resolved, duplicate booking) read as 409; other validation
// failures as 400.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case apperr.IsNotFound(err):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotHeld), errors.Is(err, ErrAlreadyExists):
		status = http.StatusConflict
		code = "invalid_state"
	case apperr.IsValidation(err):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
