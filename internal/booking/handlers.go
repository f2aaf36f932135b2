package booking

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tmarsden/skillvault/internal/apperr"
	"github.com/tmarsden/skillvault/internal/escrow"
	"github.com/tmarsden/skillvault/internal/validation"
)

// Lifecycle event types accepted on the inbound endpoint.
const (
	LifecycleCreated   = "booking_created"
	LifecycleCompleted = "booking_completed"
	LifecycleCancelled = "booking_cancelled"
)

// Handler exposes the booking lifecycle as an inbound event endpoint the
// marketplace calls on booking state changes.
type Handler struct {
	adapter *Adapter
}

// NewHandler creates a new booking lifecycle handler.
func NewHandler(adapter *Adapter) *Handler {
	return &Handler{adapter: adapter}
}

// RegisterRoutes sets up the booking lifecycle route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings/events", h.HandleEvent)
}

// LifecycleEvent is the inbound payload. LearnerID, ProviderID, Amount and
// Kind are only required for booking_created.
type LifecycleEvent struct {
	Type       string      `json:"type" binding:"required"`
	BookingID  string      `json:"bookingId" binding:"required"`
	LearnerID  string      `json:"learnerId"`
	ProviderID string      `json:"providerId"`
	Amount     int64       `json:"amount"`
	Kind       escrow.Kind `json:"kind"`
}

// HandleEvent handles POST /v1/bookings/events
func (h *Handler) HandleEvent(c *gin.Context) {
	var in LifecycleEvent
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "type and bookingId are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("booking_id", in.BookingID),
		validation.ValidID("learner_id", in.LearnerID),
		validation.ValidID("provider_id", in.ProviderID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ctx := c.Request.Context()
	switch in.Type {
	case LifecycleCreated:
		if errs := validation.Validate(
			validation.Required("learner_id", in.LearnerID),
			validation.Required("provider_id", in.ProviderID),
			validation.ValidCredits("amount", in.Amount),
		); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": errs.Error(),
				"details": errs,
			})
			return
		}
		e, err := h.adapter.OnCreated(ctx, in.BookingID, in.LearnerID, in.ProviderID, in.Amount, in.Kind)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"escrow": e})

	case LifecycleCompleted:
		e, err := h.adapter.OnCompleted(ctx, in.BookingID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"escrow": e})

	case LifecycleCancelled:
		e, err := h.adapter.OnCancelled(ctx, in.BookingID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"escrow": e})

	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "unknown lifecycle event type: " + in.Type,
		})
	}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case apperr.IsNotFound(err):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, escrow.ErrNotHeld), errors.Is(err, escrow.ErrAlreadyExists):
		status = http.StatusConflict
		code = "invalid_state"
	case apperr.IsValidation(err):
		status = http.StatusBadRequest
		code = "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
