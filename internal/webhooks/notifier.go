package webhooks

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tmarsden/skillvault/internal/booking"
	"github.com/tmarsden/skillvault/internal/idgen"
	"github.com/tmarsden/skillvault/internal/logging"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skillvault",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skillvault",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Notifier delivers booking lifecycle events over webhooks. It satisfies the
// booking adapter's notification contract: both the learner and the provider
// of the booking receive the event.
type Notifier struct {
	d *Dispatcher
}

// NewNotifier creates a webhook-backed booking notifier.
func NewNotifier(d *Dispatcher) *Notifier {
	return &Notifier{d: d}
}

// Notify fans the event out to the learner's and provider's subscriptions.
// Delivery runs detached from the caller's context so an ending HTTP request
// does not cancel in-flight sends.
func (n *Notifier) Notify(ctx context.Context, e booking.Event) error {
	webhookEmitTotal.WithLabelValues(e.Type).Inc()

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      EventType(e.Type),
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"bookingId":  e.BookingID,
			"learnerId":  e.LearnerID,
			"providerId": e.ProviderID,
			"amount":     e.Amount,
		},
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)

	var firstErr error
	waits := make([]func(), 0, 2)
	for _, userID := range []string{e.LearnerID, e.ProviderID} {
		wait, err := n.d.Dispatch(sendCtx, userID, event)
		waits = append(waits, wait)
		if err != nil {
			webhookEmitErrors.WithLabelValues(e.Type).Inc()
			logging.L(ctx).Warn("webhook emit failed",
				"event", e.Type, "user", userID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	// Release the context once this event's queued sends have drained.
	// The waits are batch-scoped, so concurrent notifications through the
	// shared dispatcher never hold each other's context open.
	go func() {
		for _, wait := range waits {
			wait()
		}
		cancel()
	}()

	return firstErr
}
