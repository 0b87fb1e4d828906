package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/audit"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/domain"
)

// EventTypeOrderAccepted is the type of events published for paid orders.
const EventTypeOrderAccepted = "order.accepted"

// OrderAcceptedEvent is the payload handed to fulfillment, in process or over RabbitMQ.
type OrderAcceptedEvent struct {
	EventID        string `json:"eventId"`
	EventType      string `json:"eventType"`
	EventTimestamp string `json:"eventTimestamp"`
	RequestID      string `json:"requestId,omitempty"`
	ReferenceID    string `json:"referenceId"`
	AccountID      int64  `json:"accountId"`
	ServiceID      string `json:"serviceId"`
	IMEI           string `json:"imei"`
	Price          string `json:"price"`
}

// NewOrderAcceptedEvent builds the fulfillment event for order.
func NewOrderAcceptedEvent(ctx context.Context, order *domain.Order) OrderAcceptedEvent {
	return OrderAcceptedEvent{
		EventID:        uuid.NewString(),
		EventType:      EventTypeOrderAccepted,
		EventTimestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID:      middleware.GetReqID(ctx),
		ReferenceID:    order.ReferenceID,
		AccountID:      order.AccountID,
		ServiceID:      order.ServiceID,
		IMEI:           order.IMEI,
		Price:          order.Price.StringFixed(2),
	}
}

// Sender delivers an IMEI to the fulfillment service.
type Sender interface {
	Send(ctx context.Context, imei string) (string, error)
}

// deliver sends one event upstream and records the outcome.
func deliver(ctx context.Context, sender Sender, recorder audit.Recorder, logger *slog.Logger, event OrderAcceptedEvent) error {
	reply, err := sender.Send(ctx, event.IMEI)

	entry := audit.NewEntry(audit.EventDispatchOK)
	entry.RequestID = event.RequestID
	entry.ReferenceID = event.ReferenceID
	if err != nil {
		entry.Event = audit.EventDispatchFailed
		entry.Message = err.Error()
		logger.Error("upstream dispatch failed",
			"request_id", event.RequestID,
			"reference_id", event.ReferenceID,
			"error", err,
		)
	} else {
		entry.Message = reply
		logger.Info("upstream dispatch succeeded",
			"request_id", event.RequestID,
			"reference_id", event.ReferenceID,
		)
	}

	if recErr := recorder.Record(ctx, entry); recErr != nil {
		logger.Warn("failed to record dispatch outcome",
			"reference_id", event.ReferenceID,
			"error", recErr,
		)
	}
	return err
}
