package audit

import (
	"context"
	"time"

	id "registrar/pkg/domain"
)

// EventCategory classifies audit events so sinks can apply different retention.
type EventCategory string

const (
	// CategoryPayment covers events that move or refuse to move money.
	// These need durable storage because finance reconciles against them.
	CategoryPayment EventCategory = "payment"

	// CategoryOperations covers routine registration activity.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category   EventCategory
	Timestamp  time.Time
	OwnerID    id.AccountID
	CheckoutID string
	// Subject is the entity the action applies to, empty for checkout-wide events.
	Subject          string
	EventKey         string
	Action           string
	AmountMinorUnits int64
	PaymentRef       string
	Reason           string
	RequestID        string
}

type AuditEvent string

const (
	EventRegistrationCreated     AuditEvent = "registration.created"
	EventRegistrationPaid        AuditEvent = "registration.paid"
	EventRegistrationAlreadyPaid AuditEvent = "registration.already_paid"
	EventPaymentAmountMismatch   AuditEvent = "payment.amount_mismatch"
	EventPaymentCaptureFailed    AuditEvent = "payment.capture_failed"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventRegistrationPaid:      CategoryPayment,
	EventPaymentAmountMismatch: CategoryPayment,
	EventPaymentCaptureFailed:  CategoryPayment,

	EventRegistrationCreated:     CategoryOperations,
	EventRegistrationAlreadyPaid: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists or forwards audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}
