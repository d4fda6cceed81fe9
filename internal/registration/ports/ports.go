// Package ports declares the collaborators the registration engine depends on
// but does not own: the entity store, the optional entity validator and the
// payment gateway.
package ports

import (
	"context"

	"registrar/internal/registration/models"
	id "registrar/pkg/domain"
)

// EntityStore persists players and teams. Create assigns the id.
type EntityStore interface {
	Create(ctx context.Context, entity models.Entity) (id.EntityID, error)
	Get(ctx context.Context, entityID id.EntityID) (*models.Entity, error)
}

// EntityValidator applies context-specific rules (roster limits, age bands)
// before a new entity is created. Returning a coded error rejects the entity.
type EntityValidator interface {
	Validate(ctx context.Context, entity models.Entity) error
}

// PaymentGateway tokenizes cards and captures charges.
//
// Capture must return sentinel.ErrTimeout (possibly wrapped) when the outcome
// of the charge is unknown; any other error means no charge was made.
type PaymentGateway interface {
	Tokenize(ctx context.Context, card models.CardDetails) (models.Token, error)
	Capture(ctx context.Context, token models.Token, amountMinorUnits int64, currency string) (models.CapturedPayment, error)
}
