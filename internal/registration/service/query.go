package service

import (
	"context"

	"registrar/internal/registration/models"
	id "registrar/pkg/domain"
	dErrors "registrar/pkg/domain-errors"
)

// GetCheckout returns the stored view of a checkout so a reloaded client can
// resume it.
func (s *Service) GetCheckout(ctx context.Context, checkoutID id.CheckoutID) (*models.RegistrationResult, error) {
	session, err := s.loadSession(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	return resultFromSession(session), nil
}

// EntityStatuses reports paid, pending or unregistered for each entity.
func (s *Service) EntityStatuses(ctx context.Context, key models.EventKey, entityIDs []id.EntityID) (map[id.EntityID]models.EntityStatus, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if len(entityIDs) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one entity id is required")
	}
	return s.ledger.Statuses(ctx, key, entityIDs)
}

// EventRegistrations lists the event's registrations for entities owned by
// owner.
func (s *Service) EventRegistrations(ctx context.Context, owner id.AccountID, key models.EventKey) ([]*models.RegistrationRecord, error) {
	if owner.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "owner is required")
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	records, err := s.ledger.FindByEvent(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.ownedRecords(ctx, owner, records)
}
