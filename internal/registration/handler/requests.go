package handler

import (
	"context"
	"strings"

	"registrar/internal/registration/models"
	"registrar/internal/registration/selection"
	id "registrar/pkg/domain"
	dErrors "registrar/pkg/domain-errors"
)

type eventKeyRequest struct {
	Kind  string `json:"kind"`
	Name  string `json:"name"`
	Year  int    `json:"year"`
	SubID string `json:"sub_id,omitempty"`
}

func (e eventKeyRequest) toModel() (models.EventKey, error) {
	kind, err := models.ParseEventKind(e.Kind)
	if err != nil {
		return models.EventKey{}, err
	}
	return models.NewEventKey(kind, e.Name, e.Year, e.SubID)
}

type newEntityRequest struct {
	Kind        string `json:"kind"`
	DisplayName string `json:"display_name"`
	Grade       string `json:"grade,omitempty"`
}

// SelectionRequest describes what the caller wants to register: existing
// entities by id plus new entities to create. CheckoutID resumes a checkout.
type SelectionRequest struct {
	CheckoutID  string             `json:"checkout_id,omitempty"`
	Event       eventKeyRequest    `json:"event"`
	Tier        string             `json:"tier"`
	EntityIDs   []string           `json:"entity_ids,omitempty"`
	NewEntities []newEntityRequest `json:"new_entities,omitempty"`
}

func (r SelectionRequest) toSelection(ctx context.Context, owner id.AccountID) (*selection.Set, error) {
	key, err := r.Event.toModel()
	if err != nil {
		return nil, err
	}
	sel := selection.New(key, strings.TrimSpace(r.Tier), nil)
	if r.CheckoutID != "" {
		checkoutID, err := id.ParseCheckoutID(r.CheckoutID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid checkout_id")
		}
		sel.SetCheckoutID(checkoutID)
	}
	for _, raw := range r.EntityIDs {
		entityID, err := id.ParseEntityID(raw)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid entity id "+raw)
		}
		if err := sel.Select(ctx, entityID); err != nil {
			return nil, err
		}
	}
	for _, n := range r.NewEntities {
		entity, err := models.NewEntity(models.EntityKind(strings.ToLower(strings.TrimSpace(n.Kind))), owner, n.DisplayName, n.Grade)
		if err != nil {
			return nil, err
		}
		if _, err := sel.AddNew(entity); err != nil {
			return nil, err
		}
	}
	return sel, nil
}

type paymentRequest struct {
	Token            string `json:"token"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Currency         string `json:"currency"`
	PayerEmail       string `json:"payer_email,omitempty"`
	CardLast4        string `json:"card_last4,omitempty"`
	CardBrand        string `json:"card_brand,omitempty"`
	Reference        string `json:"reference,omitempty"`
}

func (p paymentRequest) toModel() models.CapturedPayment {
	return models.CapturedPayment{
		Token:            models.Token(strings.TrimSpace(p.Token)),
		AmountMinorUnits: p.AmountMinorUnits,
		Currency:         strings.ToLower(strings.TrimSpace(p.Currency)),
		PayerEmail:       strings.TrimSpace(p.PayerEmail),
		CardLast4:        p.CardLast4,
		CardBrand:        p.CardBrand,
		Reference:        strings.TrimSpace(p.Reference),
	}
}

// CaptureRequest reconciles a payment the gateway widget already captured.
// EntityIDs may be empty to use the checkout's pending set.
type CaptureRequest struct {
	EntityIDs []string       `json:"entity_ids,omitempty"`
	Payment   paymentRequest `json:"payment"`
}

// ChargeRequest asks the server to capture token for the amount due.
type ChargeRequest struct {
	Token string `json:"token"`
}

// RecoverRequest reconciles a captured payment whose checkout is gone.
type RecoverRequest struct {
	Event   eventKeyRequest `json:"event"`
	Tier    string          `json:"tier"`
	Payment paymentRequest  `json:"payment"`
}

// StatusRequest asks for the registration status of entities for an event.
type StatusRequest struct {
	Event     eventKeyRequest `json:"event"`
	EntityIDs []string        `json:"entity_ids"`
}

type TokenizeRequest struct {
	Card models.CardDetails `json:"card"`
}

type QuoteResponse struct {
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Currency         string `json:"currency"`
	EntityCount      int    `json:"entity_count"`
}

type StatusResponse struct {
	Statuses map[string]models.EntityStatus `json:"statuses"`
}

type RegistrationsResponse struct {
	Registrations []*models.RegistrationRecord `json:"registrations"`
}

type TokenResponse struct {
	Token models.Token `json:"token"`
}

func parseEntityIDs(raw []string) ([]id.EntityID, error) {
	ids := make([]id.EntityID, 0, len(raw))
	for _, s := range raw {
		entityID, err := id.ParseEntityID(s)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid entity id "+s)
		}
		ids = append(ids, entityID)
	}
	return ids, nil
}
