package models

import (
	"time"

	id "registrar/pkg/domain"
	dErrors "registrar/pkg/domain-errors"
)

// CheckoutState is the orchestrator's state for one checkout.
type CheckoutState string

const (
	CheckoutCollecting      CheckoutState = "collecting"
	CheckoutRegistering     CheckoutState = "registering"
	CheckoutAwaitingPayment CheckoutState = "awaiting_payment"
	CheckoutCapturing       CheckoutState = "capturing"
	CheckoutReconciled      CheckoutState = "reconciled"
	CheckoutError           CheckoutState = "error"
	CheckoutFailed          CheckoutState = "failed"
)

var checkoutTransitions = map[CheckoutState][]CheckoutState{
	CheckoutCollecting:      {CheckoutRegistering, CheckoutError},
	CheckoutRegistering:     {CheckoutAwaitingPayment, CheckoutReconciled, CheckoutError},
	CheckoutAwaitingPayment: {CheckoutCollecting, CheckoutCapturing, CheckoutError, CheckoutFailed},
	CheckoutCapturing:       {CheckoutReconciled, CheckoutError, CheckoutFailed},
	CheckoutError:           {CheckoutCollecting, CheckoutCapturing, CheckoutFailed},
}

func (s CheckoutState) CanTransitionTo(target CheckoutState) bool {
	for _, allowed := range checkoutTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s CheckoutState) IsTerminal() bool {
	return s == CheckoutReconciled || s == CheckoutFailed
}

// CheckoutSession is the durable snapshot of one checkout, kept so a reloaded
// client can resume and so capture has an authoritative pending set.
type CheckoutSession struct {
	ID                  id.CheckoutID   `json:"id"`
	OwnerID             id.AccountID    `json:"owner_id"`
	EventKey            EventKey        `json:"event_key"`
	Tier                string          `json:"tier"`
	State               CheckoutState   `json:"state"`
	PendingEntityIDs    []id.EntityID   `json:"pending_entity_ids"`
	AmountDueMinorUnits int64           `json:"amount_due_minor_units"`
	Currency            string          `json:"currency"`
	Outcomes            []EntityOutcome `json:"outcomes,omitempty"`
	LastError           string          `json:"last_error,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func NewCheckoutSession(checkoutID id.CheckoutID, owner id.AccountID, key EventKey, tier, currency string, now time.Time) *CheckoutSession {
	return &CheckoutSession{
		ID:        checkoutID,
		OwnerID:   owner,
		EventKey:  key,
		Tier:      tier,
		State:     CheckoutCollecting,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the session to target if the state machine allows it.
// A transition to the current state is a no-op.
func (c *CheckoutSession) Transition(target CheckoutState, now time.Time) error {
	if c.State == target {
		return nil
	}
	if !c.State.CanTransitionTo(target) {
		return dErrors.New(dErrors.CodeConflict, "checkout cannot move from "+string(c.State)+" to "+string(target))
	}
	c.State = target
	c.UpdatedAt = now
	return nil
}

// IsPending reports whether entityID is part of the checkout's pending set.
func (c *CheckoutSession) IsPending(entityID id.EntityID) bool {
	for _, p := range c.PendingEntityIDs {
		if p == entityID {
			return true
		}
	}
	return false
}

// OutcomeStatus is what the caller learns about each entity it cared about.
type OutcomeStatus string

const (
	OutcomeAlreadyPaid        OutcomeStatus = "already_paid"
	OutcomeNowPaid            OutcomeStatus = "now_paid"
	OutcomePending            OutcomeStatus = "pending_retry_payment"
	OutcomeRegistrationFailed OutcomeStatus = "registration_failed"
)

// EntityOutcome reports one entity's fate. EntityID is nil for a new entity
// whose creation failed; NewIndex then points into the selection's new list.
type EntityOutcome struct {
	EntityID id.EntityID   `json:"entity_id,omitzero"`
	NewIndex *int          `json:"new_index,omitempty"`
	Status   OutcomeStatus `json:"status"`
	Code     string        `json:"code,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

// RegistrationResult is returned by every orchestrator step.
type RegistrationResult struct {
	CheckoutID          id.CheckoutID         `json:"checkout_id"`
	State               CheckoutState         `json:"state"`
	AmountDueMinorUnits int64                 `json:"amount_due_minor_units"`
	Currency            string                `json:"currency"`
	PendingEntityIDs    []id.EntityID         `json:"pending_entity_ids"`
	Paid                []*RegistrationRecord `json:"paid,omitempty"`
	Outcomes            []EntityOutcome       `json:"outcomes"`
}

// FailedOutcomes returns the outcomes whose registration failed.
func (r *RegistrationResult) FailedOutcomes() []EntityOutcome {
	var failed []EntityOutcome
	for _, o := range r.Outcomes {
		if o.Status == OutcomeRegistrationFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

// OutcomeFor returns the outcome for entityID, if any.
func (r *RegistrationResult) OutcomeFor(entityID id.EntityID) (EntityOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.EntityID == entityID {
			return o, true
		}
	}
	return EntityOutcome{}, false
}

// EntityStatus answers "is X registered/paid for Y" for status queries.
type EntityStatus string

const (
	EntityStatusUnregistered EntityStatus = "unregistered"
	EntityStatusPending      EntityStatus = "pending"
	EntityStatusPaid         EntityStatus = "paid"
)
