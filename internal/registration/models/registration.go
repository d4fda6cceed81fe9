package models

import (
	"time"

	id "registrar/pkg/domain"
	dErrors "registrar/pkg/domain-errors"
)

type RegistrationStatus string

const (
	RegistrationStatusPending RegistrationStatus = "pending"
	RegistrationStatusPaid    RegistrationStatus = "paid"
)

func (s RegistrationStatus) IsValid() bool {
	return s == RegistrationStatusPending || s == RegistrationStatusPaid
}

// CanTransitionTo allows pending -> paid only. Paid is terminal.
func (s RegistrationStatus) CanTransitionTo(target RegistrationStatus) bool {
	return s == RegistrationStatusPending && target == RegistrationStatusPaid
}

// RegistrationRecord is the ledger row for one (entity, event) pair.
//
// Invariants:
//   - At most one record exists per (EntityID, EventKey)
//   - Status only moves pending -> paid
//   - CreatedAt is immutable after construction
//   - PaidAt, AmountPaidMinorUnits and PaymentRef are set exactly when Status is paid
type RegistrationRecord struct {
	EntityID             id.EntityID        `json:"entity_id"`
	EventKey             EventKey           `json:"event_key"`
	Status               RegistrationStatus `json:"status"`
	CreatedAt            time.Time          `json:"created_at"`
	PaidAt               *time.Time         `json:"paid_at,omitempty"`
	AmountPaidMinorUnits *int64             `json:"amount_paid_minor_units,omitempty"`
	PaymentRef           string             `json:"payment_ref,omitempty"`
}

func NewPendingRecord(entityID id.EntityID, key EventKey, now time.Time) (*RegistrationRecord, error) {
	if entityID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "registration requires an entity id")
	}
	if err := key.Validate(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvariantViolation, "registration requires a valid event key")
	}
	return &RegistrationRecord{
		EntityID:  entityID,
		EventKey:  key,
		Status:    RegistrationStatusPending,
		CreatedAt: now,
	}, nil
}

func (r *RegistrationRecord) IsPaid() bool {
	return r.Status == RegistrationStatusPaid
}

// CanMarkPaid checks the pending -> paid transition.
// Returns CodeAlreadyPaid for a paid record so callers can treat a replay as soft.
func (r *RegistrationRecord) CanMarkPaid() error {
	if r.Status == RegistrationStatusPaid {
		return dErrors.New(dErrors.CodeAlreadyPaid, "registration is already paid")
	}
	if !r.Status.CanTransitionTo(RegistrationStatusPaid) {
		return dErrors.New(dErrors.CodeInvariantViolation, "registration cannot be marked paid from "+string(r.Status))
	}
	return nil
}

// ApplyPaid stamps the paid fields. Call CanMarkPaid first.
func (r *RegistrationRecord) ApplyPaid(now time.Time, amountMinorUnits int64, paymentRef string) {
	paidAt := now
	amount := amountMinorUnits
	r.Status = RegistrationStatusPaid
	r.PaidAt = &paidAt
	r.AmountPaidMinorUnits = &amount
	r.PaymentRef = paymentRef
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (r *RegistrationRecord) Clone() *RegistrationRecord {
	c := *r
	if r.PaidAt != nil {
		t := *r.PaidAt
		c.PaidAt = &t
	}
	if r.AmountPaidMinorUnits != nil {
		a := *r.AmountPaidMinorUnits
		c.AmountPaidMinorUnits = &a
	}
	return &c
}

// ReconcileStatus classifies what a reconcile did to one entity.
type ReconcileStatus string

const (
	// ReconcileMarkedPaid: the record moved pending -> paid in this call.
	ReconcileMarkedPaid ReconcileStatus = "marked_paid"
	// ReconcileAlreadyPaid: the record was paid before this call and left untouched.
	ReconcileAlreadyPaid ReconcileStatus = "already_paid"
	// ReconcileMissing: no record exists for the entity and event.
	ReconcileMissing ReconcileStatus = "missing"
	// ReconcileFailed: storage failed for this entity; the record is unchanged.
	ReconcileFailed ReconcileStatus = "failed"
)

// ReconcileOutcome is the per-entity result of a reconcile batch.
type ReconcileOutcome struct {
	EntityID id.EntityID
	Status   ReconcileStatus
	Record   *RegistrationRecord
	Err      error
}
