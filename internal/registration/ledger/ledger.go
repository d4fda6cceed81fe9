// Package ledger owns the (entity, event) registration records and the only
// path that moves them from pending to paid.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"registrar/internal/registration/models"
	id "registrar/pkg/domain"
	dErrors "registrar/pkg/domain-errors"
	"registrar/pkg/platform/sentinel"
	"registrar/pkg/requestcontext"
)

// Store persists registration records. Implementations serialize writes per
// (entity, event) pair and never regress a paid record.
type Store interface {
	EnsurePending(ctx context.Context, rec *models.RegistrationRecord) (*models.RegistrationRecord, bool, error)
	Find(ctx context.Context, entityID id.EntityID, key models.EventKey) (*models.RegistrationRecord, error)
	FindByEvent(ctx context.Context, key models.EventKey) ([]*models.RegistrationRecord, error)
	MarkPaid(ctx context.Context, entityID id.EntityID, key models.EventKey, paidAt time.Time, amountMinorUnits int64, paymentRef string) (*models.RegistrationRecord, bool, error)
}

// Service is the registration ledger.
type Service struct {
	store  Store
	logger *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureRegistered returns the record for the pair, creating a pending one
// stamped with the request time when none exists. Paid records come back
// untouched, so re-running a whole checkout is safe.
func (s *Service) EnsureRegistered(ctx context.Context, entityID id.EntityID, key models.EventKey) (*models.RegistrationRecord, error) {
	rec, _, err := s.ensure(ctx, entityID, key)
	return rec, err
}

// EnsureRegisteredCreated is EnsureRegistered that also reports whether this
// call created the record.
func (s *Service) EnsureRegisteredCreated(ctx context.Context, entityID id.EntityID, key models.EventKey) (*models.RegistrationRecord, bool, error) {
	return s.ensure(ctx, entityID, key)
}

func (s *Service) ensure(ctx context.Context, entityID id.EntityID, key models.EventKey) (*models.RegistrationRecord, bool, error) {
	pending, err := models.NewPendingRecord(entityID, key, requestcontext.Now(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, false, dErrors.New(dErrors.CodeValidation, err.Error())
		}
		return nil, false, err
	}

	rec, created, err := s.store.EnsurePending(ctx, pending)
	if err != nil {
		return nil, false, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "failed to register entity")
	}
	if created && s.logger != nil {
		s.logger.DebugContext(ctx, "registration created",
			"entity_id", entityID.String(),
			"event_key", key.String(),
		)
	}
	return rec, created, nil
}

func (s *Service) FindByEvent(ctx context.Context, key models.EventKey) ([]*models.RegistrationRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	recs, err := s.store.FindByEvent(ctx, key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "failed to list registrations")
	}
	return recs, nil
}

// IsPaid reports whether the pair has a paid record. A missing record is
// simply not paid.
func (s *Service) IsPaid(ctx context.Context, entityID id.EntityID, key models.EventKey) (bool, error) {
	rec, err := s.store.Find(ctx, entityID, key)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return false, nil
		}
		return false, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "failed to read registration")
	}
	return rec.IsPaid(), nil
}

// Statuses reports the ledger state of each entity for key.
func (s *Service) Statuses(ctx context.Context, key models.EventKey, entityIDs []id.EntityID) (map[id.EntityID]models.EntityStatus, error) {
	out := make(map[id.EntityID]models.EntityStatus, len(entityIDs))
	for _, entityID := range entityIDs {
		rec, err := s.store.Find(ctx, entityID, key)
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			out[entityID] = models.EntityStatusUnregistered
		case err != nil:
			return nil, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "failed to read registration")
		case rec.IsPaid():
			out[entityID] = models.EntityStatusPaid
		default:
			out[entityID] = models.EntityStatusPending
		}
	}
	return out, nil
}

// ReconcileCapture applies a captured payment to entityIDs. The payment is
// split across the entities it can still pay: records already paid under a
// different payment keep their amount and take no share, so the records this
// payment settles sum to the captured amount. Entities are processed
// independently: a missing record or a storage failure is reported on that
// entity's outcome and its siblings continue.
//
// The returned error covers the batch as a whole (bad input) only.
func (s *Service) ReconcileCapture(ctx context.Context, entityIDs []id.EntityID, key models.EventKey, payment models.CapturedPayment) ([]models.ReconcileOutcome, error) {
	if len(entityIDs) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "no entities to reconcile")
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := payment.Validate(); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	ref := payment.PaymentRef()

	outcomes := make([]models.ReconcileOutcome, len(entityIDs))
	payable := make([]int, 0, len(entityIDs))
	for i, entityID := range entityIDs {
		if rec := s.paidElsewhere(ctx, entityID, key, ref); rec != nil {
			outcomes[i] = models.ReconcileOutcome{EntityID: entityID, Status: models.ReconcileAlreadyPaid, Record: rec}
			continue
		}
		payable = append(payable, i)
	}

	shares := models.SplitAmount(payment.AmountMinorUnits, len(payable))
	for j, i := range payable {
		outcomes[i] = s.reconcileOne(ctx, entityIDs[i], key, now, shares[j], ref)
	}
	return outcomes, nil
}

// paidElsewhere returns the record when it is already paid under a payment
// other than ref. Lookup failures return nil and are left to MarkPaid.
func (s *Service) paidElsewhere(ctx context.Context, entityID id.EntityID, key models.EventKey, ref string) *models.RegistrationRecord {
	rec, err := s.store.Find(ctx, entityID, key)
	if err != nil || !rec.IsPaid() || rec.PaymentRef == ref {
		return nil
	}
	return rec
}

func (s *Service) reconcileOne(ctx context.Context, entityID id.EntityID, key models.EventKey, now time.Time, share int64, ref string) models.ReconcileOutcome {
	out := models.ReconcileOutcome{EntityID: entityID}

	rec, transitioned, err := s.store.MarkPaid(ctx, entityID, key, now, share, ref)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		out.Status = models.ReconcileMissing
		out.Err = dErrors.New(dErrors.CodeConsistency, "no registration for entity "+entityID.String()+" at "+key.String())
		s.warn(ctx, "reconcile found no registration", entityID, key)
	case err != nil:
		out.Status = models.ReconcileFailed
		out.Err = dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "failed to mark registration paid")
		s.warn(ctx, "reconcile storage failure", entityID, key, "error", err)
	case transitioned:
		out.Status = models.ReconcileMarkedPaid
		out.Record = rec
	default:
		out.Status = models.ReconcileAlreadyPaid
		out.Record = rec
	}
	return out
}

func (s *Service) warn(ctx context.Context, msg string, entityID id.EntityID, key models.EventKey, extra ...any) {
	if s.logger == nil {
		return
	}
	args := append([]any{"entity_id", entityID.String(), "event_key", key.String()}, extra...)
	s.logger.WarnContext(ctx, msg, args...)
}
