package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"registrar/internal/registration/models"
	"registrar/internal/registration/selection"
	id "registrar/pkg/domain"
	dErrors "registrar/pkg/domain-errors"
	"registrar/pkg/platform/audit"
	"registrar/pkg/platform/sentinel"
	"registrar/pkg/requestcontext"
)

// Quote prices the selection as it stands, counting queued new entities.
func (s *Service) Quote(ctx context.Context, sel *selection.Set) (int64, error) {
	if sel == nil {
		return 0, dErrors.New(dErrors.CodeValidation, "selection is required")
	}
	return sel.Preview(s.fees)
}

// Currency is the currency every amount is quoted in.
func (s *Service) Currency() string { return s.currency }

// BeginRegistration persists new entities, registers every selected entity
// for the event and prices what is still unpaid. It is safe to call again
// with the same selection: created entities are folded into the selection
// and ledger registration is idempotent.
//
// A selection carrying a checkout id resumes that checkout.
func (s *Service) BeginRegistration(ctx context.Context, owner id.AccountID, sel *selection.Set) (result *models.RegistrationResult, err error) {
	ctx, span := s.tracer.Start(ctx, "registration.begin", trace.WithSpanKind(trace.SpanKindInternal))
	defer func() { endSpan(span, err) }()
	start := time.Now()
	defer s.metrics.ObserveStep("begin", start)

	if owner.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "owner is required")
	}
	if sel == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "selection is required")
	}
	if sel.IsEmpty() {
		return nil, dErrors.New(dErrors.CodeValidation, "selection is empty")
	}
	key := sel.EventKey()
	if err := key.Validate(); err != nil {
		return nil, err
	}
	// Reject an unknown tier before anything is written.
	if _, err := s.fees.Quote(key, sel.Tier(), 0); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("event_key", key.String()),
		attribute.String("tier", sel.Tier()),
		attribute.Int("selection_count", sel.CurrentCount()),
	)

	session, err := s.openSession(ctx, owner, sel)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("checkout_id", session.ID.String()))
	if err := session.Transition(models.CheckoutRegistering, requestcontext.Now(ctx)); err != nil {
		return nil, err
	}

	var outcomes []models.EntityOutcome

	usable := sel.SelectedIDs()
	if s.ownershipCheck {
		var rejected []models.EntityOutcome
		usable, rejected, err = s.verifyOwnership(ctx, owner, usable)
		if err != nil {
			s.fail(ctx, session, err)
			return nil, err
		}
		outcomes = append(outcomes, rejected...)
	}

	created, createFailures := s.createNewEntities(ctx, owner, sel.NewEntities())
	outcomes = append(outcomes, createFailures...)
	sel.MarkCreated(created)
	for i := 0; i < len(created)+len(createFailures); i++ {
		if entityID, ok := created[i]; ok {
			usable = append(usable, entityID)
		}
	}

	if len(usable) == 0 {
		err := dErrors.New(dErrors.CodeValidation,
			fmt.Sprintf("no entities to register: %d rejected", len(outcomes)))
		session.Outcomes = outcomes
		s.fail(ctx, session, err)
		s.recordOutcomes(outcomes)
		s.metrics.IncrementStep("begin", string(session.State))
		return nil, err
	}

	regOutcomes, pending, err := s.registerAll(ctx, session, usable)
	outcomes = append(outcomes, regOutcomes...)
	if err != nil {
		session.Outcomes = outcomes
		s.fail(ctx, session, err)
		s.metrics.IncrementStep("begin", string(session.State))
		return nil, err
	}

	amount, err := s.fees.Quote(key, session.Tier, len(pending))
	if err != nil {
		s.fail(ctx, session, err)
		return nil, err
	}

	now := requestcontext.Now(ctx)
	session.PendingEntityIDs = pending
	session.AmountDueMinorUnits = amount
	session.Outcomes = outcomes
	session.LastError = ""
	target := models.CheckoutAwaitingPayment
	if len(pending) == 0 {
		target = models.CheckoutReconciled
	}
	if err := session.Transition(target, now); err != nil {
		return nil, err
	}
	if err := s.saveSession(ctx, session); err != nil {
		return nil, err
	}

	s.recordOutcomes(outcomes)
	s.metrics.IncrementStep("begin", string(session.State))
	if s.logger != nil {
		s.logger.InfoContext(ctx, "checkout registered",
			"checkout_id", session.ID.String(),
			"event_key", key.String(),
			"pending", len(pending),
			"amount_due_minor_units", amount,
			"state", string(session.State),
		)
	}
	return resultFromSession(session), nil
}

// openSession resumes the selection's checkout or starts a new one.
func (s *Service) openSession(ctx context.Context, owner id.AccountID, sel *selection.Set) (*models.CheckoutSession, error) {
	now := requestcontext.Now(ctx)
	checkoutID := sel.CheckoutID()
	if checkoutID.IsNil() {
		session := models.NewCheckoutSession(id.NewCheckoutID(), owner, sel.EventKey(), sel.Tier(), s.currency, now)
		sel.SetCheckoutID(session.ID)
		return session, nil
	}

	session, err := s.checkouts.Get(ctx, checkoutID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "checkout not found or expired")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "failed to load checkout")
	}
	if session.OwnerID != owner {
		return nil, dErrors.New(dErrors.CodeNotFound, "checkout not found or expired")
	}
	if !session.EventKey.SameEvent(sel.EventKey()) || session.Tier != sel.Tier() {
		return nil, dErrors.New(dErrors.CodeValidation, "selection does not match the checkout's event and tier")
	}

	switch session.State {
	case models.CheckoutCollecting:
	case models.CheckoutAwaitingPayment, models.CheckoutError:
		if err := session.Transition(models.CheckoutCollecting, now); err != nil {
			return nil, err
		}
	case models.CheckoutRegistering:
		// A previous attempt stopped mid-way; registration is idempotent so
		// it is re-run from the start.
		session.State = models.CheckoutCollecting
	case models.CheckoutCapturing:
		return nil, dErrors.New(dErrors.CodeConflict, "checkout has a capture in progress")
	default:
		return nil, dErrors.New(dErrors.CodeConflict, "checkout is closed")
	}
	return session, nil
}

// verifyOwnership keeps the selected entities that exist and belong to owner.
// A storage failure aborts the whole step.
func (s *Service) verifyOwnership(ctx context.Context, owner id.AccountID, entityIDs []id.EntityID) ([]id.EntityID, []models.EntityOutcome, error) {
	rejections := make([]*models.EntityOutcome, len(entityIDs))

	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for i, entityID := range entityIDs {
		g.Go(func() error {
			entity, err := s.entities.Get(ctx, entityID)
			switch {
			case errors.Is(err, sentinel.ErrNotFound):
				rejections[i] = &models.EntityOutcome{EntityID: entityID, Status: models.OutcomeRegistrationFailed,
					Code: string(dErrors.CodeNotFound), Reason: "entity not found"}
			case err != nil:
				return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "failed to load entity")
			case entity.OwnerID != owner:
				rejections[i] = &models.EntityOutcome{EntityID: entityID, Status: models.OutcomeRegistrationFailed,
					Code: string(dErrors.CodeForbidden), Reason: "entity belongs to another account"}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var kept []id.EntityID
	var rejected []models.EntityOutcome
	for i, entityID := range entityIDs {
		if rejections[i] != nil {
			rejected = append(rejected, *rejections[i])
			continue
		}
		kept = append(kept, entityID)
	}
	return kept, rejected, nil
}

// createNewEntities validates and persists queued entities concurrently.
// It returns the ids keyed by new-list index plus one outcome per failure.
func (s *Service) createNewEntities(ctx context.Context, owner id.AccountID, entities []models.Entity) (map[int]id.EntityID, []models.EntityOutcome) {
	ids := make([]id.EntityID, len(entities))
	errs := make([]error, len(entities))

	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for i, entity := range entities {
		g.Go(func() error {
			entity.OwnerID = owner
			if err := entity.Validate(); err != nil {
				errs[i] = err
				return nil
			}
			if s.validator != nil {
				if err := s.validator.Validate(ctx, entity); err != nil {
					errs[i] = err
					return nil
				}
			}
			entityID, err := s.entities.Create(ctx, entity)
			if err != nil {
				errs[i] = err
				return nil
			}
			ids[i] = entityID
			return nil
		})
	}
	_ = g.Wait()

	created := make(map[int]id.EntityID, len(entities))
	var failures []models.EntityOutcome
	for i := range entities {
		if errs[i] != nil {
			idx := i
			failures = append(failures, models.EntityOutcome{
				NewIndex: &idx,
				Status:   models.OutcomeRegistrationFailed,
				Code:     string(dErrors.CodeOf(errs[i])),
				Reason:   reasonOf(errs[i]),
			})
			s.logWarn(ctx, "entity creation failed", "new_index", i, "error", errs[i])
			continue
		}
		created[i] = ids[i]
	}
	return created, failures
}

// registerAll ensures a ledger record for every entity and splits them into
// still-pending ids and already-paid outcomes. Per-entity storage failures
// are reported and excluded; if every entity fails the step fails.
func (s *Service) registerAll(ctx context.Context, session *models.CheckoutSession, entityIDs []id.EntityID) ([]models.EntityOutcome, []id.EntityID, error) {
	type registered struct {
		rec     *models.RegistrationRecord
		created bool
		err     error
	}
	results := make([]registered, len(entityIDs))

	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for i, entityID := range entityIDs {
		g.Go(func() error {
			rec, created, err := s.ledger.EnsureRegisteredCreated(ctx, entityID, session.EventKey)
			results[i] = registered{rec: rec, created: created, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var (
		outcomes []models.EntityOutcome
		pending  []id.EntityID
		lastErr  error
	)
	for i, entityID := range entityIDs {
		r := results[i]
		switch {
		case r.err != nil:
			lastErr = r.err
			outcomes = append(outcomes, models.EntityOutcome{
				EntityID: entityID,
				Status:   models.OutcomeRegistrationFailed,
				Code:     string(dErrors.CodeOf(r.err)),
				Reason:   reasonOf(r.err),
			})
		case r.rec.IsPaid():
			outcomes = append(outcomes, models.EntityOutcome{
				EntityID: entityID,
				Status:   models.OutcomeAlreadyPaid,
				Code:     string(dErrors.CodeAlreadyPaid),
			})
		default:
			pending = append(pending, entityID)
			outcomes = append(outcomes, models.EntityOutcome{EntityID: entityID, Status: models.OutcomePending})
			if r.created {
				s.logAudit(ctx, audit.EventRegistrationCreated,
					"owner_id", session.OwnerID.String(),
					"checkout_id", session.ID.String(),
					"entity_id", entityID.String(),
					"event_key", session.EventKey.String(),
				)
			}
		}
	}

	if lastErr != nil && len(pending) == 0 && len(outcomes) == countFailed(outcomes) {
		return outcomes, nil, lastErr
	}
	return outcomes, pending, nil
}

func countFailed(outcomes []models.EntityOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Status == models.OutcomeRegistrationFailed {
			n++
		}
	}
	return n
}
