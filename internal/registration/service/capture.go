package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"registrar/internal/registration/models"
	id "registrar/pkg/domain"
	dErrors "registrar/pkg/domain-errors"
	"registrar/pkg/platform/audit"
	"registrar/pkg/platform/sentinel"
	"registrar/pkg/requestcontext"
)

// CompleteCapture reconciles a payment the gateway already captured (for
// example through the hosted widget callback) against the checkout.
//
// pendingIDs may be empty. The checkout's own pending set is used then, and
// when that is gone too the pending set is recovered from the ledger: every
// still-pending registration for the event owned by the checkout's owner.
// The payment amount must equal the quote for the resolved set exactly;
// otherwise nothing is written and AmountMismatch is returned.
func (s *Service) CompleteCapture(ctx context.Context, checkoutID id.CheckoutID, pendingIDs []id.EntityID, payment models.CapturedPayment) (result *models.RegistrationResult, err error) {
	ctx, span := s.tracer.Start(ctx, "registration.complete_capture", trace.WithSpanKind(trace.SpanKindInternal))
	defer func() { endSpan(span, err) }()
	start := time.Now()
	defer s.metrics.ObserveStep("complete_capture", start)

	if err := payment.Validate(); err != nil {
		return nil, err
	}
	session, err := s.loadSession(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("checkout_id", session.ID.String()))

	switch session.State {
	case models.CheckoutAwaitingPayment, models.CheckoutCapturing, models.CheckoutError, models.CheckoutReconciled:
	default:
		return nil, dErrors.New(dErrors.CodeConflict, "checkout is not awaiting payment")
	}

	pending := pendingIDs
	if len(pending) > 0 {
		for _, entityID := range pending {
			if !session.IsPending(entityID) {
				return nil, dErrors.New(dErrors.CodeValidation, "entity "+entityID.String()+" is not pending in this checkout")
			}
		}
	} else {
		pending = session.PendingEntityIDs
	}

	if len(pending) == 0 {
		recovered, replay, err := s.recoverPending(ctx, session, payment)
		if err != nil {
			return nil, err
		}
		if replay != nil {
			return replay, nil
		}
		pending = recovered
	}
	return s.settle(ctx, session, pending, payment)
}

// RecoverCapture reconciles a captured payment when the checkout session is
// gone. The pending set comes purely from the ledger, and a new checkout
// record is written for the result.
func (s *Service) RecoverCapture(ctx context.Context, owner id.AccountID, key models.EventKey, tier string, payment models.CapturedPayment) (result *models.RegistrationResult, err error) {
	ctx, span := s.tracer.Start(ctx, "registration.recover_capture", trace.WithSpanKind(trace.SpanKindInternal))
	defer func() { endSpan(span, err) }()

	if owner.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "owner is required")
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.fees.Quote(key, tier, 0); err != nil {
		return nil, err
	}
	if err := payment.Validate(); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	session := models.NewCheckoutSession(id.NewCheckoutID(), owner, key, tier, s.currency, now)
	for _, step := range []models.CheckoutState{models.CheckoutRegistering, models.CheckoutAwaitingPayment} {
		if err := session.Transition(step, now); err != nil {
			return nil, err
		}
	}

	pending, replay, err := s.recoverPending(ctx, session, payment)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}
	session.PendingEntityIDs = pending
	return s.settle(ctx, session, pending, payment)
}

// CaptureAndReconcile charges token for the checkout's amount due and
// reconciles the result. The capture journal guarantees a token reaches the
// gateway at most once. A gateway timeout is never retried: the journal and
// the ledger are consulted, and when neither shows the payment the checkout
// moves to Error with every pending entity reported as retry-payment.
func (s *Service) CaptureAndReconcile(ctx context.Context, checkoutID id.CheckoutID, token models.Token) (result *models.RegistrationResult, err error) {
	ctx, span := s.tracer.Start(ctx, "registration.capture_and_reconcile", trace.WithSpanKind(trace.SpanKindInternal))
	defer func() { endSpan(span, err) }()
	start := time.Now()
	defer s.metrics.ObserveStep("capture_and_reconcile", start)

	if s.gateway == nil || s.journal == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "payment gateway is not configured")
	}
	if strings.TrimSpace(string(token)) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "payment token is required")
	}
	session, err := s.loadSession(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("checkout_id", session.ID.String()))

	entry, err := s.journal.Get(ctx, token)
	switch {
	case err == nil:
		return s.resumeJournaled(ctx, session, entry)
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "failed to read capture journal")
	}

	switch session.State {
	case models.CheckoutReconciled:
		return resultFromSession(session), nil
	case models.CheckoutAwaitingPayment, models.CheckoutError:
	case models.CheckoutCapturing:
		return nil, dErrors.New(dErrors.CodeConflict, "checkout has a capture in progress")
	default:
		return nil, dErrors.New(dErrors.CodeConflict, "checkout is not awaiting payment")
	}
	if len(session.PendingEntityIDs) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "checkout has nothing to pay")
	}

	now := requestcontext.Now(ctx)
	if err := s.dropPaidElsewhere(ctx, session); err != nil {
		return nil, err
	}
	if len(session.PendingEntityIDs) == 0 {
		for _, step := range []models.CheckoutState{models.CheckoutCapturing, models.CheckoutReconciled} {
			if err := session.Transition(step, now); err != nil {
				return nil, err
			}
		}
		session.LastError = ""
		if err := s.saveSession(ctx, session); err != nil {
			return nil, err
		}
		s.metrics.IncrementStep("capture_and_reconcile", string(session.State))
		return resultFromSession(session), nil
	}

	entry, reserved, err := s.journal.Reserve(ctx, token, session.ID, now)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "failed to reserve capture token")
	}
	if !reserved {
		return s.resumeJournaled(ctx, session, entry)
	}

	if err := session.Transition(models.CheckoutCapturing, now); err != nil {
		_ = s.journal.Release(ctx, token)
		return nil, err
	}
	if err := s.saveSession(ctx, session); err != nil {
		_ = s.journal.Release(ctx, token)
		return nil, err
	}

	captureStart := time.Now()
	payment, err := s.gateway.Capture(ctx, token, session.AmountDueMinorUnits, session.Currency)
	switch {
	case err == nil:
		s.metrics.ObserveCapture("ok", captureStart)
		if err := s.journal.Complete(ctx, token, payment, requestcontext.Now(ctx)); err != nil {
			s.logWarn(ctx, "failed to journal completed capture", "checkout_id", session.ID.String(), "error", err)
		}
		return s.settle(ctx, session, session.PendingEntityIDs, payment)

	case isTimeout(err):
		s.metrics.ObserveCapture("timeout", captureStart)
		if err := s.journal.MarkUnknown(ctx, token, requestcontext.Now(ctx)); err != nil {
			s.logWarn(ctx, "failed to journal unknown capture", "checkout_id", session.ID.String(), "error", err)
		}
		return s.verifyAfterTimeout(ctx, session, token, err)

	default:
		s.metrics.ObserveCapture("error", captureStart)
		if relErr := s.journal.Release(ctx, token); relErr != nil {
			s.logWarn(ctx, "failed to release capture token", "checkout_id", session.ID.String(), "error", relErr)
		}
		gwErr := dErrors.Wrap(err, dErrors.CodeGateway, "payment capture failed")
		s.markPendingRetry(session)
		s.fail(ctx, session, gwErr)
		s.logAudit(ctx, audit.EventPaymentCaptureFailed,
			"owner_id", session.OwnerID.String(),
			"checkout_id", session.ID.String(),
			"event_key", session.EventKey.String(),
			"amount_minor_units", session.AmountDueMinorUnits,
			"reason", reasonOf(err),
		)
		s.metrics.IncrementStep("capture_and_reconcile", string(session.State))
		return nil, gwErr
	}
}

// dropPaidElsewhere removes entities paid since the checkout began from its
// pending set and re-quotes the amount due, so the gateway is never asked to
// charge for them. Each dropped entity is reported as already paid.
func (s *Service) dropPaidElsewhere(ctx context.Context, session *models.CheckoutSession) error {
	statuses, err := s.ledger.Statuses(ctx, session.EventKey, session.PendingEntityIDs)
	if err != nil {
		return err
	}
	var stillPending, paid []id.EntityID
	for _, entityID := range session.PendingEntityIDs {
		if statuses[entityID] == models.EntityStatusPaid {
			paid = append(paid, entityID)
			continue
		}
		stillPending = append(stillPending, entityID)
	}
	if len(paid) == 0 {
		return nil
	}

	amount, err := s.fees.Quote(session.EventKey, session.Tier, len(stillPending))
	if err != nil {
		return err
	}
	outcomes := slices.DeleteFunc(slices.Clone(session.Outcomes), func(o models.EntityOutcome) bool {
		return slices.Contains(paid, o.EntityID)
	})
	for _, entityID := range paid {
		outcomes = append(outcomes, models.EntityOutcome{
			EntityID: entityID,
			Status:   models.OutcomeAlreadyPaid,
			Code:     string(dErrors.CodeAlreadyPaid),
			Reason:   "paid since the checkout began",
		})
		s.logAudit(ctx, audit.EventRegistrationAlreadyPaid,
			"owner_id", session.OwnerID.String(),
			"checkout_id", session.ID.String(),
			"entity_id", entityID.String(),
			"event_key", session.EventKey.String(),
		)
	}
	session.Outcomes = outcomes
	session.PendingEntityIDs = stillPending
	session.AmountDueMinorUnits = amount
	return nil
}

// resumeJournaled handles a token the journal has already seen.
func (s *Service) resumeJournaled(ctx context.Context, session *models.CheckoutSession, entry *models.CaptureEntry) (*models.RegistrationResult, error) {
	if entry.CheckoutID != session.ID {
		return nil, dErrors.New(dErrors.CodeConflict, "payment token was used by another checkout")
	}
	if session.State == models.CheckoutReconciled {
		return resultFromSession(session), nil
	}
	switch entry.Status {
	case models.CaptureCaptured:
		if entry.Payment == nil {
			return nil, dErrors.New(dErrors.CodeInternal, "journaled capture has no payment")
		}
		return s.settle(ctx, session, session.PendingEntityIDs, *entry.Payment)
	case models.CaptureUnknown:
		return s.verifyAfterTimeout(ctx, session, entry.Token, dErrors.New(dErrors.CodeTimeout, "earlier capture timed out"))
	default:
		return nil, dErrors.New(dErrors.CodeConflict, "capture for this token is in progress")
	}
}

// verifyAfterTimeout decides what a timed-out capture means without calling
// the gateway again. The journal wins if another request completed the
// capture; otherwise the ledger decides whether the checkout is settled.
func (s *Service) verifyAfterTimeout(ctx context.Context, session *models.CheckoutSession, token models.Token, cause error) (*models.RegistrationResult, error) {
	if entry, err := s.journal.Get(ctx, token); err == nil && entry.Status == models.CaptureCaptured && entry.Payment != nil {
		return s.settle(ctx, session, session.PendingEntityIDs, *entry.Payment)
	}

	statuses, err := s.ledger.Statuses(ctx, session.EventKey, session.PendingEntityIDs)
	if err == nil && len(session.PendingEntityIDs) > 0 {
		allPaid := true
		for _, entityID := range session.PendingEntityIDs {
			if statuses[entityID] != models.EntityStatusPaid {
				allPaid = false
				break
			}
		}
		if allPaid {
			now := requestcontext.Now(ctx)
			if err := session.Transition(models.CheckoutCapturing, now); err != nil {
				return nil, err
			}
			if err := session.Transition(models.CheckoutReconciled, now); err != nil {
				return nil, err
			}
			session.Outcomes = make([]models.EntityOutcome, 0, len(session.PendingEntityIDs))
			for _, entityID := range session.PendingEntityIDs {
				session.Outcomes = append(session.Outcomes, models.EntityOutcome{EntityID: entityID, Status: models.OutcomeNowPaid})
			}
			session.LastError = ""
			if err := s.saveSession(ctx, session); err != nil {
				return nil, err
			}
			s.metrics.IncrementStep("capture_and_reconcile", string(session.State))
			return resultFromSession(session), nil
		}
	}

	gwErr := dErrors.Wrap(cause, dErrors.CodeGateway, "payment capture outcome unknown; retry payment after checking the statement")
	s.markPendingRetry(session)
	s.fail(ctx, session, gwErr)
	s.logAudit(ctx, audit.EventPaymentCaptureFailed,
		"owner_id", session.OwnerID.String(),
		"checkout_id", session.ID.String(),
		"event_key", session.EventKey.String(),
		"amount_minor_units", session.AmountDueMinorUnits,
		"reason", "capture timed out",
	)
	s.metrics.IncrementStep("capture_and_reconcile", string(session.State))
	return nil, gwErr
}

// settle verifies payment against the quote for pending and reconciles.
func (s *Service) settle(ctx context.Context, session *models.CheckoutSession, pending []id.EntityID, payment models.CapturedPayment) (*models.RegistrationResult, error) {
	now := requestcontext.Now(ctx)
	replaying := session.State == models.CheckoutReconciled

	expected, err := s.fees.Quote(session.EventKey, session.Tier, len(pending))
	if err != nil {
		return nil, err
	}
	if payment.AmountMinorUnits != expected || !strings.EqualFold(payment.Currency, session.Currency) {
		return nil, s.rejectAmount(ctx, session, len(pending), expected, payment)
	}
	if len(pending) == 0 {
		return resultFromSession(session), nil
	}

	if !replaying {
		if err := session.Transition(models.CheckoutCapturing, now); err != nil {
			return nil, err
		}
	}

	reconciled, err := s.ledger.ReconcileCapture(ctx, pending, session.EventKey, payment)
	if err != nil {
		return nil, err
	}

	ref := payment.PaymentRef()
	result := &models.RegistrationResult{
		CheckoutID:          session.ID,
		AmountDueMinorUnits: expected,
		Currency:            session.Currency,
	}
	for _, o := range reconciled {
		switch o.Status {
		case models.ReconcileMarkedPaid:
			result.Paid = append(result.Paid, o.Record)
			result.Outcomes = append(result.Outcomes, models.EntityOutcome{EntityID: o.EntityID, Status: models.OutcomeNowPaid})
			s.logAudit(ctx, audit.EventRegistrationPaid,
				"owner_id", session.OwnerID.String(),
				"checkout_id", session.ID.String(),
				"entity_id", o.EntityID.String(),
				"event_key", session.EventKey.String(),
				"amount_minor_units", derefAmount(o.Record),
				"payment_ref", ref,
			)
		case models.ReconcileAlreadyPaid:
			if o.Record.PaymentRef == ref {
				result.Paid = append(result.Paid, o.Record)
				result.Outcomes = append(result.Outcomes, models.EntityOutcome{EntityID: o.EntityID, Status: models.OutcomeNowPaid})
				continue
			}
			result.Outcomes = append(result.Outcomes, models.EntityOutcome{
				EntityID: o.EntityID,
				Status:   models.OutcomeAlreadyPaid,
				Code:     string(dErrors.CodeAlreadyPaid),
				Reason:   "paid by another checkout",
			})
			s.logAudit(ctx, audit.EventRegistrationAlreadyPaid,
				"owner_id", session.OwnerID.String(),
				"checkout_id", session.ID.String(),
				"entity_id", o.EntityID.String(),
				"event_key", session.EventKey.String(),
				"payment_ref", ref,
			)
		case models.ReconcileMissing:
			result.Outcomes = append(result.Outcomes, models.EntityOutcome{
				EntityID: o.EntityID,
				Status:   models.OutcomeRegistrationFailed,
				Code:     string(dErrors.CodeOf(o.Err)),
				Reason:   reasonOf(o.Err),
			})
		default:
			result.PendingEntityIDs = append(result.PendingEntityIDs, o.EntityID)
			result.Outcomes = append(result.Outcomes, models.EntityOutcome{
				EntityID: o.EntityID,
				Status:   models.OutcomePending,
				Code:     string(dErrors.CodeOf(o.Err)),
				Reason:   reasonOf(o.Err),
			})
		}
	}

	// The session keeps the full pending set so a retry with the same payment
	// passes the amount check and replays the entities already settled.
	session.Outcomes = result.Outcomes
	if len(result.PendingEntityIDs) == 0 {
		if !replaying {
			if err := session.Transition(models.CheckoutReconciled, now); err != nil {
				return nil, err
			}
			s.metrics.AddCaptured(payment.AmountMinorUnits)
		}
		session.LastError = ""
	} else {
		if err := session.Transition(models.CheckoutError, now); err != nil {
			return nil, err
		}
		session.LastError = fmt.Sprintf("%d registrations could not be marked paid; retry with the same payment", len(result.PendingEntityIDs))
	}
	if err := s.saveSession(ctx, session); err != nil {
		return nil, err
	}

	result.State = session.State
	s.recordOutcomes(result.Outcomes)
	s.metrics.IncrementStep("settle", string(session.State))
	return result, nil
}

// rejectAmount fails the checkout for a payment that does not match the
// quote. The ledger is not touched.
func (s *Service) rejectAmount(ctx context.Context, session *models.CheckoutSession, count int, expected int64, payment models.CapturedPayment) error {
	err := dErrors.New(dErrors.CodeAmountMismatch,
		fmt.Sprintf("payment of %d %s does not match quote of %d %s for %d entities",
			payment.AmountMinorUnits, payment.Currency, expected, session.Currency, count))

	s.metrics.IncrementAmountMismatch()
	s.logAudit(ctx, audit.EventPaymentAmountMismatch,
		"owner_id", session.OwnerID.String(),
		"checkout_id", session.ID.String(),
		"event_key", session.EventKey.String(),
		"amount_minor_units", payment.AmountMinorUnits,
		"payment_ref", payment.PaymentRef(),
		"reason", err.Error(),
	)
	if session.State.IsTerminal() {
		return err
	}

	now := requestcontext.Now(ctx)
	if session.State != models.CheckoutCapturing {
		_ = session.Transition(models.CheckoutCapturing, now)
	}
	if tErr := session.Transition(models.CheckoutFailed, now); tErr != nil {
		s.logWarn(ctx, "checkout could not enter failed state", "checkout_id", session.ID.String(), "state", string(session.State))
	}
	session.LastError = err.Error()
	if sErr := s.checkouts.Save(ctx, session); sErr != nil {
		s.logWarn(ctx, "failed to save checkout after amount mismatch", "checkout_id", session.ID.String(), "error", sErr)
	}
	s.metrics.IncrementStep("settle", string(session.State))
	return err
}

// recoverPending rebuilds the pending set from the ledger: registrations for
// the session's event that belong to its owner and are still pending. When
// none are pending but some were paid by this very payment, the call is a
// replay and the settled result is returned instead.
func (s *Service) recoverPending(ctx context.Context, session *models.CheckoutSession, payment models.CapturedPayment) ([]id.EntityID, *models.RegistrationResult, error) {
	records, err := s.ledger.FindByEvent(ctx, session.EventKey)
	if err != nil {
		return nil, nil, err
	}
	owned, err := s.ownedRecords(ctx, session.OwnerID, records)
	if err != nil {
		return nil, nil, err
	}

	var pending []id.EntityID
	var paidByThis []*models.RegistrationRecord
	ref := payment.PaymentRef()
	for _, rec := range owned {
		switch {
		case !rec.IsPaid():
			pending = append(pending, rec.EntityID)
		case rec.PaymentRef == ref:
			paidByThis = append(paidByThis, rec)
		}
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "recovered pending registrations from ledger",
			"checkout_id", session.ID.String(),
			"event_key", session.EventKey.String(),
			"pending", len(pending),
			"paid_by_payment", len(paidByThis),
		)
	}

	if len(pending) > 0 || len(paidByThis) == 0 {
		session.PendingEntityIDs = pending
		return pending, nil, nil
	}

	now := requestcontext.Now(ctx)
	result := &models.RegistrationResult{
		CheckoutID:          session.ID,
		AmountDueMinorUnits: payment.AmountMinorUnits,
		Currency:            session.Currency,
		Paid:                paidByThis,
	}
	session.PendingEntityIDs = nil
	session.Outcomes = nil
	for _, rec := range paidByThis {
		session.PendingEntityIDs = append(session.PendingEntityIDs, rec.EntityID)
		session.Outcomes = append(session.Outcomes, models.EntityOutcome{EntityID: rec.EntityID, Status: models.OutcomeNowPaid})
	}
	if !session.State.IsTerminal() {
		_ = session.Transition(models.CheckoutCapturing, now)
		if err := session.Transition(models.CheckoutReconciled, now); err != nil {
			return nil, nil, err
		}
	}
	if err := s.saveSession(ctx, session); err != nil {
		return nil, nil, err
	}
	result.State = session.State
	result.Outcomes = session.Outcomes
	return nil, result, nil
}

// ownedRecords filters records to entities owned by owner. Records whose
// entity no longer exists are dropped.
func (s *Service) ownedRecords(ctx context.Context, owner id.AccountID, records []*models.RegistrationRecord) ([]*models.RegistrationRecord, error) {
	keep := make([]bool, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, rec := range records {
		g.Go(func() error {
			entity, err := s.entities.Get(gctx, rec.EntityID)
			if err != nil {
				if errors.Is(err, sentinel.ErrNotFound) {
					return nil
				}
				return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "failed to load entity")
			}
			keep[i] = entity.OwnerID == owner
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	owned := make([]*models.RegistrationRecord, 0, len(records))
	for i, rec := range records {
		if keep[i] {
			owned = append(owned, rec)
		}
	}
	return owned, nil
}

func (s *Service) markPendingRetry(session *models.CheckoutSession) {
	outcomes := slices.DeleteFunc(slices.Clone(session.Outcomes), func(o models.EntityOutcome) bool {
		return o.Status == models.OutcomePending && session.IsPending(o.EntityID)
	})
	for _, entityID := range session.PendingEntityIDs {
		outcomes = append(outcomes, models.EntityOutcome{
			EntityID: entityID,
			Status:   models.OutcomePending,
			Code:     string(dErrors.CodeGateway),
			Reason:   "payment not captured; retry payment",
		})
	}
	session.Outcomes = outcomes
}

func isTimeout(err error) bool {
	return errors.Is(err, sentinel.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func derefAmount(rec *models.RegistrationRecord) int64 {
	if rec == nil || rec.AmountPaidMinorUnits == nil {
		return 0
	}
	return *rec.AmountPaidMinorUnits
}
