package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/mock/gomock"

	"registrar/internal/registration/models"
	"registrar/internal/registration/selection"
	id "registrar/pkg/domain"
	dErrors "registrar/pkg/domain-errors"
	"registrar/pkg/platform/audit"
	"registrar/pkg/platform/sentinel"
	"registrar/pkg/requestcontext"
)

func (s *ServiceSuite) TestCompleteCapture() {
	s.Run("a matching payment marks every pending entity paid", func() {
		begun := s.begin(s.newSelection("Ada", "Grace"))

		result, err := s.service.CompleteCapture(s.ctx, begun.CheckoutID, nil, s.payment(90000, "ch_a"))
		s.Require().NoError(err)

		s.Equal(models.CheckoutReconciled, result.State)
		s.Empty(result.PendingEntityIDs)
		s.Require().Len(result.Paid, 2)
		for _, rec := range result.Paid {
			s.Equal(models.RegistrationStatusPaid, rec.Status)
			s.Equal(s.now, *rec.PaidAt)
			s.Equal(int64(45000), *rec.AmountPaidMinorUnits)
			s.Equal("ch_a", rec.PaymentRef)
		}
		s.Equal(2, countStatus(result.Outcomes, models.OutcomeNowPaid))
		s.Equal(2, countOf(s.auditActions(begun.CheckoutID), string(audit.EventRegistrationPaid)))
		s.InDelta(90000, testutil.ToFloat64(s.metrics.CapturedMinorUnits), 0)

		stored, err := s.service.GetCheckout(s.ctx, begun.CheckoutID)
		s.Require().NoError(err)
		s.Equal(models.CheckoutReconciled, stored.State)
	})

	s.Run("a short payment is rejected and the ledger is untouched", func() {
		begun := s.begin(s.newSelection("Short"))

		_, err := s.service.CompleteCapture(s.ctx, begun.CheckoutID, nil, s.payment(40000, "ch_short"))
		s.True(dErrors.HasCode(err, dErrors.CodeAmountMismatch))
		s.False(dErrors.IsRetryable(err))

		rec := s.record(begun.PendingEntityIDs[0])
		s.Equal(models.RegistrationStatusPending, rec.Status)
		s.Nil(rec.PaidAt)

		stored, err := s.service.GetCheckout(s.ctx, begun.CheckoutID)
		s.Require().NoError(err)
		s.Equal(models.CheckoutFailed, stored.State)
		s.Equal(1, countOf(s.auditActions(begun.CheckoutID), string(audit.EventPaymentAmountMismatch)))
		s.InDelta(1, testutil.ToFloat64(s.metrics.AmountMismatches), 0)

		_, err = s.service.CompleteCapture(s.ctx, begun.CheckoutID, nil, s.payment(45000, "ch_short"))
		s.True(dErrors.HasCode(err, dErrors.CodeConflict), "a failed checkout cannot be paid")
	})

	s.Run("a payment in another currency is rejected", func() {
		begun := s.begin(s.newSelection("Euro"))
		payment := s.payment(45000, "ch_eur")
		payment.Currency = "eur"

		_, err := s.service.CompleteCapture(s.ctx, begun.CheckoutID, nil, payment)
		s.True(dErrors.HasCode(err, dErrors.CodeAmountMismatch))
	})

	s.Run("reconciling the same payment twice yields the same records", func() {
		begun := s.begin(s.newSelection("Twice"))
		payment := s.payment(45000, "ch_twice")

		first, err := s.service.CompleteCapture(s.ctx, begun.CheckoutID, nil, payment)
		s.Require().NoError(err)

		later := s.contextFor(s.owner, s.now.Add(2*time.Hour))
		second, err := s.service.CompleteCapture(later, begun.CheckoutID, nil, payment)
		s.Require().NoError(err)

		s.Equal(models.CheckoutReconciled, second.State)
		s.Require().Len(second.Paid, 1)
		s.Equal(first.Paid[0], second.Paid[0])
		s.Equal(s.now, *s.record(begun.PendingEntityIDs[0]).PaidAt)
		s.Equal(1, countOf(s.auditActions(begun.CheckoutID), string(audit.EventRegistrationPaid)))
	})

	s.Run("an entity paid by a racing checkout is reported already paid", func() {
		shared := s.seedEntity(s.owner, "Shared")
		selA := selection.New(s.key, tierTwice, nil)
		s.Require().NoError(selA.Select(s.ctx, shared))
		selB := selection.New(s.key, tierTwice, nil)
		s.Require().NoError(selB.Select(s.ctx, shared))
		checkoutA := s.begin(selA)
		checkoutB := s.begin(selB)
		s.Equal(int64(45000), checkoutB.AmountDueMinorUnits)

		_, err := s.service.CompleteCapture(s.ctx, checkoutA.CheckoutID, nil, s.payment(45000, "ch_race_a"))
		s.Require().NoError(err)
		result, err := s.service.CompleteCapture(s.ctx, checkoutB.CheckoutID, nil, s.payment(45000, "ch_race_b"))
		s.Require().NoError(err)

		outcome, ok := result.OutcomeFor(shared)
		s.Require().True(ok)
		s.Equal(models.OutcomeAlreadyPaid, outcome.Status)
		s.Empty(result.Paid)
		s.Equal("ch_race_a", s.record(shared).PaymentRef)
		s.Equal(1, countOf(s.auditActions(checkoutB.CheckoutID), string(audit.EventRegistrationAlreadyPaid)))
	})

	s.Run("a storage failure leaves the entity pending until a retry", func() {
		begun := s.begin(s.newSelection("Steady", "Flaky"))
		flaky := begun.PendingEntityIDs[1]
		s.ledgerStore.setFailing(flaky, true)
		payment := s.payment(90000, "ch_flaky")

		partial, err := s.service.CompleteCapture(s.ctx, begun.CheckoutID, nil, payment)
		s.Require().NoError(err)
		s.Equal(models.CheckoutError, partial.State)
		s.Equal([]id.EntityID{flaky}, partial.PendingEntityIDs)
		outcome, _ := partial.OutcomeFor(flaky)
		s.Equal(models.OutcomePending, outcome.Status)
		s.Equal(string(dErrors.CodeStorageUnavailable), outcome.Code)
		s.Equal(models.RegistrationStatusPending, s.record(flaky).Status)

		s.ledgerStore.setFailing(flaky, false)
		retried, err := s.service.CompleteCapture(s.ctx, begun.CheckoutID, nil, payment)
		s.Require().NoError(err)
		s.Equal(models.CheckoutReconciled, retried.State)
		s.Equal(2, countStatus(retried.Outcomes, models.OutcomeNowPaid))
		s.Equal(models.RegistrationStatusPaid, s.record(flaky).Status)
	})

	s.Run("explicit ids must belong to the checkout", func() {
		begun := s.begin(s.newSelection("Explicit"))

		_, err := s.service.CompleteCapture(s.ctx, begun.CheckoutID, []id.EntityID{id.NewEntityID()}, s.payment(45000, "ch_x"))
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("an invalid payment is rejected", func() {
		begun := s.begin(s.newSelection("NoToken"))

		_, err := s.service.CompleteCapture(s.ctx, begun.CheckoutID, nil, models.CapturedPayment{AmountMinorUnits: 45000, Currency: "usd"})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestRecoverCapture() {
	s.Run("the pending set is rebuilt from the ledger", func() {
		begun := s.begin(s.newSelection("Lost1", "Lost2"))

		stranger := id.AccountID(uuid.New())
		theirs := s.seedEntity(stranger, "Theirs")
		_, err := s.ledger.EnsureRegistered(s.ctx, theirs, s.key)
		s.Require().NoError(err)

		result, err := s.service.RecoverCapture(s.ctx, s.owner, s.key, tierTwice, s.payment(90000, "ch_recover"))
		s.Require().NoError(err)

		s.NotEqual(begun.CheckoutID, result.CheckoutID)
		s.Equal(models.CheckoutReconciled, result.State)
		s.Len(result.Paid, 2)
		for _, entityID := range begun.PendingEntityIDs {
			s.Equal(models.RegistrationStatusPaid, s.record(entityID).Status)
		}
		s.Equal(models.RegistrationStatusPending, s.record(theirs).Status, "another account's registration is not touched")

		s.Run("replaying the recovery returns the same records", func() {
			replay, err := s.service.RecoverCapture(s.ctx, s.owner, s.key, tierTwice, s.payment(90000, "ch_recover"))
			s.Require().NoError(err)
			s.Equal(models.CheckoutReconciled, replay.State)
			s.ElementsMatch(result.Paid, replay.Paid)
		})
	})

	s.Run("an amount that does not cover the recovered set is rejected", func() {
		begun := s.begin(s.newSelection("Under1", "Under2"))

		_, err := s.service.RecoverCapture(s.ctx, s.owner, s.key, tierTwice, s.payment(45000, "ch_under"))
		s.True(dErrors.HasCode(err, dErrors.CodeAmountMismatch))
		for _, entityID := range begun.PendingEntityIDs {
			s.Equal(models.RegistrationStatusPending, s.record(entityID).Status)
		}
	})

	s.Run("a payment in another currency is rejected", func() {
		begun := s.begin(s.newSelection("Yen"))
		payment := s.payment(45000, "ch_yen")
		payment.Currency = "jpy"

		_, err := s.service.RecoverCapture(s.ctx, s.owner, s.key, tierTwice, payment)
		s.True(dErrors.HasCode(err, dErrors.CodeAmountMismatch))
		s.Equal(models.RegistrationStatusPending, s.record(begun.PendingEntityIDs[0]).Status)
	})

	s.Run("input validation", func() {
		_, err := s.service.RecoverCapture(s.ctx, id.AccountID{}, s.key, tierTwice, s.payment(1, "ch_v"))
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))

		_, err = s.service.RecoverCapture(s.ctx, s.owner, s.key, "unknown", s.payment(1, "ch_v"))
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestCaptureAndReconcile() {
	s.Run("captures once and replays the journaled result", func() {
		begun := s.begin(s.newSelection("Card1", "Card2"))
		token := models.Token("tok_card")
		s.gateway.EXPECT().Capture(gomock.Any(), token, int64(90000), "usd").
			Return(models.CapturedPayment{Token: token, AmountMinorUnits: 90000, Currency: "usd", Reference: "ch_card"}, nil).
			Times(1)

		result, err := s.service.CaptureAndReconcile(s.ctx, begun.CheckoutID, token)
		s.Require().NoError(err)
		s.Equal(models.CheckoutReconciled, result.State)
		s.Len(result.Paid, 2)

		entry, err := s.journal.Get(s.ctx, token)
		s.Require().NoError(err)
		s.Equal(models.CaptureCaptured, entry.Status)

		again, err := s.service.CaptureAndReconcile(s.ctx, begun.CheckoutID, token)
		s.Require().NoError(err)
		s.Equal(models.CheckoutReconciled, again.State)
	})

	s.Run("a declined card releases the token and leaves entities retryable", func() {
		begun := s.begin(s.newSelection("Declined"))
		token := models.Token("tok_declined")
		s.gateway.EXPECT().Capture(gomock.Any(), token, int64(45000), "usd").
			Return(models.CapturedPayment{}, errors.New("card_declined")).Times(1)

		_, err := s.service.CaptureAndReconcile(s.ctx, begun.CheckoutID, token)
		s.True(dErrors.HasCode(err, dErrors.CodeGateway))
		s.True(dErrors.IsRetryable(err))

		stored, err := s.service.GetCheckout(s.ctx, begun.CheckoutID)
		s.Require().NoError(err)
		s.Equal(models.CheckoutError, stored.State)
		outcome, ok := stored.OutcomeFor(begun.PendingEntityIDs[0])
		s.Require().True(ok)
		s.Equal(models.OutcomePending, outcome.Status)
		s.Equal(string(dErrors.CodeGateway), outcome.Code)

		_, err = s.journal.Get(s.ctx, token)
		s.ErrorIs(err, sentinel.ErrNotFound)
		s.Equal(1, countOf(s.auditActions(begun.CheckoutID), string(audit.EventPaymentCaptureFailed)))

		s.Run("a new card can pay the same checkout", func() {
			retry := models.Token("tok_second_card")
			s.gateway.EXPECT().Capture(gomock.Any(), retry, int64(45000), "usd").
				Return(models.CapturedPayment{Token: retry, AmountMinorUnits: 45000, Currency: "usd", Reference: "ch_second"}, nil)

			result, err := s.service.CaptureAndReconcile(s.ctx, begun.CheckoutID, retry)
			s.Require().NoError(err)
			s.Equal(models.CheckoutReconciled, result.State)
		})
	})

	s.Run("a timeout is never retried against the gateway", func() {
		begun := s.begin(s.newSelection("Slow"))
		token := models.Token("tok_slow")
		s.gateway.EXPECT().Capture(gomock.Any(), token, int64(45000), "usd").
			Return(models.CapturedPayment{}, fmt.Errorf("read response: %w", sentinel.ErrTimeout)).Times(1)

		_, err := s.service.CaptureAndReconcile(s.ctx, begun.CheckoutID, token)
		s.True(dErrors.HasCode(err, dErrors.CodeGateway))

		entry, err := s.journal.Get(s.ctx, token)
		s.Require().NoError(err)
		s.Equal(models.CaptureUnknown, entry.Status)
		s.Equal(models.RegistrationStatusPending, s.record(begun.PendingEntityIDs[0]).Status)

		_, err = s.service.CaptureAndReconcile(s.ctx, begun.CheckoutID, token)
		s.True(dErrors.HasCode(err, dErrors.CodeGateway), "retry with the same token reports without charging")

		s.Run("the callback settles it and the token then reads as reconciled", func() {
			_, err := s.service.CompleteCapture(s.ctx, begun.CheckoutID, nil,
				models.CapturedPayment{Token: token, AmountMinorUnits: 45000, Currency: "usd", Reference: "ch_slow"})
			s.Require().NoError(err)

			result, err := s.service.CaptureAndReconcile(s.ctx, begun.CheckoutID, token)
			s.Require().NoError(err)
			s.Equal(models.CheckoutReconciled, result.State)
		})
	})

	s.Run("a timeout whose charge landed in the ledger reconciles", func() {
		begun := s.begin(s.newSelection("Landed"))
		token := models.Token("tok_landed")
		s.gateway.EXPECT().Capture(gomock.Any(), token, int64(45000), "usd").
			DoAndReturn(func(ctx context.Context, tok models.Token, amount int64, currency string) (models.CapturedPayment, error) {
				// The charge succeeds and another request reconciles it before
				// this one hears back.
				_, err := s.ledger.ReconcileCapture(ctx, begun.PendingEntityIDs, s.key,
					models.CapturedPayment{Token: tok, AmountMinorUnits: amount, Currency: currency, Reference: "ch_landed"})
				s.Require().NoError(err)
				return models.CapturedPayment{}, context.DeadlineExceeded
			})

		result, err := s.service.CaptureAndReconcile(s.ctx, begun.CheckoutID, token)
		s.Require().NoError(err)
		s.Equal(models.CheckoutReconciled, result.State)
		s.Equal(1, countStatus(result.Outcomes, models.OutcomeNowPaid))
	})

	s.Run("an entity paid by a racing checkout is not charged again", func() {
		shared := s.seedEntity(s.owner, "SharedCard")
		selA := selection.New(s.key, tierTwice, nil)
		s.Require().NoError(selA.Select(s.ctx, shared))
		selB := s.newSelection("OwnCard")
		s.Require().NoError(selB.Select(s.ctx, shared))
		checkoutA := s.begin(selA)
		checkoutB := s.begin(selB)
		s.Equal(int64(90000), checkoutB.AmountDueMinorUnits)

		_, err := s.service.CompleteCapture(s.ctx, checkoutA.CheckoutID, nil, s.payment(45000, "ch_card_a"))
		s.Require().NoError(err)

		token := models.Token("tok_card_b")
		s.gateway.EXPECT().Capture(gomock.Any(), token, int64(45000), "usd").
			Return(models.CapturedPayment{Token: token, AmountMinorUnits: 45000, Currency: "usd", Reference: "ch_card_b"}, nil).
			Times(1)

		result, err := s.service.CaptureAndReconcile(s.ctx, checkoutB.CheckoutID, token)
		s.Require().NoError(err)
		s.Equal(models.CheckoutReconciled, result.State)
		s.Equal(int64(45000), result.AmountDueMinorUnits)
		outcome, ok := result.OutcomeFor(shared)
		s.Require().True(ok)
		s.Equal(models.OutcomeAlreadyPaid, outcome.Status)
		s.Require().Len(result.Paid, 1)
		s.Equal(int64(45000), *result.Paid[0].AmountPaidMinorUnits)
		s.Equal("ch_card_a", s.record(shared).PaymentRef)
		s.Equal(int64(45000), *s.record(shared).AmountPaidMinorUnits)
	})

	s.Run("a checkout whose entities were all paid elsewhere never reaches the gateway", func() {
		shared := s.seedEntity(s.owner, "AllElsewhere")
		selA := selection.New(s.key, tierTwice, nil)
		s.Require().NoError(selA.Select(s.ctx, shared))
		selB := selection.New(s.key, tierTwice, nil)
		s.Require().NoError(selB.Select(s.ctx, shared))
		checkoutA := s.begin(selA)
		checkoutB := s.begin(selB)

		_, err := s.service.CompleteCapture(s.ctx, checkoutA.CheckoutID, nil, s.payment(45000, "ch_elsewhere"))
		s.Require().NoError(err)

		result, err := s.service.CaptureAndReconcile(s.ctx, checkoutB.CheckoutID, "tok_unused")
		s.Require().NoError(err)
		s.Equal(models.CheckoutReconciled, result.State)
		s.Zero(result.AmountDueMinorUnits)
		s.Empty(result.PendingEntityIDs)
		outcome, ok := result.OutcomeFor(shared)
		s.Require().True(ok)
		s.Equal(models.OutcomeAlreadyPaid, outcome.Status)

		_, err = s.journal.Get(s.ctx, "tok_unused")
		s.ErrorIs(err, sentinel.ErrNotFound)
		stored, err := s.service.GetCheckout(s.ctx, checkoutB.CheckoutID)
		s.Require().NoError(err)
		s.Equal(models.CheckoutReconciled, stored.State)
	})

	s.Run("a token journaled for another checkout is refused", func() {
		first := s.begin(s.newSelection("First"))
		second := s.begin(s.newSelection("Second"))
		token := models.Token("tok_shared")
		s.gateway.EXPECT().Capture(gomock.Any(), token, int64(45000), "usd").
			Return(models.CapturedPayment{Token: token, AmountMinorUnits: 45000, Currency: "usd"}, nil)

		_, err := s.service.CaptureAndReconcile(s.ctx, first.CheckoutID, token)
		s.Require().NoError(err)

		_, err = s.service.CaptureAndReconcile(s.ctx, second.CheckoutID, token)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("a capture already in flight is a conflict", func() {
		begun := s.begin(s.newSelection("InFlight"))
		token := models.Token("tok_inflight")
		_, reserved, err := s.journal.Reserve(s.ctx, token, begun.CheckoutID, s.now)
		s.Require().NoError(err)
		s.Require().True(reserved)

		_, err = s.service.CaptureAndReconcile(s.ctx, begun.CheckoutID, token)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("input validation", func() {
		begun := s.begin(s.newSelection("Blank"))
		_, err := s.service.CaptureAndReconcile(s.ctx, begun.CheckoutID, "  ")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		bare := New(s.ledger, s.service.fees, s.entities, s.checkouts)
		_, err = bare.CaptureAndReconcile(s.ctx, begun.CheckoutID, "tok")
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})
}

func (s *ServiceSuite) TestRequestIDReachesAuditEvents() {
	ctx := requestcontext.WithRequestID(s.ctx, "req-42")
	result, err := s.service.BeginRegistration(ctx, s.owner, s.newSelection("Traced"))
	s.Require().NoError(err)

	events, err := s.auditStore.ListByCheckout(context.Background(), result.CheckoutID.String())
	s.Require().NoError(err)
	s.Require().NotEmpty(events)
	s.Equal("req-42", events[0].RequestID)
	s.Equal(s.owner, events[0].OwnerID)
	s.Equal(s.key.String(), events[0].EventKey)
	s.Equal(s.now, events[0].Timestamp)
}
