package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/mock/gomock"

	"registrar/internal/registration/ledger"
	"registrar/internal/registration/models"
	"registrar/internal/registration/selection"
	"registrar/internal/registration/service/mocks"
	"registrar/internal/registration/store/checkout"
	ledgerstore "registrar/internal/registration/store/ledger"
	id "registrar/pkg/domain"
	dErrors "registrar/pkg/domain-errors"
	"registrar/pkg/platform/audit"
)

func (s *ServiceSuite) TestBeginRegistration() {
	s.Run("two new players are priced at twice the per-entity fee", func() {
		sel := s.newSelection("Ada", "Grace")

		result := s.begin(sel)

		s.Equal(models.CheckoutAwaitingPayment, result.State)
		s.Equal(int64(90000), result.AmountDueMinorUnits)
		s.Equal("usd", result.Currency)
		s.Len(result.PendingEntityIDs, 2)
		s.Equal(2, countStatus(result.Outcomes, models.OutcomePending))
		s.Empty(sel.NewEntities(), "created entities leave the new list")
		s.ElementsMatch(result.PendingEntityIDs, sel.SelectedIDs())
		s.Equal(result.CheckoutID, sel.CheckoutID())

		for _, entityID := range result.PendingEntityIDs {
			rec := s.record(entityID)
			s.Equal(models.RegistrationStatusPending, rec.Status)
			s.Equal(s.now, rec.CreatedAt)
		}
		s.Equal(2, countOf(s.auditActions(result.CheckoutID), string(audit.EventRegistrationCreated)))
	})

	s.Run("an entity already paid is excluded from the amount", func() {
		paid := s.seedEntity(s.owner, "Paid")
		s.seedPaid(paid, "ch_earlier")
		sel := s.newSelection("Fresh")
		s.Require().NoError(sel.Select(s.ctx, paid))

		result := s.begin(sel)

		s.Equal(int64(45000), result.AmountDueMinorUnits)
		s.Len(result.PendingEntityIDs, 1)
		s.NotContains(result.PendingEntityIDs, paid)
		outcome, ok := result.OutcomeFor(paid)
		s.Require().True(ok)
		s.Equal(models.OutcomeAlreadyPaid, outcome.Status)
		s.Equal("ch_earlier", s.record(paid).PaymentRef)
	})

	s.Run("a selection with nothing unpaid reconciles immediately", func() {
		paid := s.seedEntity(s.owner, "AllPaid")
		s.seedPaid(paid, "ch_done")
		sel := selection.New(s.key, tierTwice, nil)
		s.Require().NoError(sel.Select(s.ctx, paid))

		result := s.begin(sel)

		s.Equal(models.CheckoutReconciled, result.State)
		s.Zero(result.AmountDueMinorUnits)
		s.Empty(result.PendingEntityIDs)
	})

	s.Run("creation failures are reported by index and excluded", func() {
		s.createErr["Broken"] = dErrors.New(dErrors.CodeValidation, "display name taken")
		sel := s.newSelection("Works", "Broken")

		result := s.begin(sel)

		s.Equal(int64(45000), result.AmountDueMinorUnits)
		s.Len(result.PendingEntityIDs, 1)
		failed := result.FailedOutcomes()
		s.Require().Len(failed, 1)
		s.Require().NotNil(failed[0].NewIndex)
		s.Equal(1, *failed[0].NewIndex)
		s.True(failed[0].EntityID.IsNil())
		s.Equal(string(dErrors.CodeValidation), failed[0].Code)
		s.Equal("display name taken", failed[0].Reason)
		s.Require().Len(sel.NewEntities(), 1)
		s.Equal("Broken", sel.NewEntities()[0].DisplayName)

		s.Run("retry creates only what is still missing", func() {
			delete(s.createErr, "Broken")

			retried := s.begin(sel)

			s.Equal(result.CheckoutID, retried.CheckoutID)
			s.Equal(int64(90000), retried.AmountDueMinorUnits)
			s.Len(retried.PendingEntityIDs, 2)
			s.Equal(1, s.createCalls["Works"])
			s.Equal(2, s.createCalls["Broken"])
			s.Empty(sel.NewEntities())
		})
	})

	s.Run("every creation failing is a validation failure kept on the checkout", func() {
		s.createErr["Nope1"] = errors.New("disk full")
		s.createErr["Nope2"] = errors.New("disk full")
		sel := s.newSelection("Nope1", "Nope2")

		_, err := s.service.BeginRegistration(s.ctx, s.owner, sel)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		stored, err := s.service.GetCheckout(s.ctx, sel.CheckoutID())
		s.Require().NoError(err)
		s.Equal(models.CheckoutError, stored.State)
		s.Len(stored.FailedOutcomes(), 2)
		for _, o := range stored.FailedOutcomes() {
			s.Equal(string(dErrors.CodeInternal), o.Code, "infrastructure detail stays hidden")
		}
	})

	s.Run("entities owned by another account are rejected", func() {
		foreign := s.seedEntity(id.AccountID(uuid.New()), "Foreign")
		missing := id.NewEntityID()
		sel := s.newSelection("Mine")
		s.Require().NoError(sel.Select(s.ctx, foreign))
		s.Require().NoError(sel.Select(s.ctx, missing))

		result := s.begin(sel)

		s.Equal(int64(45000), result.AmountDueMinorUnits)
		outcome, ok := result.OutcomeFor(foreign)
		s.Require().True(ok)
		s.Equal(models.OutcomeRegistrationFailed, outcome.Status)
		s.Equal(string(dErrors.CodeForbidden), outcome.Code)
		outcome, ok = result.OutcomeFor(missing)
		s.Require().True(ok)
		s.Equal(string(dErrors.CodeNotFound), outcome.Code)

		_, err := s.ledgerStore.Find(s.ctx, foreign, s.key)
		s.Error(err, "no registration is written for a foreign entity")
	})

	s.Run("an unknown tier is rejected before anything is written", func() {
		sel := selection.New(s.key, "3x/week", nil)
		entity, err := models.NewEntity(models.EntityKindPlayer, s.owner, "Early", "")
		s.Require().NoError(err)
		_, err = sel.AddNew(entity)
		s.Require().NoError(err)

		_, err = s.service.BeginRegistration(s.ctx, s.owner, sel)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		s.Zero(s.createCalls["Early"])
		s.True(sel.CheckoutID().IsNil())
	})

	s.Run("input validation", func() {
		_, err := s.service.BeginRegistration(s.ctx, id.AccountID{}, s.newSelection("X"))
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))

		_, err = s.service.BeginRegistration(s.ctx, s.owner, nil)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		_, err = s.service.BeginRegistration(s.ctx, s.owner, s.newSelection())
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		bad := selection.New(models.EventKey{Kind: models.EventKindSeason, Year: 2026}, tierTwice, nil)
		_, err = bad.AddNew(models.Entity{Kind: models.EntityKindTeam, OwnerID: s.owner, DisplayName: "T"})
		s.Require().NoError(err)
		_, err = s.service.BeginRegistration(s.ctx, s.owner, bad)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("resuming with a different tier fails", func() {
		sel := s.newSelection("Tiered")
		result := s.begin(sel)

		other := selection.New(s.key, tierOnce, nil)
		other.SetCheckoutID(result.CheckoutID)
		s.Require().NoError(other.Select(s.ctx, result.PendingEntityIDs[0]))

		_, err := s.service.BeginRegistration(s.ctx, s.owner, other)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("resuming a checkout of another account is not found", func() {
		sel := s.newSelection("Hidden")
		s.begin(sel)

		_, err := s.service.BeginRegistration(s.ctx, id.AccountID(uuid.New()), sel)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("resuming a reconciled checkout is rejected", func() {
		sel := s.newSelection("Closed")
		result := s.begin(sel)
		_, err := s.service.CompleteCapture(s.ctx, result.CheckoutID, nil, s.payment(45000, "ch_closed"))
		s.Require().NoError(err)

		_, err = s.service.BeginRegistration(s.ctx, s.owner, sel)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *ServiceSuite) TestBeginRegistration_Validator() {
	validator := mocks.NewMockEntityValidator(s.ctrl)
	validator.EXPECT().Validate(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, entity models.Entity) error {
			if entity.Grade != "U10" {
				return dErrors.New(dErrors.CodeValidation, "grade not offered")
			}
			return nil
		}).AnyTimes()
	svc := New(s.ledger, s.service.fees, s.entities, s.checkouts, WithValidator(validator))

	sel := s.newSelection("InBand")
	_, err := sel.AddNew(models.Entity{Kind: models.EntityKindPlayer, OwnerID: s.owner, DisplayName: "OutOfBand", Grade: "U18"})
	s.Require().NoError(err)

	result, err := svc.BeginRegistration(s.ctx, s.owner, sel)
	s.Require().NoError(err)

	s.Equal(int64(45000), result.AmountDueMinorUnits)
	failed := result.FailedOutcomes()
	s.Require().Len(failed, 1)
	s.Equal("grade not offered", failed[0].Reason)
	s.Zero(s.createCalls["OutOfBand"], "rejected entities are never persisted")
}

// downLedger fails every registration write.
type downLedger struct {
	*ledger.Service
}

func (downLedger) EnsureRegisteredCreated(context.Context, id.EntityID, models.EventKey) (*models.RegistrationRecord, bool, error) {
	return nil, false, dErrors.Wrap(errors.New("dial tcp: refused"), dErrors.CodeStorageUnavailable, "failed to register entity")
}

func (s *ServiceSuite) TestBeginRegistration_LedgerUnavailable() {
	checkouts := checkout.NewInMemory(time.Hour)
	svc := New(downLedger{ledger.New(ledgerstore.NewInMemory())}, s.service.fees, s.entities, checkouts)
	sel := s.newSelection("Ada")

	_, err := svc.BeginRegistration(s.ctx, s.owner, sel)
	s.True(dErrors.HasCode(err, dErrors.CodeStorageUnavailable))
	s.True(dErrors.IsRetryable(err))

	stored, err := checkouts.Get(s.ctx, sel.CheckoutID())
	s.Require().NoError(err)
	s.Equal(models.CheckoutError, stored.State)
	s.NotEmpty(stored.LastError)

	// Entities created before the failure are not created again.
	s.Empty(sel.NewEntities())
	s.Equal(1, s.createCalls["Ada"])
}
