package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"pgregory.net/rapid"

	"registrar/internal/registration/models"
	ledgerstore "registrar/internal/registration/store/ledger"
	id "registrar/pkg/domain"
	dErrors "registrar/pkg/domain-errors"
	"registrar/pkg/requestcontext"
)

// flakyStore fails MarkPaid or Find for selected entities.
type flakyStore struct {
	*ledgerstore.InMemory
	failMark map[id.EntityID]bool
	failFind bool
}

var errDown = errors.New("connection refused")

func (f *flakyStore) MarkPaid(ctx context.Context, entityID id.EntityID, key models.EventKey, paidAt time.Time, amount int64, ref string) (*models.RegistrationRecord, bool, error) {
	if f.failMark[entityID] {
		return nil, false, errDown
	}
	return f.InMemory.MarkPaid(ctx, entityID, key, paidAt, amount, ref)
}

func (f *flakyStore) Find(ctx context.Context, entityID id.EntityID, key models.EventKey) (*models.RegistrationRecord, error) {
	if f.failFind {
		return nil, errDown
	}
	return f.InMemory.Find(ctx, entityID, key)
}

type LedgerSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	key     models.EventKey
	store   *flakyStore
	service *Service
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.key = models.EventKey{Kind: models.EventKindSeason, Name: "Spring", Year: 2026}
	s.store = &flakyStore{InMemory: ledgerstore.NewInMemory(), failMark: map[id.EntityID]bool{}}
	s.service = New(s.store)
}

func (s *LedgerSuite) payment(amount int64) models.CapturedPayment {
	return models.CapturedPayment{Token: "tok_1", AmountMinorUnits: amount, Currency: "usd", Reference: "ch_1"}
}

func (s *LedgerSuite) TestEnsureRegistered() {
	s.Run("creates a pending record stamped with request time", func() {
		e := id.NewEntityID()
		rec, created, err := s.service.EnsureRegisteredCreated(s.ctx, e, s.key)
		s.Require().NoError(err)
		s.True(created)
		s.Equal(models.RegistrationStatusPending, rec.Status)
		s.Equal(s.now, rec.CreatedAt)
	})

	s.Run("is idempotent and keeps the original createdAt", func() {
		e := id.NewEntityID()
		first, err := s.service.EnsureRegistered(s.ctx, e, s.key)
		s.Require().NoError(err)

		later := requestcontext.WithTime(context.Background(), s.now.Add(time.Hour))
		second, created, err := s.service.EnsureRegisteredCreated(later, e, s.key)
		s.Require().NoError(err)
		s.False(created)
		s.Equal(first.CreatedAt, second.CreatedAt)

		recs, err := s.service.FindByEvent(s.ctx, s.key)
		s.Require().NoError(err)
		count := 0
		for _, r := range recs {
			if r.EntityID == e {
				count++
			}
		}
		s.Equal(1, count)
	})

	s.Run("never regresses a paid record", func() {
		e := id.NewEntityID()
		_, err := s.service.EnsureRegistered(s.ctx, e, s.key)
		s.Require().NoError(err)
		_, err = s.service.ReconcileCapture(s.ctx, []id.EntityID{e}, s.key, s.payment(45000))
		s.Require().NoError(err)

		rec, err := s.service.EnsureRegistered(s.ctx, e, s.key)
		s.Require().NoError(err)
		s.Equal(models.RegistrationStatusPaid, rec.Status)
	})

	s.Run("rejects a nil entity id", func() {
		_, err := s.service.EnsureRegistered(s.ctx, id.EntityID{}, s.key)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *LedgerSuite) TestReconcileCapture() {
	s.Run("marks pending records paid with per-entity shares", func() {
		a, b := id.NewEntityID(), id.NewEntityID()
		for _, e := range []id.EntityID{a, b} {
			_, err := s.service.EnsureRegistered(s.ctx, e, s.key)
			s.Require().NoError(err)
		}

		outcomes, err := s.service.ReconcileCapture(s.ctx, []id.EntityID{a, b}, s.key, s.payment(90001))
		s.Require().NoError(err)
		s.Require().Len(outcomes, 2)

		var total int64
		for _, o := range outcomes {
			s.Equal(models.ReconcileMarkedPaid, o.Status)
			s.Equal("ch_1", o.Record.PaymentRef)
			s.Equal(s.now, *o.Record.PaidAt)
			total += *o.Record.AmountPaidMinorUnits
		}
		s.Equal(int64(90001), total)
	})

	s.Run("records paid by another payment take no share", func() {
		paidBefore, pending := id.NewEntityID(), id.NewEntityID()
		for _, e := range []id.EntityID{paidBefore, pending} {
			_, err := s.service.EnsureRegistered(s.ctx, e, s.key)
			s.Require().NoError(err)
		}
		earlier := models.CapturedPayment{Token: "tok_0", AmountMinorUnits: 45000, Currency: "usd", Reference: "ch_0"}
		_, err := s.service.ReconcileCapture(s.ctx, []id.EntityID{paidBefore}, s.key, earlier)
		s.Require().NoError(err)

		outcomes, err := s.service.ReconcileCapture(s.ctx, []id.EntityID{paidBefore, pending}, s.key, s.payment(90000))
		s.Require().NoError(err)

		s.Equal(models.ReconcileAlreadyPaid, outcomes[0].Status)
		s.Equal("ch_0", outcomes[0].Record.PaymentRef)
		s.Equal(int64(45000), *outcomes[0].Record.AmountPaidMinorUnits)
		s.Equal(models.ReconcileMarkedPaid, outcomes[1].Status)
		s.Equal(int64(90000), *outcomes[1].Record.AmountPaidMinorUnits)
	})

	s.Run("replay leaves paid records untouched", func() {
		e := id.NewEntityID()
		_, err := s.service.EnsureRegistered(s.ctx, e, s.key)
		s.Require().NoError(err)
		first, err := s.service.ReconcileCapture(s.ctx, []id.EntityID{e}, s.key, s.payment(45000))
		s.Require().NoError(err)

		later := requestcontext.WithTime(context.Background(), s.now.Add(time.Hour))
		second, err := s.service.ReconcileCapture(later, []id.EntityID{e}, s.key, s.payment(45000))
		s.Require().NoError(err)

		s.Equal(models.ReconcileAlreadyPaid, second[0].Status)
		s.Equal(*first[0].Record.PaidAt, *second[0].Record.PaidAt)
		s.Equal(first[0].Record, second[0].Record)
	})

	s.Run("missing record is a consistency error and siblings continue", func() {
		present, missing := id.NewEntityID(), id.NewEntityID()
		_, err := s.service.EnsureRegistered(s.ctx, present, s.key)
		s.Require().NoError(err)

		outcomes, err := s.service.ReconcileCapture(s.ctx, []id.EntityID{missing, present}, s.key, s.payment(90000))
		s.Require().NoError(err)

		s.Equal(models.ReconcileMissing, outcomes[0].Status)
		s.True(dErrors.HasCode(outcomes[0].Err, dErrors.CodeConsistency))
		s.Equal(models.ReconcileMarkedPaid, outcomes[1].Status)
	})

	s.Run("storage failure leaves the record pending", func() {
		e := id.NewEntityID()
		_, err := s.service.EnsureRegistered(s.ctx, e, s.key)
		s.Require().NoError(err)
		s.store.failMark[e] = true
		defer delete(s.store.failMark, e)

		outcomes, err := s.service.ReconcileCapture(s.ctx, []id.EntityID{e}, s.key, s.payment(45000))
		s.Require().NoError(err)
		s.Equal(models.ReconcileFailed, outcomes[0].Status)
		s.True(dErrors.HasCode(outcomes[0].Err, dErrors.CodeStorageUnavailable))
		s.True(dErrors.IsRetryable(outcomes[0].Err))

		rec, err := s.store.InMemory.Find(s.ctx, e, s.key)
		s.Require().NoError(err)
		s.Equal(models.RegistrationStatusPending, rec.Status)
	})

	s.Run("rejects an empty batch", func() {
		_, err := s.service.ReconcileCapture(s.ctx, nil, s.key, s.payment(0))
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("rejects a payment without token", func() {
		_, err := s.service.ReconcileCapture(s.ctx, []id.EntityID{id.NewEntityID()}, s.key, models.CapturedPayment{Currency: "usd"})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *LedgerSuite) TestIsPaidAndStatuses() {
	pending, paid, unknown := id.NewEntityID(), id.NewEntityID(), id.NewEntityID()
	for _, e := range []id.EntityID{pending, paid} {
		_, err := s.service.EnsureRegistered(s.ctx, e, s.key)
		s.Require().NoError(err)
	}
	_, err := s.service.ReconcileCapture(s.ctx, []id.EntityID{paid}, s.key, s.payment(45000))
	s.Require().NoError(err)

	s.Run("IsPaid", func() {
		ok, err := s.service.IsPaid(s.ctx, paid, s.key)
		s.Require().NoError(err)
		s.True(ok)

		ok, err = s.service.IsPaid(s.ctx, unknown, s.key)
		s.Require().NoError(err)
		s.False(ok)
	})

	s.Run("Statuses", func() {
		statuses, err := s.service.Statuses(s.ctx, s.key, []id.EntityID{pending, paid, unknown})
		s.Require().NoError(err)
		s.Equal(models.EntityStatusPending, statuses[pending])
		s.Equal(models.EntityStatusPaid, statuses[paid])
		s.Equal(models.EntityStatusUnregistered, statuses[unknown])
	})

	s.Run("storage failure surfaces as storage unavailable", func() {
		s.store.failFind = true
		defer func() { s.store.failFind = false }()

		_, err := s.service.IsPaid(s.ctx, paid, s.key)
		s.True(dErrors.HasCode(err, dErrors.CodeStorageUnavailable))
		_, err = s.service.Statuses(s.ctx, s.key, []id.EntityID{paid})
		s.True(dErrors.HasCode(err, dErrors.CodeStorageUnavailable))
	})
}

// Any interleaving of ensure and reconcile calls keeps each record's status
// monotonic and its paid fields frozen once set.
func TestLedgerMonotonicity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := requestcontext.WithTime(context.Background(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		key := models.EventKey{Kind: models.EventKindTryout, Name: "Winter", Year: 2026}
		svc := New(ledgerstore.NewInMemory())

		entities := make([]id.EntityID, rapid.IntRange(1, 4).Draw(rt, "entities"))
		for i := range entities {
			entities[i] = id.NewEntityID()
		}
		paidSnapshot := map[id.EntityID]models.RegistrationRecord{}

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			e := entities[rapid.IntRange(0, len(entities)-1).Draw(rt, "entity")]
			if rapid.Bool().Draw(rt, "reconcile") {
				amount := rapid.Int64Range(0, 100000).Draw(rt, "amount")
				outcomes, err := svc.ReconcileCapture(ctx, []id.EntityID{e}, key, models.CapturedPayment{Token: "tok", AmountMinorUnits: amount, Currency: "usd"})
				require.NoError(rt, err)
				if outcomes[0].Status == models.ReconcileMarkedPaid {
					_, seen := paidSnapshot[e]
					assert.False(rt, seen, "entity paid twice")
					paidSnapshot[e] = *outcomes[0].Record
				}
			} else {
				_, err := svc.EnsureRegistered(ctx, e, key)
				require.NoError(rt, err)
			}

			if snap, ok := paidSnapshot[e]; ok {
				rec, err := svc.store.Find(ctx, e, key)
				require.NoError(rt, err)
				assert.Equal(rt, models.RegistrationStatusPaid, rec.Status)
				assert.Equal(rt, *snap.PaidAt, *rec.PaidAt)
				assert.Equal(rt, *snap.AmountPaidMinorUnits, *rec.AmountPaidMinorUnits)
			}
		}
	})
}
