//go:build integration

package capture_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"registrar/internal/registration/models"
	"registrar/internal/registration/store/capture"
	id "registrar/pkg/domain"
	"registrar/pkg/platform/sentinel"
	"registrar/pkg/testutil/containers"
)

type RedisJournalSuite struct {
	suite.Suite
	redis   *containers.RedisContainer
	journal *capture.RedisJournal
}

func TestRedisJournalSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisJournalSuite))
}

func (s *RedisJournalSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())
	s.journal = capture.NewRedis(s.redis.Client, time.Hour)
}

func (s *RedisJournalSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisJournalSuite) TestConcurrentReserve() {
	ctx := context.Background()
	const goroutines = 30

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, reserved, err := s.journal.Reserve(ctx, "tok_race", id.NewCheckoutID(), time.Now())
			if err == nil && reserved {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), winners.Load(), "exactly one reservation should win")
}

func (s *RedisJournalSuite) TestCompleteKeepsTTL() {
	ctx := context.Background()
	_, reserved, err := s.journal.Reserve(ctx, "tok_1", id.NewCheckoutID(), time.Now())
	s.Require().NoError(err)
	s.Require().True(reserved)

	payment := models.CapturedPayment{Token: "tok_1", AmountMinorUnits: 90000, Currency: "usd", Reference: "ch_1"}
	s.Require().NoError(s.journal.Complete(ctx, "tok_1", payment, time.Now()))

	entry, err := s.journal.Get(ctx, "tok_1")
	s.Require().NoError(err)
	s.Equal(models.CaptureCaptured, entry.Status)
	s.Equal(payment, *entry.Payment)

	ttl, err := s.redis.Client.TTL(ctx, "capture:tok_1").Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Duration(0))
}

func (s *RedisJournalSuite) TestReleaseAndMissing() {
	ctx := context.Background()
	_, _, err := s.journal.Reserve(ctx, "tok_2", id.NewCheckoutID(), time.Now())
	s.Require().NoError(err)
	s.Require().NoError(s.journal.Release(ctx, "tok_2"))

	_, err = s.journal.Get(ctx, "tok_2")
	s.ErrorIs(err, sentinel.ErrNotFound)
	s.ErrorIs(s.journal.MarkUnknown(ctx, "tok_2", time.Now()), sentinel.ErrNotFound)
}
