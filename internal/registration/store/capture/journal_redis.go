package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"registrar/internal/registration/models"
	id "registrar/pkg/domain"
	"registrar/pkg/platform/sentinel"
)

// RedisJournal stores entries as JSON under capture:<token>. Reserve is a
// SETNX, so two replicas racing on one token cannot both win.
type RedisJournal struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) *RedisJournal {
	return &RedisJournal{client: client, ttl: ttl}
}

func (j *RedisJournal) Reserve(ctx context.Context, token models.Token, checkoutID id.CheckoutID, now time.Time) (*models.CaptureEntry, bool, error) {
	entry := models.CaptureEntry{Token: token, CheckoutID: checkoutID, Status: models.CaptureInFlight, UpdatedAt: now}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, false, fmt.Errorf("encode capture entry: %w", err)
	}
	ok, err := j.client.SetNX(ctx, tokenKey(token), raw, j.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: reserve capture token: %v", sentinel.ErrUnavailable, err)
	}
	if ok {
		return &entry, true, nil
	}
	existing, err := j.Get(ctx, token)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (j *RedisJournal) Complete(ctx context.Context, token models.Token, payment models.CapturedPayment, now time.Time) error {
	return j.update(ctx, token, func(e *models.CaptureEntry) {
		e.Status = models.CaptureCaptured
		e.Payment = &payment
		e.UpdatedAt = now
	})
}

func (j *RedisJournal) MarkUnknown(ctx context.Context, token models.Token, now time.Time) error {
	return j.update(ctx, token, func(e *models.CaptureEntry) {
		e.Status = models.CaptureUnknown
		e.UpdatedAt = now
	})
}

func (j *RedisJournal) Release(ctx context.Context, token models.Token) error {
	if err := j.client.Del(ctx, tokenKey(token)).Err(); err != nil {
		return fmt.Errorf("%w: release capture token: %v", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (j *RedisJournal) Get(ctx context.Context, token models.Token) (*models.CaptureEntry, error) {
	raw, err := j.client.Get(ctx, tokenKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("%w: load capture entry: %v", sentinel.ErrUnavailable, err)
	}
	var entry models.CaptureEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode capture entry: %w", err)
	}
	return &entry, nil
}

// update rewrites an entry under WATCH so a concurrent writer forces a retry
// instead of a lost update. The key's remaining TTL is kept.
func (j *RedisJournal) update(ctx context.Context, token models.Token, fn func(*models.CaptureEntry)) error {
	key := tokenKey(token)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return sentinel.ErrNotFound
			}
			return err
		}
		var entry models.CaptureEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("decode capture entry: %w", err)
		}
		fn(&entry)
		updated, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode capture entry: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, updated, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}

	const maxRetries = 3
	for range maxRetries {
		err := j.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, sentinel.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: update capture entry: %v", sentinel.ErrUnavailable, err)
	}
	return fmt.Errorf("%w: update capture entry: too much contention", sentinel.ErrConflict)
}
