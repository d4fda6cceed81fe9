package checkout

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

// RedisStore keeps sessions as JSON strings with a TTL, so a session
// survives process restarts and is shared across replicas.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, session *models.CheckoutSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode checkout session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(session.ID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: save checkout session: %v", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, checkoutID id.CheckoutID) (*models.CheckoutSession, error) {
	raw, err := s.client.Get(ctx, sessionKey(checkoutID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("%w: load checkout session: %v", sentinel.ErrUnavailable, err)
	}
	return decode(raw)
}
