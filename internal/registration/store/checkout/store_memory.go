// Package checkout keeps checkout session snapshots for resume and recovery.
package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"registrar/internal/registration/models"
	id "registrar/pkg/domain"
	"registrar/pkg/platform/sentinel"
)

const cleanupInterval = 10 * time.Minute

// InMemory stores sessions in a go-cache with per-session expiry. Sessions
// are held as encoded JSON so callers never share state with the store.
type InMemory struct {
	cache *gocache.Cache
	ttl   time.Duration
}

func NewInMemory(ttl time.Duration) *InMemory {
	return &InMemory{
		cache: gocache.New(ttl, cleanupInterval),
		ttl:   ttl,
	}
}

// Save writes the session and restarts its TTL.
func (s *InMemory) Save(_ context.Context, session *models.CheckoutSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode checkout session: %w", err)
	}
	s.cache.Set(sessionKey(session.ID), raw, s.ttl)
	return nil
}

func (s *InMemory) Get(_ context.Context, checkoutID id.CheckoutID) (*models.CheckoutSession, error) {
	v, found := s.cache.Get(sessionKey(checkoutID))
	if !found {
		return nil, sentinel.ErrNotFound
	}
	raw, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("checkout session %s has unexpected type %T", checkoutID, v)
	}
	return decode(raw)
}

func sessionKey(checkoutID id.CheckoutID) string {
	return "checkout:" + checkoutID.String()
}

func decode(raw []byte) (*models.CheckoutSession, error) {
	var session models.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	return &session, nil
}
