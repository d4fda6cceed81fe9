// Package capture journals capture tokens so a token reaches the gateway at
// most once.
package capture

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"registrar/internal/registration/models"
	id "registrar/pkg/domain"
	"registrar/pkg/platform/sentinel"
)

// InMemory is a go-cache backed journal. Reserve relies on Cache.Add, which
// fails when the key exists, for set-if-absent semantics.
type InMemory struct {
	cache *gocache.Cache
	ttl   time.Duration
}

func NewInMemory(ttl time.Duration) *InMemory {
	return &InMemory{cache: gocache.New(ttl, 10*time.Minute), ttl: ttl}
}

// Reserve claims token for checkoutID. When the token is already journaled
// the existing entry is returned with reserved=false.
func (j *InMemory) Reserve(ctx context.Context, token models.Token, checkoutID id.CheckoutID, now time.Time) (*models.CaptureEntry, bool, error) {
	entry := models.CaptureEntry{Token: token, CheckoutID: checkoutID, Status: models.CaptureInFlight, UpdatedAt: now}
	if err := j.cache.Add(tokenKey(token), entry, j.ttl); err == nil {
		return &entry, true, nil
	}
	existing, err := j.Get(ctx, token)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (j *InMemory) Complete(ctx context.Context, token models.Token, payment models.CapturedPayment, now time.Time) error {
	return j.update(token, func(e *models.CaptureEntry) {
		p := payment
		e.Status = models.CaptureCaptured
		e.Payment = &p
		e.UpdatedAt = now
	})
}

func (j *InMemory) MarkUnknown(ctx context.Context, token models.Token, now time.Time) error {
	return j.update(token, func(e *models.CaptureEntry) {
		e.Status = models.CaptureUnknown
		e.UpdatedAt = now
	})
}

// Release forgets a token whose capture definitely did not happen.
func (j *InMemory) Release(_ context.Context, token models.Token) error {
	j.cache.Delete(tokenKey(token))
	return nil
}

func (j *InMemory) Get(_ context.Context, token models.Token) (*models.CaptureEntry, error) {
	v, found := j.cache.Get(tokenKey(token))
	if !found {
		return nil, sentinel.ErrNotFound
	}
	entry, ok := v.(models.CaptureEntry)
	if !ok {
		return nil, fmt.Errorf("capture entry for %s has unexpected type %T", token, v)
	}
	if entry.Payment != nil {
		p := *entry.Payment
		entry.Payment = &p
	}
	return &entry, nil
}

func (j *InMemory) update(token models.Token, fn func(*models.CaptureEntry)) error {
	v, found := j.cache.Get(tokenKey(token))
	if !found {
		return sentinel.ErrNotFound
	}
	entry, ok := v.(models.CaptureEntry)
	if !ok {
		return fmt.Errorf("capture entry for %s has unexpected type %T", token, v)
	}
	fn(&entry)
	j.cache.Set(tokenKey(token), entry, j.ttl)
	return nil
}

func tokenKey(token models.Token) string {
	return "capture:" + string(token)
}
