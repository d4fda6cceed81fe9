package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"registrar/internal/registration/models"
	id "registrar/pkg/domain"
	"registrar/pkg/platform/sentinel"
)

type recordKey struct {
	entityID id.EntityID
	eventKey models.EventKey
}

// InMemory is a mutex-guarded ledger used in dev mode and unit tests. One
// lock serializes every write, which trivially serializes per pair.
type InMemory struct {
	mu      sync.RWMutex
	records map[recordKey]*models.RegistrationRecord
}

func NewInMemory() *InMemory {
	return &InMemory{records: make(map[recordKey]*models.RegistrationRecord)}
}

// EnsurePending inserts rec unless a record for the pair exists. It returns
// the stored record and whether this call created it.
func (s *InMemory) EnsurePending(_ context.Context, rec *models.RegistrationRecord) (*models.RegistrationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey{entityID: rec.EntityID, eventKey: rec.EventKey}
	if existing, ok := s.records[k]; ok {
		return existing.Clone(), false, nil
	}
	s.records[k] = rec.Clone()
	return rec.Clone(), true, nil
}

func (s *InMemory) Find(_ context.Context, entityID id.EntityID, key models.EventKey) (*models.RegistrationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[recordKey{entityID: entityID, eventKey: key}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return rec.Clone(), nil
}

// FindByEvent returns the event's records ordered by creation time.
func (s *InMemory) FindByEvent(_ context.Context, key models.EventKey) ([]*models.RegistrationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.RegistrationRecord
	for k, rec := range s.records {
		if k.eventKey.SameEvent(key) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].EntityID.String() < out[j].EntityID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MarkPaid moves a pending record to paid. A paid record is returned
// unchanged with transitioned=false. A missing record yields ErrNotFound.
func (s *InMemory) MarkPaid(_ context.Context, entityID id.EntityID, key models.EventKey, paidAt time.Time, amountMinorUnits int64, paymentRef string) (*models.RegistrationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{entityID: entityID, eventKey: key}]
	if !ok {
		return nil, false, sentinel.ErrNotFound
	}
	if err := rec.CanMarkPaid(); err != nil {
		return rec.Clone(), false, nil
	}
	rec.ApplyPaid(paidAt, amountMinorUnits, paymentRef)
	return rec.Clone(), true, nil
}
