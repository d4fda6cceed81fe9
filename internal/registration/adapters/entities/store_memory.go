// Package entities persists players and teams for the registration engine.
package entities

import (
	"context"
	"sync"

	"registrar/internal/registration/models"
	"registrar/internal/registration/ports"
	id "registrar/pkg/domain"
	"registrar/pkg/platform/sentinel"
)

var (
	_ ports.EntityStore = (*InMemory)(nil)
	_ ports.EntityStore = (*PostgresStore)(nil)
)

// InMemory is an entity store for dev and tests.
type InMemory struct {
	mu       sync.RWMutex
	entities map[id.EntityID]models.Entity
}

func NewInMemory() *InMemory {
	return &InMemory{entities: make(map[id.EntityID]models.Entity)}
}

// Create assigns a fresh id and stores the entity.
func (s *InMemory) Create(_ context.Context, entity models.Entity) (id.EntityID, error) {
	entity.ID = id.NewEntityID()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entity.ID] = entity
	return entity.ID, nil
}

// Put stores an entity under its existing id. Seeding only.
func (s *InMemory) Put(entity models.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[entity.ID] = entity
}

func (s *InMemory) Get(_ context.Context, entityID id.EntityID) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.entities[entityID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &entity, nil
}

// ListByOwner returns the owner's entities in no particular order.
func (s *InMemory) ListByOwner(_ context.Context, owner id.AccountID) ([]*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Entity
	for _, entity := range s.entities {
		if entity.OwnerID == owner {
			e := entity
			out = append(out, &e)
		}
	}
	return out, nil
}
