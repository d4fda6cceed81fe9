// Package selection tracks what one checkout intends to pay for.
package selection

import (
	"context"
	"slices"

	"registrar/internal/registration/models"
	id "registrar/pkg/domain"
	dErrors "registrar/pkg/domain-errors"
)

// PaidChecker answers whether an entity is already paid for an event.
type PaidChecker interface {
	IsPaid(ctx context.Context, entityID id.EntityID, key models.EventKey) (bool, error)
}

// Quoter prices a count of entities.
type Quoter interface {
	Quote(key models.EventKey, tier string, entityCount int) (int64, error)
}

// Set is the in-memory selection for one checkout. It is not safe for
// concurrent use; one checkout mutates it at a time.
//
// Invariants:
//   - selected holds each entity id at most once, in selection order
//   - newEntities holds only entities without an id
//   - a Set never grants paid status; the ledger does
type Set struct {
	checkoutID  id.CheckoutID
	eventKey    models.EventKey
	tier        string
	checker     PaidChecker
	selected    []id.EntityID
	newEntities []models.Entity
}

// New creates an empty selection. checker may be nil, in which case Select
// skips the paid check and the orchestrator's ledger pass is the only guard.
func New(key models.EventKey, tier string, checker PaidChecker) *Set {
	return &Set{eventKey: key, tier: tier, checker: checker}
}

func (s *Set) EventKey() models.EventKey { return s.eventKey }
func (s *Set) Tier() string              { return s.tier }

// CheckoutID is non-nil when the selection resumes an existing checkout.
func (s *Set) CheckoutID() id.CheckoutID { return s.checkoutID }

func (s *Set) SetCheckoutID(checkoutID id.CheckoutID) { s.checkoutID = checkoutID }

// Select adds entityID. Selecting an entity twice is a no-op. Selecting an
// entity already paid for the event leaves the set unchanged and returns a
// CodeAlreadyPaid error, which callers treat as informational.
func (s *Set) Select(ctx context.Context, entityID id.EntityID) error {
	if entityID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "entity id is required")
	}
	if slices.Contains(s.selected, entityID) {
		return nil
	}
	if s.checker != nil {
		paid, err := s.checker.IsPaid(ctx, entityID, s.eventKey)
		if err != nil {
			return err
		}
		if paid {
			return dErrors.New(dErrors.CodeAlreadyPaid, "entity "+entityID.String()+" is already paid for "+s.eventKey.String())
		}
	}
	s.selected = append(s.selected, entityID)
	return nil
}

// Deselect removes entityID if present.
func (s *Set) Deselect(entityID id.EntityID) {
	s.selected = slices.DeleteFunc(s.selected, func(e id.EntityID) bool { return e == entityID })
}

// AddNew queues an entity to be created during BeginRegistration and returns
// its index in the new list.
func (s *Set) AddNew(entity models.Entity) (int, error) {
	if entity.IsPersisted() {
		return 0, dErrors.New(dErrors.CodeValidation, "entity already has an id; select it instead")
	}
	if err := entity.Validate(); err != nil {
		return 0, err
	}
	s.newEntities = append(s.newEntities, entity)
	return len(s.newEntities) - 1, nil
}

// RemoveNew drops the queued entity at index.
func (s *Set) RemoveNew(index int) error {
	if index < 0 || index >= len(s.newEntities) {
		return dErrors.New(dErrors.CodeValidation, "new entity index out of range")
	}
	s.newEntities = slices.Delete(s.newEntities, index, index+1)
	return nil
}

// MarkCreated moves persisted new entities into the selected set so a retry
// never creates them again. created maps new-list index to the id the entity
// store returned. Unknown indexes are ignored.
func (s *Set) MarkCreated(created map[int]id.EntityID) {
	if len(created) == 0 {
		return
	}
	remaining := make([]models.Entity, 0, len(s.newEntities))
	for i, e := range s.newEntities {
		entityID, ok := created[i]
		if !ok || entityID.IsNil() {
			remaining = append(remaining, e)
			continue
		}
		if !slices.Contains(s.selected, entityID) {
			s.selected = append(s.selected, entityID)
		}
	}
	s.newEntities = remaining
}

// CurrentCount is |selected| + |new|, the count previewed to the user.
func (s *Set) CurrentCount() int {
	return len(s.selected) + len(s.newEntities)
}

func (s *Set) IsEmpty() bool { return s.CurrentCount() == 0 }

// Preview prices the current selection.
func (s *Set) Preview(q Quoter) (int64, error) {
	return q.Quote(s.eventKey, s.tier, s.CurrentCount())
}

func (s *Set) SelectedIDs() []id.EntityID {
	return slices.Clone(s.selected)
}

func (s *Set) NewEntities() []models.Entity {
	return slices.Clone(s.newEntities)
}
