package models

import (
	"strings"

	id "registrar/pkg/domain"
	dErrors "registrar/pkg/domain-errors"
)

type EntityKind string

const (
	EntityKindPlayer EntityKind = "player"
	EntityKindTeam   EntityKind = "team"
)

func (k EntityKind) IsValid() bool {
	return k == EntityKindPlayer || k == EntityKindTeam
}

// Entity is a registrable participant. Only ID and Kind matter to
// reconciliation; the remaining attributes belong to the calling context.
type Entity struct {
	ID          id.EntityID  `json:"id"`
	Kind        EntityKind   `json:"kind"`
	OwnerID     id.AccountID `json:"owner_id"`
	DisplayName string       `json:"display_name"`
	Grade       string       `json:"grade,omitempty"`
}

// NewEntity builds an entity that has not been persisted yet.
func NewEntity(kind EntityKind, owner id.AccountID, displayName, grade string) (Entity, error) {
	e := Entity{
		Kind:        kind,
		OwnerID:     owner,
		DisplayName: strings.TrimSpace(displayName),
		Grade:       strings.TrimSpace(grade),
	}
	if err := e.Validate(); err != nil {
		return Entity{}, err
	}
	return e, nil
}

func (e Entity) Validate() error {
	if !e.Kind.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "entity kind must be player or team")
	}
	if e.OwnerID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "entity owner is required")
	}
	if e.DisplayName == "" {
		return dErrors.New(dErrors.CodeValidation, "entity display name is required")
	}
	return nil
}

func (e Entity) IsPersisted() bool { return !e.ID.IsNil() }
