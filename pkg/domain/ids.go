// Package domain holds typed identifiers shared across packages.
//
// Each ID wraps a uuid.UUID so an EntityID can never be passed where an
// AccountID is expected. Parse functions are the trust boundary: they reject
// empty, malformed and nil UUIDs.
package domain

import (
	"github.com/google/uuid"

	dErrors "registrar/pkg/domain-errors"
)

type (
	// EntityID identifies a registrable participant (player or team).
	EntityID uuid.UUID
	// AccountID identifies the guardian or team owner driving a checkout.
	AccountID uuid.UUID
	// CheckoutID identifies one checkout session.
	CheckoutID uuid.UUID
)

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, label+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, label+" must not be nil")
	}
	return u, nil
}

func ParseEntityID(s string) (EntityID, error) {
	u, err := parseUUID(s, "entity id")
	return EntityID(u), err
}

func ParseAccountID(s string) (AccountID, error) {
	u, err := parseUUID(s, "account id")
	return AccountID(u), err
}

func ParseCheckoutID(s string) (CheckoutID, error) {
	u, err := parseUUID(s, "checkout id")
	return CheckoutID(u), err
}

// NewEntityID returns a random EntityID.
func NewEntityID() EntityID { return EntityID(uuid.New()) }

// NewCheckoutID returns a random CheckoutID.
func NewCheckoutID() CheckoutID { return CheckoutID(uuid.New()) }

func (id EntityID) String() string   { return uuid.UUID(id).String() }
func (id AccountID) String() string  { return uuid.UUID(id).String() }
func (id CheckoutID) String() string { return uuid.UUID(id).String() }

func (id EntityID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id AccountID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id CheckoutID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id EntityID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *EntityID) UnmarshalText(b []byte) error {
	parsed, err := ParseEntityID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id AccountID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *AccountID) UnmarshalText(b []byte) error {
	parsed, err := ParseAccountID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id CheckoutID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *CheckoutID) UnmarshalText(b []byte) error {
	parsed, err := ParseCheckoutID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
