package models

import (
	"fmt"
	"strings"

	dErrors "registrar/pkg/domain-errors"
)

// EventKind tags the three registrable event families. Pricing and entity
// rules are parameterized by kind rather than duplicated per form.
type EventKind string

const (
	EventKindSeason     EventKind = "season"
	EventKindTryout     EventKind = "tryout"
	EventKindTournament EventKind = "tournament"
)

func (k EventKind) IsValid() bool {
	switch k {
	case EventKindSeason, EventKindTryout, EventKindTournament:
		return true
	default:
		return false
	}
}

func (k EventKind) String() string { return string(k) }

// ParseEventKind accepts any casing of a known kind.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown event kind %q", s))
	}
	return k, nil
}

// EventKey identifies one registrable occurrence of an event.
//
// Invariants:
//   - Kind is a known EventKind
//   - Name is non-empty after trimming
//   - Year is within [1900, 9999]
//
// SubID is optional; an absent sub-id is the empty string, so two keys name
// the same event exactly when all four fields are equal.
type EventKey struct {
	Kind  EventKind `json:"kind"`
	Name  string    `json:"name"`
	Year  int       `json:"year"`
	SubID string    `json:"sub_id,omitempty"`
}

func NewEventKey(kind EventKind, name string, year int, subID string) (EventKey, error) {
	key := EventKey{
		Kind:  kind,
		Name:  strings.TrimSpace(name),
		Year:  year,
		SubID: strings.TrimSpace(subID),
	}
	if err := key.Validate(); err != nil {
		return EventKey{}, err
	}
	return key, nil
}

func (k EventKey) Validate() error {
	if !k.Kind.IsValid() {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown event kind %q", k.Kind))
	}
	if strings.TrimSpace(k.Name) == "" {
		return dErrors.New(dErrors.CodeValidation, "event name is required")
	}
	if k.Year < 1900 || k.Year > 9999 {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("event year %d out of range", k.Year))
	}
	return nil
}

// SameEvent reports whether k and other identify the same event.
func (k EventKey) SameEvent(other EventKey) bool {
	return k.Kind == other.Kind &&
		k.Name == other.Name &&
		k.Year == other.Year &&
		k.SubID == other.SubID
}

// String renders the key as kind/name/year[/sub], used for logs and cache keys.
func (k EventKey) String() string {
	s := fmt.Sprintf("%s/%s/%d", k.Kind, k.Name, k.Year)
	if k.SubID != "" {
		s += "/" + k.SubID
	}
	return s
}
