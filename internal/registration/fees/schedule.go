// Package fees prices a checkout from a lookup table keyed by event kind and tier.
package fees

import (
	"fmt"
	"math"
	"sort"

	"registrar/internal/registration/models"
	dErrors "registrar/pkg/domain-errors"
	"registrar/pkg/platform/strings"
)

// Entry prices one (kind, tier) pair.
type Entry struct {
	Kind                models.EventKind `mapstructure:"kind" json:"kind"`
	Tier                string           `mapstructure:"tier" json:"tier"`
	PerEntityMinorUnits int64            `mapstructure:"per_entity_minor_units" json:"per_entity_minor_units"`
}

type tableKey struct {
	kind models.EventKind
	tier string
}

// Schedule is immutable after construction and safe for concurrent use.
type Schedule struct {
	prices map[tableKey]int64
	tiers  map[models.EventKind][]string
}

// New builds a schedule, rejecting unknown kinds, blank tiers, negative
// prices and duplicate (kind, tier) rows.
func New(entries []Entry) (*Schedule, error) {
	s := &Schedule{
		prices: make(map[tableKey]int64, len(entries)),
		tiers:  make(map[models.EventKind][]string),
	}
	for _, e := range entries {
		if !e.Kind.IsValid() {
			return nil, fmt.Errorf("fee entry: unknown event kind %q", e.Kind)
		}
		tier := strings.NormalizeKey(e.Tier)
		if tier == "" {
			return nil, fmt.Errorf("fee entry for %s: tier is required", e.Kind)
		}
		if e.PerEntityMinorUnits < 0 {
			return nil, fmt.Errorf("fee entry %s/%s: negative price", e.Kind, e.Tier)
		}
		k := tableKey{kind: e.Kind, tier: tier}
		if _, dup := s.prices[k]; dup {
			return nil, fmt.Errorf("fee entry %s/%s: duplicate", e.Kind, e.Tier)
		}
		s.prices[k] = e.PerEntityMinorUnits
		s.tiers[e.Kind] = append(s.tiers[e.Kind], e.Tier)
	}
	for kind := range s.tiers {
		sort.Strings(s.tiers[kind])
	}
	return s, nil
}

// PerEntity returns the unit price for the event's kind and tier.
func (s *Schedule) PerEntity(key models.EventKey, tier string) (int64, error) {
	price, ok := s.prices[tableKey{kind: key.Kind, tier: strings.NormalizeKey(tier)}]
	if !ok {
		return 0, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown tier %q for %s", tier, key.Kind))
	}
	return price, nil
}

// Quote returns perEntity x entityCount in minor units. Zero entities cost
// zero for any known tier.
func (s *Schedule) Quote(key models.EventKey, tier string, entityCount int) (int64, error) {
	if entityCount < 0 {
		return 0, dErrors.New(dErrors.CodeValidation, "entity count cannot be negative")
	}
	price, err := s.PerEntity(key, tier)
	if err != nil {
		return 0, err
	}
	if entityCount > 0 && price > math.MaxInt64/int64(entityCount) {
		return 0, dErrors.New(dErrors.CodeValidation, "quote overflows")
	}
	return price * int64(entityCount), nil
}

// Tiers lists the configured tiers for kind, sorted.
func (s *Schedule) Tiers(kind models.EventKind) []string {
	return append([]string(nil), s.tiers[kind]...)
}
