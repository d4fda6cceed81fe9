package entities

import (
	"context"
	"slices"

	"registrar/internal/registration/models"
	"registrar/internal/registration/ports"
	dErrors "registrar/pkg/domain-errors"
	"registrar/pkg/platform/strings"
)

var _ ports.EntityValidator = (*GradeValidator)(nil)

// GradeValidator rejects new players whose grade is outside the configured
// bands. Teams and an empty band list pass.
type GradeValidator struct {
	grades []string
}

func NewGradeValidator(grades []string) *GradeValidator {
	normalized := make([]string, 0, len(grades))
	for _, g := range grades {
		if n := strings.NormalizeKey(g); n != "" {
			normalized = append(normalized, n)
		}
	}
	return &GradeValidator{grades: normalized}
}

func (v *GradeValidator) Validate(_ context.Context, entity models.Entity) error {
	if entity.Kind != models.EntityKindPlayer || len(v.grades) == 0 {
		return nil
	}
	if !slices.Contains(v.grades, strings.NormalizeKey(entity.Grade)) {
		return dErrors.New(dErrors.CodeValidation, "grade "+entity.Grade+" is not offered")
	}
	return nil
}
