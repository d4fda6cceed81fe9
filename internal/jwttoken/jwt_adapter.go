package jwttoken

import (
	"registrar/internal/platform/middleware"
	id "registrar/pkg/domain"
	dErrors "registrar/pkg/domain-errors"
)

// JWTServiceAdapter lets the auth middleware validate tokens without
// depending on this package's claim types.
type JWTServiceAdapter struct {
	service *JWTService
}

func NewJWTServiceAdapter(service *JWTService) *JWTServiceAdapter {
	return &JWTServiceAdapter{service: service}
}

func (a *JWTServiceAdapter) ValidateToken(tokenString string) (*middleware.JWTClaims, error) {
	claims, err := a.service.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	accountID, err := id.ParseAccountID(claims.Subject)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token subject")
	}
	return &middleware.JWTClaims{AccountID: accountID, TokenID: claims.ID}, nil
}
