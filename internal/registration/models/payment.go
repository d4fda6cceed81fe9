package models

import (
	"strings"

	dErrors "registrar/pkg/domain-errors"
)

// Token is an opaque single-use payment token issued by the gateway widget.
type Token string

// CardDetails is what the hosted widget tokenizes. It never touches the
// ledger and only passes through the server in test or sandbox flows.
type CardDetails struct {
	Number     string `json:"number"`
	ExpMonth   int    `json:"exp_month"`
	ExpYear    int    `json:"exp_year"`
	CVC        string `json:"cvc"`
	PostalCode string `json:"postal_code,omitempty"`
}

// CapturedPayment is the gateway's record of a successful charge.
type CapturedPayment struct {
	Token            Token  `json:"token"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Currency         string `json:"currency"`
	PayerEmail       string `json:"payer_email,omitempty"`
	CardLast4        string `json:"card_last4,omitempty"`
	CardBrand        string `json:"card_brand,omitempty"`
	// Reference is the gateway's capture id.
	Reference string `json:"reference,omitempty"`
}

// PaymentRef is the reference stamped on paid records. Falls back to the
// token when the gateway returned no capture id.
func (p CapturedPayment) PaymentRef() string {
	if p.Reference != "" {
		return p.Reference
	}
	return string(p.Token)
}

func (p CapturedPayment) Validate() error {
	if strings.TrimSpace(string(p.Token)) == "" {
		return dErrors.New(dErrors.CodeValidation, "payment token is required")
	}
	if p.AmountMinorUnits < 0 {
		return dErrors.New(dErrors.CodeValidation, "payment amount cannot be negative")
	}
	if strings.TrimSpace(p.Currency) == "" {
		return dErrors.New(dErrors.CodeValidation, "payment currency is required")
	}
	return nil
}

// SplitAmount divides total into n shares that sum to total. The first
// total%n shares carry one extra minor unit.
func SplitAmount(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	shares := make([]int64, n)
	base := total / int64(n)
	rem := total % int64(n)
	for i := range shares {
		shares[i] = base
		if int64(i) < rem {
			shares[i]++
		}
	}
	return shares
}
