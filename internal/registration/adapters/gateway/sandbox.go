package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"registrar/internal/registration/models"
	"registrar/internal/registration/ports"
	dErrors "registrar/pkg/domain-errors"
	"registrar/pkg/platform/sentinel"
)

var _ ports.PaymentGateway = (*Sandbox)(nil)

// Test card numbers understood by the sandbox.
const (
	CardApproved = "4242424242424242"
	CardDeclined = "4000000000000002"
	// CardTimeout charges the card and then reports a timeout, the case the
	// capture journal exists for.
	CardTimeout = "4000000000000119"
)

type sandboxToken struct {
	card     models.CardDetails
	captured *models.CapturedPayment
}

// Sandbox is an in-process gateway. Tokens are single use; capturing one
// twice returns the original capture, as a processor honoring an
// idempotency key would.
type Sandbox struct {
	mu     sync.Mutex
	tokens map[models.Token]*sandboxToken
}

func NewSandbox() *Sandbox {
	return &Sandbox{tokens: make(map[models.Token]*sandboxToken)}
}

func (s *Sandbox) Tokenize(_ context.Context, card models.CardDetails) (models.Token, error) {
	number := strings.ReplaceAll(card.Number, " ", "")
	if len(number) < 12 || card.ExpMonth < 1 || card.ExpMonth > 12 || card.ExpYear == 0 {
		return "", dErrors.New(dErrors.CodeValidation, "card details are incomplete")
	}
	card.Number = number

	token := models.Token("tok_" + strings.ReplaceAll(uuid.NewString(), "-", ""))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = &sandboxToken{card: card}
	return token, nil
}

func (s *Sandbox) Capture(ctx context.Context, token models.Token, amountMinorUnits int64, currency string) (models.CapturedPayment, error) {
	if err := ctx.Err(); err != nil {
		return models.CapturedPayment{}, fmt.Errorf("capture: %w", sentinel.ErrTimeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return models.CapturedPayment{}, fmt.Errorf("unknown token %s: %w", token, ErrDeclined)
	}
	if t.captured != nil {
		return *t.captured, nil
	}
	if t.card.Number == CardDeclined {
		return models.CapturedPayment{}, fmt.Errorf("card_declined: %w", ErrDeclined)
	}

	payment := models.CapturedPayment{
		Token:            token,
		AmountMinorUnits: amountMinorUnits,
		Currency:         strings.ToLower(currency),
		CardLast4:        t.card.Number[len(t.card.Number)-4:],
		CardBrand:        "visa",
		Reference:        "ch_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	t.captured = &payment
	if t.card.Number == CardTimeout {
		return models.CapturedPayment{}, fmt.Errorf("capture: %w", sentinel.ErrTimeout)
	}
	return payment, nil
}

// Captured returns the charge recorded for token, if any.
func (s *Sandbox) Captured(token models.Token) (models.CapturedPayment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok || t.captured == nil {
		return models.CapturedPayment{}, false
	}
	return *t.captured, true
}
