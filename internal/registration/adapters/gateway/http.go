// Package gateway holds PaymentGateway implementations: an HTTP client for a
// hosted card processor and an in-process sandbox for dev and tests.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"registrar/internal/registration/models"
	"registrar/internal/registration/ports"
	"registrar/pkg/platform/circuit"
	"registrar/pkg/platform/sentinel"
)

var _ ports.PaymentGateway = (*HTTPGateway)(nil)

// ErrDeclined marks a capture the processor refused. No money moved.
var ErrDeclined = errors.New("payment declined")

// HTTPGateway talks to the processor's REST API. Captures carry the token as
// Idempotency-Key so the processor deduplicates a resent request.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuit.Breaker
	logger  *slog.Logger
}

type Option func(*HTTPGateway)

func WithHTTPClient(client *http.Client) Option {
	return func(g *HTTPGateway) {
		if client != nil {
			g.client = client
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(g *HTTPGateway) {
		g.breaker = b
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *HTTPGateway) {
		g.logger = logger
	}
}

func NewHTTP(baseURL, apiKey string, timeout time.Duration, opts ...Option) *HTTPGateway {
	g := &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		breaker: circuit.New("payment-gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type tokenizeResponse struct {
	Token string `json:"token"`
}

type captureRequest struct {
	Token            string `json:"token"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Currency         string `json:"currency"`
}

type captureResponse struct {
	ID               string `json:"id"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Currency         string `json:"currency"`
	PayerEmail       string `json:"payer_email"`
	CardLast4        string `json:"card_last4"`
	CardBrand        string `json:"card_brand"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (g *HTTPGateway) Tokenize(ctx context.Context, card models.CardDetails) (models.Token, error) {
	var out tokenizeResponse
	if err := g.post(ctx, "/v1/tokens", "", card, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("tokenize: empty token in response")
	}
	return models.Token(out.Token), nil
}

// Capture charges token. A timeout or a 504 is reported as
// sentinel.ErrTimeout because the charge may or may not have happened.
func (g *HTTPGateway) Capture(ctx context.Context, token models.Token, amountMinorUnits int64, currency string) (models.CapturedPayment, error) {
	var out captureResponse
	req := captureRequest{Token: string(token), AmountMinorUnits: amountMinorUnits, Currency: currency}
	if err := g.post(ctx, "/v1/captures", string(token), req, &out); err != nil {
		return models.CapturedPayment{}, err
	}
	if out.AmountMinorUnits != amountMinorUnits || !strings.EqualFold(out.Currency, currency) {
		g.warn(ctx, "gateway captured a different amount",
			"requested", amountMinorUnits, "captured", out.AmountMinorUnits, "currency", out.Currency)
	}
	return models.CapturedPayment{
		Token:            token,
		AmountMinorUnits: out.AmountMinorUnits,
		Currency:         strings.ToLower(out.Currency),
		PayerEmail:       out.PayerEmail,
		CardLast4:        out.CardLast4,
		CardBrand:        out.CardBrand,
		Reference:        out.ID,
	}, nil
}

func (g *HTTPGateway) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	if !g.breaker.Allow() {
		return fmt.Errorf("%s: circuit open: %w", path, sentinel.ErrUnavailable)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		g.recordFailure(ctx)
		if isTimeout(err) {
			return fmt.Errorf("%s: %w", path, sentinel.ErrTimeout)
		}
		return fmt.Errorf("%s request: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGatewayTimeout:
		g.recordFailure(ctx)
		return fmt.Errorf("%s returned %s: %w", path, resp.Status, sentinel.ErrTimeout)
	case resp.StatusCode >= 500:
		g.recordFailure(ctx)
		return fmt.Errorf("%s returned %s: %w", path, resp.Status, sentinel.ErrUnavailable)
	case resp.StatusCode >= 400:
		g.breaker.RecordSuccess()
		var e errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return fmt.Errorf("%s returned %s (%s): %w", path, resp.Status, e.Code, ErrDeclined)
	}
	g.breaker.RecordSuccess()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%s: read response: %w", path, sentinel.ErrTimeout)
		}
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (g *HTTPGateway) recordFailure(ctx context.Context) {
	if _, change := g.breaker.RecordFailure(); change.Opened {
		g.warn(ctx, "payment gateway circuit opened", "breaker", g.breaker.Name())
	}
}

func (g *HTTPGateway) warn(ctx context.Context, msg string, args ...any) {
	if g.logger != nil {
		g.logger.WarnContext(ctx, msg, args...)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
