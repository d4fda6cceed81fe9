// Package handler exposes the registration engine over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"registrar/internal/platform/metrics"
	"registrar/internal/platform/middleware"
	"registrar/internal/registration/models"
	"registrar/internal/registration/selection"
	id "registrar/pkg/domain"
	dErrors "registrar/pkg/domain-errors"
	"registrar/pkg/platform/httputil"
	"registrar/pkg/requestcontext"
)

// Service is the registration engine as the HTTP layer sees it.
type Service interface {
	Quote(ctx context.Context, sel *selection.Set) (int64, error)
	Currency() string
	BeginRegistration(ctx context.Context, owner id.AccountID, sel *selection.Set) (*models.RegistrationResult, error)
	GetCheckout(ctx context.Context, checkoutID id.CheckoutID) (*models.RegistrationResult, error)
	CompleteCapture(ctx context.Context, checkoutID id.CheckoutID, pendingIDs []id.EntityID, payment models.CapturedPayment) (*models.RegistrationResult, error)
	CaptureAndReconcile(ctx context.Context, checkoutID id.CheckoutID, token models.Token) (*models.RegistrationResult, error)
	RecoverCapture(ctx context.Context, owner id.AccountID, key models.EventKey, tier string, payment models.CapturedPayment) (*models.RegistrationResult, error)
	EntityStatuses(ctx context.Context, key models.EventKey, entityIDs []id.EntityID) (map[id.EntityID]models.EntityStatus, error)
	EventRegistrations(ctx context.Context, owner id.AccountID, key models.EventKey) ([]*models.RegistrationRecord, error)
}

// Tokenizer turns card details into a gateway token. Only sandbox
// deployments expose it; production cards are tokenized by the widget.
type Tokenizer interface {
	Tokenize(ctx context.Context, card models.CardDetails) (models.Token, error)
}

type Handler struct {
	logger         *slog.Logger
	registration   Service
	metrics        *metrics.Metrics
	jwtValidator   middleware.JWTValidator
	tokenizer      Tokenizer
	requestTimeout time.Duration
}

type Option func(*Handler)

// WithTokenizer mounts POST /v1/payments/tokens.
func WithTokenizer(t Tokenizer) Option {
	return func(h *Handler) { h.tokenizer = t }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.requestTimeout = d
		}
	}
}

func New(registration Service, logger *slog.Logger, m *metrics.Metrics, jwtValidator middleware.JWTValidator, opts ...Option) *Handler {
	h := &Handler{
		logger:         logger,
		registration:   registration,
		metrics:        m,
		jwtValidator:   jwtValidator,
		requestTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the registration routes on r.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(middleware.Recovery(h.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RequestTime)
	router.Use(middleware.Logger(h.logger, h.metrics))
	router.Use(middleware.Timeout(h.requestTimeout))
	router.Use(middleware.ContentTypeJSON)
	router.Use(middleware.RequireAuth(h.jwtValidator, h.logger))

	router.Route("/v1/checkouts", func(r chi.Router) {
		r.Post("/quote", h.handleQuote)
		r.Post("/recover", h.handleRecover)
		r.Post("/", h.handleBegin)
		r.Get("/{checkoutID}", h.handleGetCheckout)
		r.Post("/{checkoutID}/capture", h.handleCapture)
		r.Post("/{checkoutID}/charge", h.handleCharge)
	})
	router.Post("/v1/registrations/statuses", h.handleStatuses)
	router.Get("/v1/events/{kind}/{name}/{year}/registrations", h.handleEventRegistrations)
	if h.tokenizer != nil {
		router.Post("/v1/payments/tokens", h.handleTokenize)
	}

	r.Mount("/", router)
}

func (h *Handler) handleQuote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req SelectionRequest
	if !h.decode(w, r, &req) {
		return
	}
	sel, err := req.toSelection(ctx, requestcontext.AccountID(ctx))
	if err != nil {
		h.writeError(ctx, w, "quote", err)
		return
	}
	amount, err := h.registration.Quote(ctx, sel)
	if err != nil {
		h.writeError(ctx, w, "quote", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, QuoteResponse{
		AmountMinorUnits: amount,
		Currency:         h.registration.Currency(),
		EntityCount:      sel.CurrentCount(),
	})
}

func (h *Handler) handleBegin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := requestcontext.AccountID(ctx)
	var req SelectionRequest
	if !h.decode(w, r, &req) {
		return
	}
	sel, err := req.toSelection(ctx, owner)
	if err != nil {
		h.writeError(ctx, w, "begin registration", err)
		return
	}
	result, err := h.registration.BeginRegistration(ctx, owner, sel)
	if err != nil {
		h.writeError(ctx, w, "begin registration", err)
		return
	}
	status := http.StatusCreated
	if req.CheckoutID != "" {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, result)
}

func (h *Handler) handleGetCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkoutID, ok := h.checkoutID(w, r)
	if !ok {
		return
	}
	result, err := h.registration.GetCheckout(ctx, checkoutID)
	if err != nil {
		h.writeError(ctx, w, "get checkout", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCapture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkoutID, ok := h.checkoutID(w, r)
	if !ok {
		return
	}
	var req CaptureRequest
	if !h.decode(w, r, &req) {
		return
	}
	pending, err := parseEntityIDs(req.EntityIDs)
	if err != nil {
		h.writeError(ctx, w, "complete capture", err)
		return
	}
	result, err := h.registration.CompleteCapture(ctx, checkoutID, pending, req.Payment.toModel())
	if err != nil {
		h.writeError(ctx, w, "complete capture", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCharge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkoutID, ok := h.checkoutID(w, r)
	if !ok {
		return
	}
	var req ChargeRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.registration.CaptureAndReconcile(ctx, checkoutID, models.Token(req.Token))
	if err != nil {
		h.writeError(ctx, w, "capture and reconcile", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRecover(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req RecoverRequest
	if !h.decode(w, r, &req) {
		return
	}
	key, err := req.Event.toModel()
	if err != nil {
		h.writeError(ctx, w, "recover capture", err)
		return
	}
	result, err := h.registration.RecoverCapture(ctx, requestcontext.AccountID(ctx), key, req.Tier, req.Payment.toModel())
	if err != nil {
		h.writeError(ctx, w, "recover capture", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleStatuses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req StatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	key, err := req.Event.toModel()
	if err != nil {
		h.writeError(ctx, w, "entity statuses", err)
		return
	}
	entityIDs, err := parseEntityIDs(req.EntityIDs)
	if err != nil {
		h.writeError(ctx, w, "entity statuses", err)
		return
	}
	statuses, err := h.registration.EntityStatuses(ctx, key, entityIDs)
	if err != nil {
		h.writeError(ctx, w, "entity statuses", err)
		return
	}
	resp := StatusResponse{Statuses: make(map[string]models.EntityStatus, len(statuses))}
	for entityID, status := range statuses {
		resp.Statuses[entityID.String()] = status
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleEventRegistrations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		h.writeError(ctx, w, "event registrations", dErrors.New(dErrors.CodeValidation, "year must be a number"))
		return
	}
	event := eventKeyRequest{
		Kind:  chi.URLParam(r, "kind"),
		Name:  chi.URLParam(r, "name"),
		Year:  year,
		SubID: r.URL.Query().Get("sub_id"),
	}
	key, err := event.toModel()
	if err != nil {
		h.writeError(ctx, w, "event registrations", err)
		return
	}
	records, err := h.registration.EventRegistrations(ctx, requestcontext.AccountID(ctx), key)
	if err != nil {
		h.writeError(ctx, w, "event registrations", err)
		return
	}
	if records == nil {
		records = []*models.RegistrationRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, RegistrationsResponse{Registrations: records})
}

func (h *Handler) handleTokenize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req TokenizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	token, err := h.tokenizer.Tokenize(ctx, req.Card)
	if err != nil {
		h.writeError(ctx, w, "tokenize card", dErrors.Wrap(err, dErrors.CodeGateway, "card could not be tokenized"))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, TokenResponse{Token: token})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := httputil.DecodeJSON(r, v); err != nil {
		h.logger.WarnContext(r.Context(), "invalid request body",
			"request_id", requestcontext.RequestID(r.Context()),
			"error", err,
		)
		httputil.WriteError(w, err)
		return false
	}
	return true
}

func (h *Handler) checkoutID(w http.ResponseWriter, r *http.Request) (id.CheckoutID, bool) {
	checkoutID, err := id.ParseCheckoutID(chi.URLParam(r, "checkoutID"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeValidation, "invalid checkout id"))
		return id.CheckoutID{}, false
	}
	return checkoutID, true
}

// writeError logs server-side failures at error level and client mistakes at
// warn, then writes the mapped response.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	attrs := []any{
		"op", op,
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	}
	if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "request failed", attrs...)
	} else {
		h.logger.WarnContext(ctx, "request rejected", attrs...)
	}
	httputil.WriteError(w, err)
}
