// Package service is the registration orchestrator. It drives a checkout
// from selection through entity creation, ledger registration, quoting,
// capture and reconciliation.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"registrar/internal/registration/metrics"
	"registrar/internal/registration/models"
	"registrar/internal/registration/ports"
	"registrar/pkg/attrs"
	id "registrar/pkg/domain"
	dErrors "registrar/pkg/domain-errors"
	"registrar/pkg/platform/audit"
	"registrar/pkg/platform/sentinel"
	"registrar/pkg/requestcontext"
)

// Ledger is the registration ledger as the orchestrator uses it.
type Ledger interface {
	EnsureRegisteredCreated(ctx context.Context, entityID id.EntityID, key models.EventKey) (*models.RegistrationRecord, bool, error)
	FindByEvent(ctx context.Context, key models.EventKey) ([]*models.RegistrationRecord, error)
	ReconcileCapture(ctx context.Context, entityIDs []id.EntityID, key models.EventKey, payment models.CapturedPayment) ([]models.ReconcileOutcome, error)
	Statuses(ctx context.Context, key models.EventKey, entityIDs []id.EntityID) (map[id.EntityID]models.EntityStatus, error)
}

// Quoter prices a number of entities for an event and tier.
type Quoter interface {
	Quote(key models.EventKey, tier string, entityCount int) (int64, error)
}

type CheckoutStore interface {
	Save(ctx context.Context, session *models.CheckoutSession) error
	Get(ctx context.Context, checkoutID id.CheckoutID) (*models.CheckoutSession, error)
}

// CaptureJournal remembers capture tokens across requests and replicas.
type CaptureJournal interface {
	Reserve(ctx context.Context, token models.Token, checkoutID id.CheckoutID, now time.Time) (*models.CaptureEntry, bool, error)
	Complete(ctx context.Context, token models.Token, payment models.CapturedPayment, now time.Time) error
	MarkUnknown(ctx context.Context, token models.Token, now time.Time) error
	Release(ctx context.Context, token models.Token) error
	Get(ctx context.Context, token models.Token) (*models.CaptureEntry, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, base audit.Event) error
}

const (
	defaultParallelism = 4
	defaultCurrency    = "usd"
	tracerName         = "registrar/registration"
)

// Service orchestrates checkouts. It holds no per-checkout state in memory;
// everything a retry needs lives in the checkout store and the ledger.
type Service struct {
	ledger    Ledger
	fees      Quoter
	entities  ports.EntityStore
	checkouts CheckoutStore

	gateway   ports.PaymentGateway
	journal   CaptureJournal
	validator ports.EntityValidator

	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	tracer         trace.Tracer

	currency       string
	parallelism    int
	ownershipCheck bool
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithGateway enables CaptureAndReconcile. The journal is required so a
// token is never captured twice.
func WithGateway(gateway ports.PaymentGateway, journal CaptureJournal) Option {
	return func(s *Service) {
		s.gateway = gateway
		s.journal = journal
	}
}

func WithValidator(v ports.EntityValidator) Option {
	return func(s *Service) {
		s.validator = v
	}
}

func WithCurrency(currency string) Option {
	return func(s *Service) {
		if currency != "" {
			s.currency = currency
		}
	}
}

// WithParallelism bounds concurrent per-entity work within one checkout.
func WithParallelism(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithOwnershipCheck makes BeginRegistration verify that every selected
// entity belongs to the caller.
func WithOwnershipCheck(enabled bool) Option {
	return func(s *Service) {
		s.ownershipCheck = enabled
	}
}

// New constructs a Service.
func New(ledger Ledger, fees Quoter, entities ports.EntityStore, checkouts CheckoutStore, opts ...Option) *Service {
	s := &Service{
		ledger:      ledger,
		fees:        fees,
		entities:    entities,
		checkouts:   checkouts,
		currency:    defaultCurrency,
		parallelism: defaultParallelism,
		tracer:      noop.NewTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// loadSession fetches a checkout and hides sessions that belong to another
// account behind not-found.
func (s *Service) loadSession(ctx context.Context, checkoutID id.CheckoutID) (*models.CheckoutSession, error) {
	if checkoutID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "checkout id is required")
	}
	session, err := s.checkouts.Get(ctx, checkoutID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "checkout not found or expired")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "failed to load checkout")
	}
	caller := requestcontext.AccountID(ctx)
	if !caller.IsNil() && caller != session.OwnerID {
		return nil, dErrors.New(dErrors.CodeNotFound, "checkout not found or expired")
	}
	return session, nil
}

func (s *Service) saveSession(ctx context.Context, session *models.CheckoutSession) error {
	if err := s.checkouts.Save(ctx, session); err != nil {
		return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, "failed to save checkout")
	}
	return nil
}

// fail moves the session to Error, records reason and persists it. A save
// failure is logged; the caller is already returning an error.
func (s *Service) fail(ctx context.Context, session *models.CheckoutSession, cause error) {
	now := requestcontext.Now(ctx)
	if err := session.Transition(models.CheckoutError, now); err != nil {
		s.logWarn(ctx, "checkout could not enter error state", "checkout_id", session.ID.String(), "state", string(session.State))
	}
	session.LastError = reasonOf(cause)
	if err := s.checkouts.Save(ctx, session); err != nil {
		s.logWarn(ctx, "failed to save checkout after error", "checkout_id", session.ID.String(), "error", err)
	}
}

func resultFromSession(session *models.CheckoutSession) *models.RegistrationResult {
	return &models.RegistrationResult{
		CheckoutID:          session.ID,
		State:               session.State,
		AmountDueMinorUnits: session.AmountDueMinorUnits,
		Currency:            session.Currency,
		PendingEntityIDs:    session.PendingEntityIDs,
		Outcomes:            session.Outcomes,
	}
}

// reasonOf returns a caller-safe description of err. Uncoded errors may
// carry infrastructure detail, so only their code is exposed.
func reasonOf(err error) string {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return de.Message
	}
	return string(dErrors.CodeOf(err))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (s *Service) recordOutcomes(outcomes []models.EntityOutcome) {
	for _, o := range outcomes {
		s.metrics.IncrementOutcome(string(o.Status))
	}
}

func (s *Service) logWarn(ctx context.Context, msg string, args ...any) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, msg, args...)
	}
}

func (s *Service) logAudit(ctx context.Context, event audit.AuditEvent, attributes ...any) {
	requestID := requestcontext.RequestID(ctx)
	if requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", string(event), "log_type", "audit")
	if s.logger != nil {
		s.logger.InfoContext(ctx, string(event), args...)
	}
	if s.auditPublisher == nil {
		return
	}
	owner, _ := id.ParseAccountID(attrs.ExtractString(attributes, "owner_id"))
	err := s.auditPublisher.Emit(ctx, audit.Event{
		Timestamp:        requestcontext.Now(ctx),
		OwnerID:          owner,
		CheckoutID:       attrs.ExtractString(attributes, "checkout_id"),
		Subject:          attrs.ExtractString(attributes, "entity_id"),
		EventKey:         attrs.ExtractString(attributes, "event_key"),
		Action:           string(event),
		AmountMinorUnits: attrs.ExtractInt64(attributes, "amount_minor_units"),
		PaymentRef:       attrs.ExtractString(attributes, "payment_ref"),
		Reason:           attrs.ExtractString(attributes, "reason"),
		RequestID:        requestID,
	})
	if err != nil {
		s.logWarn(ctx, "failed to publish audit event", "event", string(event), "error", err)
	}
}
