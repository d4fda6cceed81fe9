package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"registrar/internal/jwttoken"
	"registrar/internal/platform/config"
	"registrar/internal/platform/kafka"
	platformmetrics "registrar/internal/platform/metrics"
	"registrar/internal/platform/postgres"
	"registrar/internal/platform/redis"
	"registrar/internal/registration/adapters/entities"
	"registrar/internal/registration/adapters/gateway"
	"registrar/internal/registration/fees"
	"registrar/internal/registration/handler"
	"registrar/internal/registration/ledger"
	"registrar/internal/registration/metrics"
	"registrar/internal/registration/ports"
	"registrar/internal/registration/service"
	"registrar/internal/registration/store/capture"
	"registrar/internal/registration/store/checkout"
	ledgerstore "registrar/internal/registration/store/ledger"
	audit "registrar/pkg/platform/audit"
	"registrar/pkg/platform/audit/publisher"
	auditkafka "registrar/pkg/platform/audit/store/kafka"
	auditmemory "registrar/pkg/platform/audit/store/memory"
	"registrar/pkg/platform/circuit"
)

// app is the fully wired service. close releases everything opened while
// building it, in reverse order.
type app struct {
	router  http.Handler
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp picks a backing store per concern: Postgres, Redis and Kafka when
// configured, in-memory otherwise.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (a *app, err error) {
	a = &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	schedule, err := fees.New(cfg.Fees)
	if err != nil {
		return nil, err
	}

	var (
		ledgerStore ledger.Store      = ledgerstore.NewInMemory()
		entityStore ports.EntityStore = entities.NewInMemory()
	)
	if cfg.Postgres.DSN != "" {
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		ledgerStore = ledgerstore.NewPostgres(pool)
		entityStore = entities.NewPostgres(pool)
		logger.Info("using postgres ledger")
	} else {
		logger.Warn("postgres.dsn not set, ledger is in memory")
	}

	var (
		checkouts service.CheckoutStore  = checkout.NewInMemory(cfg.Checkout.SessionTTL)
		journal   service.CaptureJournal = capture.NewInMemory(cfg.Checkout.JournalTTL)
	)
	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if redisClient != nil {
		a.closers = append(a.closers, func() { _ = redisClient.Close() })
		checkouts = checkout.NewRedis(redisClient.Client, cfg.Checkout.SessionTTL)
		journal = capture.NewRedis(redisClient.Client, cfg.Checkout.JournalTTL)
		logger.Info("using redis checkout sessions and capture journal")
	}

	var auditStore audit.Store = auditmemory.NewInMemoryStore()
	producer, err := kafka.New(cfg.Kafka)
	if err != nil {
		return nil, err
	}
	if producer != nil {
		a.closers = append(a.closers, producer.Close)
		if err := producer.Ping(ctx); err != nil {
			return nil, err
		}
		if err := producer.EnsureTopic(ctx, cfg.Kafka.Topic, 3, 1); err != nil {
			logger.Warn("could not ensure audit topic", "topic", cfg.Kafka.Topic, "error", err)
		}
		auditStore = auditkafka.New(producer, cfg.Kafka.Topic)
		logger.Info("publishing audit events to kafka", "topic", cfg.Kafka.Topic)
	}
	auditPublisher := publisher.NewPublisher(auditStore,
		publisher.WithAsyncBuffer(cfg.Checkout.AuditBuffer),
		publisher.WithLogger(logger),
	)
	a.closers = append(a.closers, auditPublisher.Close)

	var gw ports.PaymentGateway
	var handlerOpts []handler.Option
	if cfg.Gateway.BaseURL != "" {
		breaker := circuit.New("payment-gateway",
			circuit.WithFailureThreshold(cfg.Gateway.FailureThreshold),
			circuit.WithSuccessThreshold(cfg.Gateway.SuccessThreshold),
			circuit.WithCooldown(cfg.Gateway.Cooldown),
		)
		gw = gateway.NewHTTP(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout,
			gateway.WithBreaker(breaker),
			gateway.WithLogger(logger),
		)
	} else {
		sandbox := gateway.NewSandbox()
		gw = sandbox
		handlerOpts = append(handlerOpts, handler.WithTokenizer(sandbox))
		logger.Warn("gateway.base_url not set, using the sandbox gateway")
	}

	serviceOpts := []service.Option{
		service.WithLogger(logger),
		service.WithAuditPublisher(auditPublisher),
		service.WithMetrics(metrics.NewWithRegistry(reg)),
		service.WithTracer(otel.Tracer("registrar/registration")),
		service.WithGateway(gw, journal),
		service.WithCurrency(cfg.Currency),
		service.WithParallelism(cfg.Checkout.Parallelism),
		service.WithOwnershipCheck(cfg.Checkout.OwnershipCheck),
	}
	if len(cfg.Checkout.AllowedGrades) > 0 {
		serviceOpts = append(serviceOpts, service.WithValidator(entities.NewGradeValidator(cfg.Checkout.AllowedGrades)))
	}
	svc := service.New(
		ledger.New(ledgerStore, ledger.WithLogger(logger)),
		schedule,
		entityStore,
		checkouts,
		serviceOpts...,
	)

	jwtService := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer)
	h := handler.New(svc, logger, platformmetrics.NewWithRegistry(reg), jwttoken.NewJWTServiceAdapter(jwtService), handlerOpts...)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if gatherer, ok := reg.(prometheus.Gatherer); ok {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	h.Register(r)
	a.router = r
	return a, nil
}

func describeBackends(cfg config.Config) string {
	backend := func(set bool, name, fallback string) string {
		if set {
			return name
		}
		return fallback
	}
	return fmt.Sprintf("ledger=%s sessions=%s audit=%s gateway=%s",
		backend(cfg.Postgres.DSN != "", "postgres", "memory"),
		backend(cfg.Redis.URL != "", "redis", "memory"),
		backend(cfg.Kafka.Brokers != "", "kafka", "memory"),
		backend(cfg.Gateway.BaseURL != "", "http", "sandbox"),
	)
}
