// Package app assembles a processor from its configuration and runs it
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/wehubfusion/Talos/internal/nats"
	"github.com/wehubfusion/Talos/internal/tracing"
	"github.com/wehubfusion/Talos/pkg/activity"
	"github.com/wehubfusion/Talos/pkg/cache"
	"github.com/wehubfusion/Talos/pkg/client"
	"github.com/wehubfusion/Talos/pkg/concurrency"
	"github.com/wehubfusion/Talos/pkg/config"
	"github.com/wehubfusion/Talos/pkg/controlplane"
	"github.com/wehubfusion/Talos/pkg/gateway"
	"github.com/wehubfusion/Talos/pkg/identity"
	"github.com/wehubfusion/Talos/pkg/message"
	"github.com/wehubfusion/Talos/pkg/metrics"
	"github.com/wehubfusion/Talos/pkg/runner"
	"github.com/wehubfusion/Talos/pkg/schema"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// App is a fully wired processor
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	client          *client.Client
	tp              trace.TracerProvider
	tracingShutdown tracing.Shutdown
	sentryEnabled   bool
	registry        *prometheus.Registry

	resolver *identity.Resolver
	gateway  *gateway.Gateway
	runner   *runner.Runner

	metricsServer *http.Server
	subs          []message.Subscription
}

// New connects to NATS and builds every component. On error everything
// already started is torn down.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.tp, a.tracingShutdown, err = tracing.SetupTracing(ctx, tracingConfig(cfg), logger)
	if err != nil {
		return nil, err
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentryOptions(cfg)); err != nil {
			logger.Warn("Failed to initialize Sentry, continuing without it", zap.Error(err))
		} else {
			a.sentryEnabled = true
		}
	}

	a.client = client.NewClient(connectionConfig(cfg), message.ServiceConfig{
		MaxDeliver:    cfg.NATS.MaxDeliver,
		ResultStream:  cfg.Subjects.ResultStream,
		ResultSubject: cfg.Subjects.ResultSubject,
	}, logger)
	if err := a.client.Connect(ctx); err != nil {
		return nil, err
	}

	consumer := cfg.ConsumerName()
	if err := a.client.Messages.EnsureStream(cfg.Subjects.ActivityStream, cfg.Subjects.ActivitySubject); err != nil {
		return nil, err
	}
	if err := a.client.Messages.EnsureConsumer(cfg.Subjects.ActivityStream, consumer, cfg.Subjects.ActivitySubject); err != nil {
		return nil, err
	}

	cp, err := controlplane.NewClient(a.client.Messages, controlplane.Subjects{
		GetProcessor:    cfg.Subjects.GetProcessor,
		GetSchema:       cfg.Subjects.GetSchema,
		CreateProcessor: cfg.Subjects.CreateProcessor,
	}, cfg.Processor.RequestTimeout, logger)
	if err != nil {
		return nil, err
	}

	a.resolver, err = identity.NewResolver(cp, identityConfig(cfg), logger, a.tp)
	if err != nil {
		return nil, err
	}

	gate := schema.NewGate(logger, a.tp, schema.Options{
		LogValidationErrors:   cfg.Validation.LogValidationErrors,
		LogValidationWarnings: cfg.Validation.LogValidationWarnings,
		CacheSize:             cfg.Validation.SchemaCacheSize,
	})

	opener, err := storeOpener(cfg.Cache, a.client.KeyValue(), logger)
	if err != nil {
		return nil, err
	}
	cacheClient := cache.NewClient(opener, cfg.Cache.HealthNamespace, logger)

	exec, err := buildExecutor(cfg.Executor, logger)
	if err != nil {
		return nil, err
	}

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewRecorder(a.registry, cfg.Processor.Name, cfg.Processor.Version)
	if err != nil {
		return nil, err
	}

	stats := activity.NewStatistics(cfg.Cache.StatisticsWindow)
	deps := activity.Dependencies{
		Identity:       a.resolver,
		Cache:          cacheClient,
		Validator:      gate,
		Executor:       exec,
		Publisher:      a.client.Messages,
		Metrics:        recorder,
		Statistics:     stats,
		TracerProvider: a.tp,
	}
	if a.sentryEnabled {
		deps.OnFailure = SentryFailureHook(sentry.CurrentHub())
	}
	pipeline, err := activity.NewPipeline(deps, activity.Config{
		EnableInputValidation:  cfg.Validation.EnableInputValidation,
		EnableOutputValidation: cfg.Validation.EnableOutputValidation,
		FailOnValidationError:  cfg.Validation.FailOnValidationError,
		ExecutedSubject:        cfg.Subjects.ExecutedEvent,
		FailedSubject:          cfg.Subjects.FailedEvent,
	}, logger)
	if err != nil {
		return nil, err
	}

	ccfg := concurrency.LoadConfig()
	logger.Info("Concurrency configured", ccfg.Fields()...)
	limiter := concurrency.NewLimiter(ccfg.MaxConcurrent)

	a.gateway, err = gateway.New(gateway.Dependencies{
		Identity:   a.resolver,
		Pipeline:   pipeline,
		Statistics: stats,
		Checks: map[string]gateway.Check{
			"nats":         gateway.ConnectionCheck(a.client),
			"cache":        gateway.CacheCheck(cacheClient),
			"identity":     gateway.IdentityCheck(a.resolver),
			"schema_cache": gateway.SchemaCacheCheck(gate.Len),
			"limiter":      gateway.LimiterCheck(limiter),
		},
	}, logger)
	if err != nil {
		return nil, err
	}

	handler := message.Chain(
		message.RecoveryMiddleware(logger),
		message.LoggingMiddleware(logger),
	)(a.gateway.Handle)
	a.runner, err = runner.NewRunner(a.client.Messages, handler, limiter, runner.Config{
		Stream:         cfg.Subjects.ActivityStream,
		Consumer:       consumer,
		BatchSize:      cfg.Processor.BatchSize,
		Workers:        ccfg.RunnerWorkers,
		ProcessTimeout: cfg.Processor.ProcessTimeout,
	}, logger, a.tp)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// Run serves metrics, health and statistics and drains activities until ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Metrics.Enabled {
		a.startMetricsServer()
	}

	// Resolve up front so the first activity does not pay for registration
	go func() {
		if _, err := a.resolver.Resolve(ctx); err != nil {
			a.logger.Warn("Initial identity resolution failed, retrying on first activity", zap.Error(err))
		}
	}()

	subs, err := a.gateway.Serve(ctx, a.client.Messages,
		a.cfg.Subjects.HealthSubject, a.cfg.Subjects.StatisticsSubject, a.cfg.ConsumerName())
	if err != nil {
		return err
	}
	a.subs = subs

	a.logger.Info("Processor started",
		zap.String("processor_name", a.cfg.Processor.Name),
		zap.String("processor_version", a.cfg.Processor.Version),
		zap.String("consumer", a.cfg.ConsumerName()))

	err = a.runner.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.registry))
	a.metricsServer = &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("Serving metrics", zap.String("address", a.cfg.Metrics.Address))
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

// Close releases everything New and Run acquired, in reverse order
func (a *App) Close() error {
	var errs []error
	for _, sub := range a.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	a.subs = nil

	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
		cancel()
	}
	if a.client != nil {
		stats := a.client.Stats()
		a.logger.Info("Closing NATS connection",
			zap.Uint64("in_msgs", stats.InMsgs),
			zap.Uint64("out_msgs", stats.OutMsgs),
			zap.Uint64("reconnects", stats.Reconnects))
		if err := a.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := tracing.ShutdownTracing(a.tracingShutdown, a.logger); err != nil {
		errs = append(errs, err)
	}
	if a.sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
	return errors.Join(errs...)
}

func tracingConfig(cfg *config.Config) tracing.TracingConfig {
	return tracing.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Processor.Name,
		ServiceVersion: cfg.Processor.Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Protocol:       cfg.Tracing.Protocol,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}
}

func connectionConfig(cfg *config.Config) *nats.ConnectionConfig {
	cc := nats.DefaultConnectionConfig(cfg.NATS.URL)
	if cfg.NATS.ClientName != "" {
		cc.Name = cfg.NATS.ClientName
	}
	cc.MaxReconnects = cfg.NATS.MaxReconnects
	if cfg.NATS.ReconnectWait > 0 {
		cc.ReconnectWait = cfg.NATS.ReconnectWait
	}
	cc.Timeout = cfg.NATS.Timeout
	cc.Token = cfg.NATS.Token
	cc.Username = cfg.NATS.Username
	cc.Password = cfg.NATS.Password
	return cc
}

func identityConfig(cfg *config.Config) identity.Config {
	return identity.Config{
		Name:           cfg.Processor.Name,
		Version:        cfg.Processor.Version,
		Description:    cfg.Processor.Description,
		CompositeKey:   cfg.Processor.CompositeKey(),
		InputSchemaID:  parseOptionalUUID(cfg.Processor.InputSchemaID),
		OutputSchemaID: parseOptionalUUID(cfg.Processor.OutputSchemaID),
		CreateGrace:    cfg.Processor.CreateGrace,
	}
}

// parseOptionalUUID maps an empty or malformed id to uuid.Nil. Config
// validation has already rejected malformed ids.
func parseOptionalUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
