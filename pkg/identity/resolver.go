// Package identity resolves, and if needed registers, the processor's identity
// with the control plane. The identity is resolved once per process.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	sdkerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ControlPlane is what the resolver needs from the control-plane client
type ControlPlane interface {
	GetProcessor(ctx context.Context, compositeKey string) (*message.ProcessorRecord, error)
	GetSchemaDefinition(ctx context.Context, id uuid.UUID) (string, error)
	CreateProcessor(ctx context.Context, cmd message.CreateProcessorCommand) error
}

// Processor is the resolved identity. A schema text is empty when it could not
// be fetched, which disables validation on that side.
type Processor struct {
	ID             uuid.UUID
	Name           string
	Version        string
	Description    string
	InputSchemaID  uuid.UUID
	OutputSchemaID uuid.UUID
	InputSchema    string
	OutputSchema   string
}

// Config describes the processor being resolved
type Config struct {
	Name           string
	Version        string
	Description    string
	CompositeKey   string
	InputSchemaID  uuid.UUID
	OutputSchemaID uuid.UUID
	// CreateGrace is how long to wait after publishing CreateProcessor before looking again
	CreateGrace time.Duration
}

// Resolver is a once-cell over the bootstrap sequence. Reads after the first
// success are a single atomic load. A failed bootstrap leaves the cell empty so
// the next caller starts over.
type Resolver struct {
	cp     ControlPlane
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	current atomic.Pointer[Processor]
	// sem admits one bootstrap at a time while letting waiters give up on ctx
	sem chan struct{}

	sleep func(ctx context.Context, d time.Duration) error
}

// NewResolver creates a resolver. A nil tracer provider falls back to the global one.
func NewResolver(cp ControlPlane, cfg Config, logger *zap.Logger, tp trace.TracerProvider) (*Resolver, error) {
	if cp == nil {
		return nil, fmt.Errorf("control plane cannot be nil")
	}
	if cfg.Name == "" || cfg.Version == "" {
		return nil, fmt.Errorf("processor name and version are required")
	}
	if cfg.CompositeKey == "" {
		cfg.CompositeKey = cfg.Version + "_" + cfg.Name
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Resolver{
		cp:     cp,
		cfg:    cfg,
		logger: logger,
		tracer: tp.Tracer("talos/identity"),
		sem:    make(chan struct{}, 1),
		sleep:  sleepContext,
	}, nil
}

// Resolve returns the processor id, bootstrapping on first use
func (r *Resolver) Resolve(ctx context.Context) (uuid.UUID, error) {
	p, err := r.Identity(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	return p.ID, nil
}

// Identity returns the full resolved identity, bootstrapping on first use
func (r *Resolver) Identity(ctx context.Context) (*Processor, error) {
	if p := r.current.Load(); p != nil {
		return p, nil
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, sdkerrors.NewInitializationError("cancelled while waiting for identity", ctx.Err())
	}
	defer func() { <-r.sem }()

	// Another caller may have finished while we waited
	if p := r.current.Load(); p != nil {
		return p, nil
	}

	p, err := r.bootstrap(ctx)
	if err != nil {
		return nil, err
	}
	r.current.Store(p)
	return p, nil
}

// Current returns the identity if it has been resolved, without any I/O
func (r *Resolver) Current() (*Processor, bool) {
	p := r.current.Load()
	return p, p != nil
}

// IsForThisProcessor reports whether candidate is this processor's id
func (r *Resolver) IsForThisProcessor(ctx context.Context, candidate uuid.UUID) (bool, error) {
	id, err := r.Resolve(ctx)
	if err != nil {
		return false, err
	}
	return id == candidate, nil
}

func (r *Resolver) bootstrap(ctx context.Context) (*Processor, error) {
	ctx, span := r.tracer.Start(ctx, "identity.Resolve",
		trace.WithAttributes(attribute.String("processor.composite_key", r.cfg.CompositeKey)))
	defer span.End()

	rec, err := r.cp.GetProcessor(ctx, r.cfg.CompositeKey)
	if err != nil {
		if !isMiss(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "lookup failed")
			return nil, sdkerrors.NewInitializationError("failed to look up processor "+r.cfg.CompositeKey, err)
		}
		rec, err = r.createAndRetry(ctx, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "create fallback failed")
			return nil, err
		}
	}

	p := &Processor{
		ID:             rec.ID,
		Name:           rec.Name,
		Version:        rec.Version,
		Description:    rec.Description,
		InputSchemaID:  rec.InputSchemaID,
		OutputSchemaID: rec.OutputSchemaID,
	}
	p.InputSchema = r.fetchSchema(ctx, "input", p.InputSchemaID)
	p.OutputSchema = r.fetchSchema(ctx, "output", p.OutputSchemaID)

	span.SetAttributes(
		attribute.String("processor.id", p.ID.String()),
		attribute.Bool("processor.input_schema", p.InputSchema != ""),
		attribute.Bool("processor.output_schema", p.OutputSchema != ""))

	r.logger.Info("Processor identity resolved",
		zap.String("processor_id", p.ID.String()),
		zap.String("composite_key", r.cfg.CompositeKey),
		zap.Bool("input_schema", p.InputSchema != ""),
		zap.Bool("output_schema", p.OutputSchema != ""))
	return p, nil
}

func (r *Resolver) createAndRetry(ctx context.Context, lookupErr error) (*message.ProcessorRecord, error) {
	r.logger.Info("Processor not registered, requesting creation",
		zap.String("composite_key", r.cfg.CompositeKey),
		zap.NamedError("lookup_error", lookupErr))

	cmd := message.CreateProcessorCommand{
		Name:           r.cfg.Name,
		Version:        r.cfg.Version,
		Description:    r.cfg.Description,
		InputSchemaID:  r.cfg.InputSchemaID,
		OutputSchemaID: r.cfg.OutputSchemaID,
		RequestedBy:    r.cfg.Name,
	}
	if err := r.cp.CreateProcessor(ctx, cmd); err != nil {
		r.logger.Warn("Failed to publish create processor command", zap.Error(err))
	}

	if err := r.sleep(ctx, r.cfg.CreateGrace); err != nil {
		return nil, sdkerrors.NewInitializationError("cancelled while waiting for processor creation", err)
	}

	rec, err := r.cp.GetProcessor(ctx, r.cfg.CompositeKey)
	if err != nil {
		return nil, sdkerrors.NewInitializationError(
			fmt.Sprintf("processor %s still not available after create", r.cfg.CompositeKey), err)
	}
	return rec, nil
}

func (r *Resolver) fetchSchema(ctx context.Context, side string, id uuid.UUID) string {
	if id == uuid.Nil {
		r.logger.Warn("No schema configured, validation disabled",
			zap.String("side", side))
		return ""
	}
	def, err := r.cp.GetSchemaDefinition(ctx, id)
	if err != nil {
		r.logger.Warn("Failed to fetch schema definition, validation disabled",
			zap.String("side", side),
			zap.String("schema_id", id.String()),
			zap.Error(err))
		return ""
	}
	return def
}

// isMiss reports whether a lookup error means "not there yet" rather than a
// failure. No responders is how a control plane that is not listening shows up
// on NATS, the same case a timeout covers on a slower bus.
func isMiss(err error) bool {
	return errors.Is(err, sdkerrors.ErrNotFound) ||
		errors.Is(err, sdkerrors.ErrTimeout) ||
		errors.Is(err, sdkerrors.ErrNoResponse)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
