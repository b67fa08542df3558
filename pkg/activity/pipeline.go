// Package activity runs one activity end to end: resolve identity, fetch
// input from the cache, validate, execute, validate again, store the output
// and report the outcome.
package activity

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/wehubfusion/Talos/pkg/cache"
	sdkerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/identity"
	"github.com/wehubfusion/Talos/pkg/message"
	"github.com/wehubfusion/Talos/pkg/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// IdentityResolver supplies the processor identity and its schema texts
type IdentityResolver interface {
	Identity(ctx context.Context) (*identity.Processor, error)
}

// Validator checks a payload against a JSON Schema text
type Validator interface {
	ValidateDetailed(ctx context.Context, payload, schemaText string) schema.Result
}

// Publisher carries results and events out of the pipeline
type Publisher interface {
	PublishResult(ctx context.Context, v interface{}) error
	Publish(ctx context.Context, subject string, v interface{}) error
}

// MetricsRecorder observes every finished activity
type MetricsRecorder interface {
	Record(success bool, d time.Duration)
}

// FailureHook is told about every failed activity
type FailureHook func(ctx context.Context, req Request, err error)

// Config holds the validation policy and event subjects
type Config struct {
	EnableInputValidation  bool
	EnableOutputValidation bool
	FailOnValidationError  bool
	ExecutedSubject        string
	FailedSubject          string
	// PublishTimeout bounds result and event publishing, which outlives a cancelled activity context
	PublishTimeout time.Duration
}

// Dependencies are the collaborators a pipeline is built from. Statistics,
// OnFailure and TracerProvider are optional.
type Dependencies struct {
	Identity       IdentityResolver
	Cache          cache.Bridge
	Validator      Validator
	Executor       Executor
	Publisher      Publisher
	Metrics        MetricsRecorder
	Statistics     *Statistics
	OnFailure      FailureHook
	TracerProvider trace.TracerProvider
}

// Pipeline processes activities. It is safe for concurrent use.
type Pipeline struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewPipeline validates deps and builds a pipeline
func NewPipeline(deps Dependencies, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	switch {
	case deps.Identity == nil:
		return nil, errors.New("identity resolver cannot be nil")
	case deps.Cache == nil:
		return nil, errors.New("cache cannot be nil")
	case deps.Validator == nil:
		return nil, errors.New("validator cannot be nil")
	case deps.Executor == nil:
		return nil, errors.New("executor cannot be nil")
	case deps.Publisher == nil:
		return nil, errors.New("publisher cannot be nil")
	case deps.Metrics == nil:
		return nil, errors.New("metrics recorder cannot be nil")
	}
	if cfg.ExecutedSubject == "" || cfg.FailedSubject == "" {
		return nil, errors.New("event subjects are required")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.TracerProvider == nil {
		deps.TracerProvider = otel.GetTracerProvider()
	}
	return &Pipeline{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		tracer: deps.TracerProvider.Tracer("talos/activity"),
		now:    time.Now,
	}, nil
}

// Statistics returns the outcome window, or nil when none was configured
func (p *Pipeline) Statistics() *Statistics {
	return p.deps.Statistics
}

// Process runs req to completion and returns its result. It never returns an
// error and never panics: every failure is reported as a Failed result.
func (p *Pipeline) Process(ctx context.Context, req Request) Result {
	start := p.now()
	ctx, span := p.tracer.Start(ctx, "activity.Process",
		trace.WithAttributes(
			attribute.String("activity.orchestrated_flow_id", req.OrchestratedFlowID.String()),
			attribute.String("activity.step_id", req.StepID.String()),
			attribute.String("activity.execution_id", req.ExecutionID.String()),
			attribute.String("activity.correlation_id", req.CorrelationID),
			attribute.Int("activity.entity_count", len(req.Entities)),
		))
	defer span.End()

	run := &execution{req: req, processorID: req.ProcessorID, executionID: req.ExecutionID}
	err := p.safeRun(ctx, run)
	duration := p.now().Sub(start)

	result := Result{
		ProcessorID:        run.processorID,
		OrchestratedFlowID: req.OrchestratedFlowID,
		StepID:             req.StepID,
		ExecutionID:        run.executionID,
		Status:             StatusCompleted,
		CorrelationID:      req.CorrelationID,
		Duration:           duration,
	}
	if err != nil {
		result.Status = StatusFailed
		result.ErrorMessage = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "activity completed")
	}
	span.SetAttributes(
		attribute.String("activity.status", string(result.Status)),
		attribute.Int64("activity.duration_ms", duration.Milliseconds()))

	p.deps.Metrics.Record(err == nil, duration)
	if p.deps.Statistics != nil {
		p.deps.Statistics.Record(Outcome{At: start, Success: err == nil, Duration: duration})
	}

	p.report(ctx, req, result, err)
	if err != nil && p.deps.OnFailure != nil {
		p.deps.OnFailure(ctx, req, err)
	}
	return result
}

// execution carries the state that steps hand to each other
type execution struct {
	req         Request
	processorID uuid.UUID
	executionID uuid.UUID
	identity    *identity.Processor
	input       string
	output      string
}

func (p *Pipeline) safeRun(ctx context.Context, run *execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := p.recovered("pipeline", r)
			err = sdkerrors.NewInternalError("panic while processing activity", "PANIC", pe)
		}
	}()
	return p.run(ctx, run)
}

// execute calls the executor, turning a panic into an executor failure
func (p *Pipeline) execute(ctx context.Context, req ExecutionRequest) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = p.recovered("executor", r)
		}
	}()
	return p.deps.Executor.Execute(ctx, req)
}

func (p *Pipeline) recovered(origin string, r interface{}) *panicError {
	stack := debug.Stack()
	p.logger.Error("Panic while processing activity",
		zap.String("origin", origin),
		zap.Any("panic", r),
		zap.ByteString("stack", stack))
	return &panicError{value: r, stack: string(stack)}
}

func (p *Pipeline) run(ctx context.Context, run *execution) error {
	req := run.req

	if err := p.step(ctx, "ResolveIdentity", func(ctx context.Context) error {
		proc, err := p.deps.Identity.Identity(ctx)
		if err != nil {
			if sdkerrors.IsType(err, sdkerrors.InitializationFailed) {
				return err
			}
			return sdkerrors.NewInitializationError("failed to resolve processor identity", err)
		}
		run.identity = proc
		run.processorID = proc.ID
		return nil
	}); err != nil {
		return err
	}
	mapName := run.identity.ID.String()

	if !req.IsStateless() {
		if err := p.step(ctx, "FetchInput", func(ctx context.Context) error {
			key := cache.Key(req.OrchestratedFlowID, req.StepID, req.ExecutionID)
			data, ok, err := p.deps.Cache.Get(ctx, mapName, key)
			if err != nil {
				return err
			}
			if !ok || data == "" {
				return sdkerrors.NewMissingCacheDataError(key)
			}
			run.input = data
			return nil
		}); err != nil {
			return err
		}

		if p.cfg.EnableInputValidation {
			if err := p.step(ctx, "ValidateInput", func(ctx context.Context) error {
				return p.validate(ctx, "input", run.input, run.identity.InputSchema)
			}); err != nil {
				return err
			}
		}
	}

	if err := p.step(ctx, "Execute", func(ctx context.Context) error {
		out, err := p.execute(ctx, ExecutionRequest{
			ProcessorID:        run.identity.ID,
			OrchestratedFlowID: req.OrchestratedFlowID,
			StepID:             req.StepID,
			ExecutionID:        req.ExecutionID,
			Entities:           req.Entities,
			InputData:          run.input,
			CorrelationID:      req.CorrelationID,
		})
		if err != nil {
			return sdkerrors.NewExecutorError(err)
		}
		run.output = out
		return nil
	}); err != nil {
		return err
	}

	run.executionID = extractExecutionID(run.output, req.ExecutionID)
	if run.executionID != req.ExecutionID {
		p.logger.Debug("Executor reassigned execution id",
			zap.String("original_execution_id", req.ExecutionID.String()),
			zap.String("execution_id", run.executionID.String()))
	}

	if p.cfg.EnableOutputValidation {
		if err := p.step(ctx, "ValidateOutput", func(ctx context.Context) error {
			return p.validate(ctx, "output", run.output, run.identity.OutputSchema)
		}); err != nil {
			return err
		}
	}

	if run.executionID != uuid.Nil {
		if err := p.step(ctx, "StoreOutput", func(ctx context.Context) error {
			key := cache.Key(req.OrchestratedFlowID, req.StepID, run.executionID)
			return p.deps.Cache.Set(ctx, mapName, key, run.output)
		}); err != nil {
			return err
		}
	}
	return nil
}

// step runs fn inside a child span named after the step
func (p *Pipeline) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "activity."+name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// validate applies the validation policy. A missing schema fails open.
func (p *Pipeline) validate(ctx context.Context, side, payload, schemaText string) error {
	if schemaText == "" {
		p.logger.Warn("No schema available, skipping validation", zap.String("side", side))
		return nil
	}

	res := p.deps.Validator.ValidateDetailed(ctx, payload, schemaText)
	if res.Valid {
		return nil
	}
	if p.cfg.FailOnValidationError {
		return sdkerrors.NewSchemaValidationError(side, res.Errors)
	}
	p.logger.Warn("Validation failed, continuing",
		zap.String("side", side),
		zap.Strings("errors", res.Errors),
		zap.String("error_path", res.ErrorPath))
	return nil
}

// extractExecutionID returns the executionId field of output when it holds a
// valid UUID, otherwise fallback
func extractExecutionID(output string, fallback uuid.UUID) uuid.UUID {
	if !gjson.Valid(output) {
		return fallback
	}
	r := gjson.Get(output, "executionId")
	if r.Type != gjson.String {
		return fallback
	}
	id, err := uuid.Parse(r.Str)
	if err != nil {
		return fallback
	}
	return id
}

// report publishes the result and the matching event. Publishing runs on a
// context detached from the activity's cancellation so a timed-out activity
// still reports.
func (p *Pipeline) report(ctx context.Context, req Request, result Result, procErr error) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PublishTimeout)
	defer cancel()

	fields := []zap.Field{
		zap.String("processor_id", result.ProcessorID.String()),
		zap.String("execution_id", result.ExecutionID.String()),
		zap.String("correlation_id", result.CorrelationID),
	}

	if err := p.deps.Publisher.PublishResult(pubCtx, result); err != nil {
		p.logger.Error("Failed to publish activity result", append(fields, zap.Error(err))...)
	}

	if procErr == nil {
		event := message.ActivityExecutedEvent{
			ProcessorID:        result.ProcessorID,
			OrchestratedFlowID: result.OrchestratedFlowID,
			StepID:             result.StepID,
			ExecutionID:        result.ExecutionID,
			CorrelationID:      result.CorrelationID,
			EntitiesProcessed:  len(req.Entities),
			DurationMs:         result.Duration.Milliseconds(),
			ExecutedAt:         p.now().UTC(),
		}
		if err := p.deps.Publisher.Publish(pubCtx, p.cfg.ExecutedSubject, event); err != nil {
			p.logger.Error("Failed to publish activity executed event", append(fields, zap.Error(err))...)
		}
		p.logger.Info("Activity completed", append(fields, zap.Duration("duration", result.Duration))...)
		return
	}

	event := message.ActivityFailedEvent{
		ProcessorID:        result.ProcessorID,
		OrchestratedFlowID: result.OrchestratedFlowID,
		StepID:             result.StepID,
		ExecutionID:        result.ExecutionID,
		CorrelationID:      result.CorrelationID,
		ErrorMessage:       procErr.Error(),
		ExceptionType:      sdkerrors.TypeOf(procErr).String(),
		StackTrace:         stackTrace(procErr),
		EntityCount:        len(req.Entities),
		DurationMs:         result.Duration.Milliseconds(),
		FailedAt:           p.now().UTC(),
	}
	if err := p.deps.Publisher.Publish(pubCtx, p.cfg.FailedSubject, event); err != nil {
		p.logger.Error("Failed to publish activity failed event", append(fields, zap.Error(err))...)
	}
	p.logger.Error("Activity failed", append(fields,
		zap.String("error_type", event.ExceptionType),
		zap.Error(procErr))...)
}

// panicError is a recovered panic with the stack it was raised on
type panicError struct {
	value interface{}
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// stackTrace returns the captured stack of a recovered panic, or the chain of
// wrapped errors otherwise
func stackTrace(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return pe.stack
	}
	var chain []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		chain = append(chain, fmt.Sprintf("%T: %s", e, e.Error()))
	}
	return strings.Join(chain, "\n")
}
