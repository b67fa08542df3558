// Package runner drains a JetStream pull consumer through a pool of workers.
// Each pulled delivery is handed to a message.Handler and settled according to
// the handler's outcome: Ack on success, Nak when the error is transient and
// Term when redelivery could never help.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wehubfusion/Talos/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Puller fetches a batch of deliveries from a durable pull consumer
type Puller interface {
	PullMessages(ctx context.Context, stream, consumer string, batchSize int) ([]*message.Delivery, error)
}

// Config describes which consumer to drain and how
type Config struct {
	Stream         string
	Consumer       string
	BatchSize      int
	Workers        int
	ProcessTimeout time.Duration
	// IdleWait is the pause after an empty pull (default 500ms)
	IdleWait time.Duration
	// MaxBackoff caps the pause after consecutive pull errors (default 5s)
	MaxBackoff time.Duration
}

// Runner pulls batches and distributes them to worker goroutines
type Runner struct {
	puller  Puller
	handler message.Handler
	limiter *concurrency.Limiter
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewRunner validates its arguments and creates a runner. A nil limiter admits
// up to Workers deliveries at once; a nil tracer provider uses the global one.
func NewRunner(puller Puller, handler message.Handler, limiter *concurrency.Limiter, cfg Config, logger *zap.Logger, tp trace.TracerProvider) (*Runner, error) {
	if puller == nil {
		return nil, errors.New("puller cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if cfg.Stream == "" {
		return nil, errors.New("stream name cannot be empty")
	}
	if cfg.Consumer == "" {
		return nil, errors.New("consumer name cannot be empty")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("batchSize must be greater than 0")
	}
	if cfg.Workers <= 0 {
		return nil, errors.New("workers must be greater than 0")
	}
	if cfg.ProcessTimeout <= 0 {
		return nil, errors.New("processTimeout must be greater than 0")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if limiter == nil {
		limiter = concurrency.NewLimiter(cfg.Workers)
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Runner{
		puller:  puller,
		handler: handler,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
		tracer:  tp.Tracer("talos/runner"),
	}, nil
}

// Run blocks until ctx is cancelled and every worker has drained. Deliveries
// already handed to a worker are settled before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	deliveries := make(chan *message.Delivery, r.cfg.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, deliveries)
		}(i)
	}

	r.pull(ctx, deliveries)
	close(deliveries)
	wg.Wait()

	r.logger.Info("Runner stopped", zap.Error(ctx.Err()))
	return ctx.Err()
}

func (r *Runner) pull(ctx context.Context, out chan<- *message.Delivery) {
	const initialBackoff = 100 * time.Millisecond
	backoff := initialBackoff

	for ctx.Err() == nil {
		batch, err := r.puller.PullMessages(ctx, r.cfg.Stream, r.cfg.Consumer, r.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Debug("Message pulling stopped due to context cancellation")
				return
			}
			r.logger.Error("Error pulling messages",
				zap.String("stream", r.cfg.Stream),
				zap.String("consumer", r.cfg.Consumer),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			if !wait(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, r.cfg.MaxBackoff)
			continue
		}
		backoff = initialBackoff

		if len(batch) == 0 {
			if !wait(ctx, r.cfg.IdleWait) {
				return
			}
			continue
		}

		for i, d := range batch {
			select {
			case out <- d:
			case <-ctx.Done():
				// Hand the rest back to JetStream rather than waiting for AckWait
				for _, rest := range batch[i:] {
					r.settle(rest, ctx.Err())
				}
				return
			}
		}
	}
}

func (r *Runner) worker(ctx context.Context, workerID int, in <-chan *message.Delivery) {
	r.logger.Debug("Worker started", zap.Int("worker_id", workerID))
	defer r.logger.Debug("Worker stopped", zap.Int("worker_id", workerID))

	for d := range in {
		r.processMessage(ctx, workerID, d)
	}
}

func (r *Runner) processMessage(ctx context.Context, workerID int, d *message.Delivery) {
	ctx, span := r.tracer.Start(ctx, "runner.processMessage",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("messaging.subject", d.Subject),
			attribute.Int64("messaging.num_delivered", int64(d.NumDelivered)),
			attribute.String("stream", r.cfg.Stream),
			attribute.String("consumer", r.cfg.Consumer),
		))
	defer span.End()

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "context cancelled before processing")
		r.settle(d, ctx.Err())
		return
	}

	start := time.Now()
	err := r.limiter.Do(ctx, func() error {
		processCtx, cancel := context.WithTimeout(ctx, r.cfg.ProcessTimeout)
		defer cancel()
		processCtx, handlerSpan := r.tracer.Start(processCtx, "handler.Handle")
		defer handlerSpan.End()

		herr := r.handler(processCtx, d)
		if herr != nil {
			handlerSpan.RecordError(herr)
			handlerSpan.SetStatus(codes.Error, herr.Error())
		}
		return herr
	}, sdkerrors.Retryable)
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int64("processing.duration_ms", elapsed.Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, concurrency.ErrCircuitOpen) {
			r.logger.Warn("Circuit open, returning message for redelivery",
				zap.Int("worker_id", workerID),
				zap.String("subject", d.Subject))
			// Slow the worker down so the breaker can cool off
			wait(ctx, r.cfg.IdleWait)
		}
	} else {
		span.SetStatus(codes.Ok, "message processed")
	}
	r.settle(d, err)
}

// settle acknowledges d according to err. Transient failures are Nak'd so
// JetStream redelivers them; permanent ones are Term'd.
func (r *Runner) settle(d *message.Delivery, err error) {
	var (
		action    string
		settleErr error
	)
	switch {
	case err == nil:
		action, settleErr = "ack", d.Ack()
	case errors.Is(err, concurrency.ErrCircuitOpen),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		sdkerrors.Retryable(err):
		action, settleErr = "nak", d.Nak()
	default:
		action, settleErr = "term", d.Term()
		r.logger.Warn("Terminating message that cannot be processed",
			zap.String("subject", d.Subject),
			zap.Error(err))
	}

	if settleErr != nil {
		r.logger.Error("Error settling message",
			zap.String("action", action),
			zap.String("subject", d.Subject),
			zap.Error(settleErr))
	}
}

// wait sleeps for d or until ctx ends, reporting whether the full wait elapsed
func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
