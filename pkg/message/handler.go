package message

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

// Handler processes one pulled delivery. Returning nil means the delivery is
// done; returning an error lets the caller decide between Nak and Term.
// Handlers do not settle the delivery themselves.
type Handler func(ctx context.Context, d *Delivery) error

// Middleware is a function that wraps a handler to add additional functionality
type Middleware func(Handler) Handler

// Chain chains multiple middlewares together
func Chain(middlewares ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// RecoveryMiddleware turns a panic in the wrapped handler into an error
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, d *Delivery) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Panic in message handler",
						zap.String("subject", d.Subject),
						zap.Any("panic", r),
						zap.ByteString("stack", debug.Stack()))
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, d)
		}
	}
}

// LoggingMiddleware logs message processing using structured logging
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, d *Delivery) error {
			start := time.Now()
			fields := []zap.Field{
				zap.String("subject", d.Subject),
				zap.Uint64("num_delivered", d.NumDelivered),
			}

			logger.Debug("Processing message", fields...)
			err := next(ctx, d)
			fields = append(fields, zap.Duration("duration", time.Since(start)))
			if err != nil {
				logger.Error("Error processing message", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("Successfully processed message", fields...)
			}
			return err
		}
	}
}
