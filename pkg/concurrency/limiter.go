package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by Acquire while the circuit breaker rejects work
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Metrics is a snapshot of limiter counters
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	TotalRejected   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter bounds in-flight activities with a semaphore and stops admitting
// work while its circuit breaker is open
type Limiter struct {
	sem            chan struct{}
	active         atomic.Int64
	acquired       atomic.Int64
	released       atomic.Int64
	rejected       atomic.Int64
	peak           atomic.Int64
	waitNs         atomic.Int64
	circuitBreaker *CircuitBreaker
}

// NewLimiter creates a limiter whose breaker opens after 100 consecutive failures
func NewLimiter(maxConcurrent int) *Limiter {
	return NewLimiterWithCircuitBreaker(maxConcurrent, NewCircuitBreaker(100, 30*time.Second))
}

// NewLimiterWithCircuitBreaker creates a limiter with custom circuit breaker settings
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if cb == nil {
		cb = NewCircuitBreaker(100, 30*time.Second)
	}
	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		circuitBreaker: cb,
	}
}

// Acquire waits for a free slot. It fails fast with ErrCircuitOpen while the
// breaker is open and with ctx.Err() when ctx ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.circuitBreaker.IsOpen() {
		l.rejected.Add(1)
		return ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		l.waitNs.Add(time.Since(start).Nanoseconds())
		l.acquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.released.Add(1)
	default:
	}
}

// Do runs fn inside a slot and feeds its outcome to the circuit breaker.
// Errors for which countsAsFailure returns false are returned but do not trip
// the breaker; a nil countsAsFailure counts every error.
func (l *Limiter) Do(ctx context.Context, fn func() error, countsAsFailure func(error) bool) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	err := fn()
	if err != nil && (countsAsFailure == nil || countsAsFailure(err)) {
		l.circuitBreaker.RecordFailure()
	} else {
		l.circuitBreaker.RecordSuccess()
	}
	return err
}

// CurrentActive returns the number of held slots
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// Capacity returns the maximum number of slots
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// GetMetrics returns a snapshot of the limiter counters
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   l.acquired.Load(),
		TotalReleased:   l.released.Load(),
		TotalRejected:   l.rejected.Load(),
		PeakConcurrent:  l.peak.Load(),
		TotalWaitTimeNs: l.waitNs.Load(),
	}
}

// GetAverageWaitTime returns the mean time spent waiting for a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	acquired := l.acquired.Load()
	if acquired == 0 {
		return 0
	}
	return time.Duration(l.waitNs.Load() / acquired)
}

// GetCircuitBreakerState returns the breaker state
func (l *Limiter) GetCircuitBreakerState() CircuitBreakerState {
	return l.circuitBreaker.State()
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}
