package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Talos/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/message"
	"go.uber.org/zap/zaptest"
)

// settleRecorder records how each delivery was settled
type settleRecorder struct {
	mu      sync.Mutex
	settled map[string]string
}

func newSettleRecorder() *settleRecorder {
	return &settleRecorder{settled: make(map[string]string)}
}

func (s *settleRecorder) acker(subject string) message.Acknowledger {
	return &recordingAcker{rec: s, subject: subject}
}

func (s *settleRecorder) get(subject string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled[subject]
}

func (s *settleRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.settled)
}

type recordingAcker struct {
	rec     *settleRecorder
	subject string
}

func (a *recordingAcker) mark(action string) error {
	a.rec.mu.Lock()
	defer a.rec.mu.Unlock()
	a.rec.settled[a.subject] = action
	return nil
}

func (a *recordingAcker) Ack() error  { return a.mark("ack") }
func (a *recordingAcker) Nak() error  { return a.mark("nak") }
func (a *recordingAcker) Term() error { return a.mark("term") }

// fakePuller hands out queued batches, then empty pulls
type fakePuller struct {
	mu      sync.Mutex
	batches [][]*message.Delivery
	errs    []error
	pulls   atomic.Int32
}

func (f *fakePuller) PullMessages(ctx context.Context, stream, consumer string, batchSize int) ([]*message.Delivery, error) {
	f.pulls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		return b, nil
	}
	return nil, nil
}

func testConfig() Config {
	return Config{
		Stream:         "ACTIVITIES",
		Consumer:       "proc",
		BatchSize:      4,
		Workers:        2,
		ProcessTimeout: time.Second,
		IdleWait:       5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}
}

func TestNewRunnerValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	handler := func(ctx context.Context, d *message.Delivery) error { return nil }

	tests := []struct {
		name   string
		puller Puller
		h      message.Handler
		mutate func(*Config)
	}{
		{name: "nil puller", h: handler},
		{name: "nil handler", puller: &fakePuller{}},
		{name: "empty stream", puller: &fakePuller{}, h: handler, mutate: func(c *Config) { c.Stream = "" }},
		{name: "empty consumer", puller: &fakePuller{}, h: handler, mutate: func(c *Config) { c.Consumer = "" }},
		{name: "zero batch", puller: &fakePuller{}, h: handler, mutate: func(c *Config) { c.BatchSize = 0 }},
		{name: "zero workers", puller: &fakePuller{}, h: handler, mutate: func(c *Config) { c.Workers = 0 }},
		{name: "zero timeout", puller: &fakePuller{}, h: handler, mutate: func(c *Config) { c.ProcessTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			_, err := NewRunner(tt.puller, tt.h, nil, cfg, logger, nil)
			assert.Error(t, err)
		})
	}

	_, err := NewRunner(&fakePuller{}, handler, nil, testConfig(), nil, nil)
	assert.Error(t, err)

	r, err := NewRunner(&fakePuller{}, handler, nil, testConfig(), logger, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, r.limiter.Capacity())
}

func TestRunSettlesByOutcome(t *testing.T) {
	rec := newSettleRecorder()
	puller := &fakePuller{batches: [][]*message.Delivery{{
		message.NewDelivery("ok", nil, rec.acker("ok")),
		message.NewDelivery("transient", nil, rec.acker("transient")),
		message.NewDelivery("bad", nil, rec.acker("bad")),
	}}}

	handler := func(ctx context.Context, d *message.Delivery) error {
		switch d.Subject {
		case "transient":
			return sdkerrors.NewTransportError("bus down", sdkerrors.ErrNotConnected)
		case "bad":
			return sdkerrors.NewBadRequestError("undecodable", errors.New("bad json"))
		}
		return nil
	}

	r, err := NewRunner(puller, handler, nil, testConfig(), zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}

	assert.Equal(t, "ack", rec.get("ok"))
	assert.Equal(t, "nak", rec.get("transient"))
	assert.Equal(t, "term", rec.get("bad"))
}

func TestRunBacksOffOnPullErrors(t *testing.T) {
	rec := newSettleRecorder()
	puller := &fakePuller{
		errs:    []error{errors.New("pull failed"), errors.New("pull failed")},
		batches: [][]*message.Delivery{{message.NewDelivery("after", nil, rec.acker("after"))}},
	}
	handler := func(ctx context.Context, d *message.Delivery) error { return nil }

	r, err := NewRunner(puller, handler, nil, testConfig(), zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.get("after") == "ack" }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, puller.pulls.Load(), int32(3))
}

func TestHandlerReceivesProcessTimeout(t *testing.T) {
	rec := newSettleRecorder()
	puller := &fakePuller{batches: [][]*message.Delivery{{message.NewDelivery("slow", nil, rec.acker("slow"))}}}

	handler := func(ctx context.Context, d *message.Delivery) error {
		<-ctx.Done()
		return ctx.Err()
	}

	cfg := testConfig()
	cfg.ProcessTimeout = 20 * time.Millisecond
	r, err := NewRunner(puller, handler, nil, cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.get("slow") == "nak" }, time.Second, 5*time.Millisecond)
}

func TestOpenCircuitNaksWithoutHandling(t *testing.T) {
	rec := newSettleRecorder()
	puller := &fakePuller{batches: [][]*message.Delivery{{message.NewDelivery("held", nil, rec.acker("held"))}}}

	var calls atomic.Int32
	handler := func(ctx context.Context, d *message.Delivery) error {
		calls.Add(1)
		return nil
	}

	cb := concurrency.NewCircuitBreaker(1, time.Hour)
	cb.RecordFailure()
	limiter := concurrency.NewLimiterWithCircuitBreaker(2, cb)

	r, err := NewRunner(puller, handler, limiter, testConfig(), zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.get("held") == "nak" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestWorkersRunConcurrently(t *testing.T) {
	rec := newSettleRecorder()
	batch := make([]*message.Delivery, 0, 4)
	for _, s := range []string{"a", "b", "c", "d"} {
		batch = append(batch, message.NewDelivery(s, nil, rec.acker(s)))
	}
	puller := &fakePuller{batches: [][]*message.Delivery{batch}}

	var inFlight, peak atomic.Int32
	handler := func(ctx context.Context, d *message.Delivery) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	r, err := NewRunner(puller, handler, nil, testConfig(), zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count() == 4 }, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestSettleMapping(t *testing.T) {
	r, err := NewRunner(&fakePuller{}, func(ctx context.Context, d *message.Delivery) error { return nil }, nil, testConfig(), zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "ack"},
		{"cancelled", context.Canceled, "nak"},
		{"circuit", concurrency.ErrCircuitOpen, "nak"},
		{"executor", sdkerrors.NewExecutorError(errors.New("boom")), "nak"},
		{"bad request", sdkerrors.NewBadRequestError("bad", nil), "term"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newSettleRecorder()
			r.settle(message.NewDelivery(tt.name, nil, rec.acker(tt.name)), tt.err)
			assert.Equal(t, tt.want, rec.get(tt.name))
		})
	}
}
