package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Talos/pkg/activity"
	"github.com/wehubfusion/Talos/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/identity"
	"github.com/wehubfusion/Talos/pkg/message"
	"go.uber.org/zap/zaptest"
)

type fakeIdentity struct {
	id  uuid.UUID
	err error
	// resolved controls what Current reports
	resolved bool
}

func (f *fakeIdentity) IsForThisProcessor(ctx context.Context, candidate uuid.UUID) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return candidate == f.id, nil
}

func (f *fakeIdentity) Current() (*identity.Processor, bool) {
	if !f.resolved {
		return nil, false
	}
	return &identity.Processor{ID: f.id, InputSchema: "{}"}, true
}

type fakeConnection struct {
	connected bool
	pingErr   error
}

func (f *fakeConnection) IsConnected() bool              { return f.connected }
func (f *fakeConnection) Ping(ctx context.Context) error { return f.pingErr }

type fakePipeline struct {
	mu   sync.Mutex
	reqs []activity.Request
}

func (f *fakePipeline) Process(ctx context.Context, req activity.Request) activity.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return activity.Result{ExecutionID: req.ExecutionID, Status: activity.StatusCompleted}
}

// replyCapture records replies sent through message.Request.Respond
type replyCapture struct {
	mu      sync.Mutex
	replies map[string][]byte
}

func (r *replyCapture) Publish(subj string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replies == nil {
		r.replies = make(map[string][]byte)
	}
	r.replies[subj] = data
	return nil
}

func (r *replyCapture) get(subj string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.replies[subj]
	return data, ok
}

type nopSubscription struct{ unsubscribed bool }

func (s *nopSubscription) Unsubscribe() error { s.unsubscribed = true; return nil }
func (s *nopSubscription) Drain() error       { return nil }

// fakeServer keeps the registered handlers so tests can invoke them
type fakeServer struct {
	handlers map[string]func(context.Context, *message.Request)
	failOn   string
	subs     []*nopSubscription
}

func (s *fakeServer) Serve(ctx context.Context, subject, queue string, handle func(context.Context, *message.Request)) (message.Subscription, error) {
	if subject == s.failOn {
		return nil, errors.New("subscribe failed")
	}
	if s.handlers == nil {
		s.handlers = make(map[string]func(context.Context, *message.Request))
	}
	s.handlers[subject] = handle
	sub := &nopSubscription{}
	s.subs = append(s.subs, sub)
	return sub, nil
}

func newTestGateway(t *testing.T, id *fakeIdentity, stats *activity.Statistics, checks map[string]Check) (*Gateway, *fakePipeline) {
	t.Helper()
	pipe := &fakePipeline{}
	g, err := New(Dependencies{Identity: id, Pipeline: pipe, Statistics: stats, Checks: checks}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return g, pipe
}

func commandDelivery(t *testing.T, cmd message.ExecuteActivityCommand) *message.Delivery {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return message.NewDelivery("ACTIVITIES.execute", data, nil)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Dependencies{Pipeline: &fakePipeline{}}, nil)
	assert.Error(t, err)
	_, err = New(Dependencies{Identity: &fakeIdentity{}}, nil)
	assert.Error(t, err)
}

func TestHandleDispatchesOwnActivity(t *testing.T) {
	id := &fakeIdentity{id: uuid.New(), resolved: true}
	g, pipe := newTestGateway(t, id, nil, nil)

	cmd := message.ExecuteActivityCommand{
		ProcessorID:        id.id,
		OrchestratedFlowID: uuid.New(),
		StepID:             uuid.New(),
		ExecutionID:        uuid.New(),
		Entities:           []json.RawMessage{json.RawMessage(`{"a":1}`)},
		CorrelationID:      "corr-1",
	}
	require.NoError(t, g.Handle(context.Background(), commandDelivery(t, cmd)))

	require.Len(t, pipe.reqs, 1)
	req := pipe.reqs[0]
	assert.Equal(t, cmd.ExecutionID, req.ExecutionID)
	assert.Equal(t, cmd.OrchestratedFlowID, req.OrchestratedFlowID)
	assert.Equal(t, "corr-1", req.CorrelationID)
	assert.Len(t, req.Entities, 1)
}

func TestHandleIgnoresOtherProcessors(t *testing.T) {
	id := &fakeIdentity{id: uuid.New(), resolved: true}
	g, pipe := newTestGateway(t, id, nil, nil)

	cmd := message.ExecuteActivityCommand{ProcessorID: uuid.New(), ExecutionID: uuid.New()}
	require.NoError(t, g.Handle(context.Background(), commandDelivery(t, cmd)))
	assert.Empty(t, pipe.reqs)
}

func TestHandleUndecodableIsBadRequest(t *testing.T) {
	g, pipe := newTestGateway(t, &fakeIdentity{id: uuid.New()}, nil, nil)

	err := g.Handle(context.Background(), message.NewDelivery("ACTIVITIES.execute", []byte("{not json"), nil))
	require.Error(t, err)
	assert.True(t, sdkerrors.IsType(err, sdkerrors.BadRequest))
	assert.False(t, sdkerrors.Retryable(err))
	assert.Empty(t, pipe.reqs)
}

func TestHandleIdentityFailureIsRetryable(t *testing.T) {
	idErr := sdkerrors.NewInitializationError("control plane down", sdkerrors.ErrTimeout)
	g, pipe := newTestGateway(t, &fakeIdentity{err: idErr}, nil, nil)

	err := g.Handle(context.Background(), commandDelivery(t, message.ExecuteActivityCommand{ProcessorID: uuid.New()}))
	require.Error(t, err)
	assert.True(t, sdkerrors.Retryable(err))
	assert.Empty(t, pipe.reqs)
}

func TestHealthFoldsChecks(t *testing.T) {
	ok := func(ctx context.Context) message.HealthCheck { return message.HealthCheck{Status: message.Healthy} }
	degraded := func(ctx context.Context) message.HealthCheck { return message.HealthCheck{Status: message.Degraded} }
	down := func(ctx context.Context) message.HealthCheck { return message.HealthCheck{Status: message.Unhealthy} }
	panics := func(ctx context.Context) message.HealthCheck { panic("boom") }

	tests := []struct {
		name   string
		checks map[string]Check
		want   string
	}{
		{"no checks", nil, message.Healthy},
		{"all healthy", map[string]Check{"a": ok, "b": ok}, message.Healthy},
		{"one degraded", map[string]Check{"a": ok, "b": degraded}, message.Degraded},
		{"one unhealthy", map[string]Check{"a": degraded, "b": down}, message.Unhealthy},
		{"panicking check", map[string]Check{"a": ok, "b": panics}, message.Unhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := &fakeIdentity{id: uuid.New(), resolved: true}
			g, _ := newTestGateway(t, id, nil, tt.checks)

			resp := g.Health(context.Background(), message.GetHealthStatusRequest{RequestID: "r1"})
			assert.Equal(t, tt.want, resp.Status)
			assert.Equal(t, "r1", resp.RequestID)
			assert.Equal(t, id.id, resp.ProcessorID)
			assert.Len(t, resp.Checks, len(tt.checks))
			assert.NotEmpty(t, resp.Uptime)
		})
	}
}

func TestBuiltInChecks(t *testing.T) {
	conn := &fakeConnection{connected: true}
	check := ConnectionCheck(conn)
	assert.Equal(t, message.Healthy, check(context.Background()).Status)
	conn.pingErr = errors.New("flush timeout")
	assert.Equal(t, message.Degraded, check(context.Background()).Status)
	conn.pingErr = fmt.Errorf("ping: %w", sdkerrors.ErrNotConnected)
	assert.Equal(t, message.Unhealthy, check(context.Background()).Status)
	conn.connected = false
	assert.Equal(t, message.Unhealthy, check(context.Background()).Status)

	unresolved := IdentityCheck(&fakeIdentity{})
	assert.Equal(t, message.Degraded, unresolved(context.Background()).Status)

	id := uuid.New()
	resolved := IdentityCheck(&fakeIdentity{id: id, resolved: true})(context.Background())
	assert.Equal(t, message.Healthy, resolved.Status)
	assert.Equal(t, id.String(), resolved.Data["processor_id"])
	assert.Equal(t, "true", resolved.Data["input_schema"])
	assert.Equal(t, "false", resolved.Data["output_schema"])

	schemas := SchemaCacheCheck(func() int { return 7 })(context.Background())
	assert.Equal(t, "7", schemas.Data["entries"])
}

func TestLimiterCheckReportsAdmission(t *testing.T) {
	l := concurrency.NewLimiterWithCircuitBreaker(4, concurrency.NewCircuitBreaker(1, time.Hour))
	check := LimiterCheck(l)

	require.NoError(t, l.Do(context.Background(), func() error { return nil }, sdkerrors.Retryable))
	hc := check(context.Background())
	assert.Equal(t, message.Healthy, hc.Status)
	assert.Equal(t, "closed", hc.Data["circuit"])
	assert.Equal(t, "4", hc.Data["capacity"])
	assert.Equal(t, "1", hc.Data["acquired"])
	assert.Equal(t, "1", hc.Data["peak"])
	assert.Equal(t, "0", hc.Data["active"])
	assert.NotEmpty(t, hc.Data["average_wait_time"])

	boom := sdkerrors.NewTransportError("publish", errors.New("nats down"))
	require.Error(t, l.Do(context.Background(), func() error { return boom }, sdkerrors.Retryable))
	assert.ErrorIs(t, l.Do(context.Background(), func() error { return nil }, sdkerrors.Retryable), concurrency.ErrCircuitOpen)

	hc = check(context.Background())
	assert.Equal(t, message.Degraded, hc.Status)
	assert.Equal(t, "open", hc.Data["circuit"])
	assert.Equal(t, "1", hc.Data["rejected"])
}

func TestStatisticsSummarizesWindow(t *testing.T) {
	stats := activity.NewStatistics(10)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	stats.Record(activity.Outcome{At: base, Success: true, Duration: 10 * time.Millisecond})
	stats.Record(activity.Outcome{At: base.Add(time.Minute), Success: false, Duration: 30 * time.Millisecond})
	stats.Record(activity.Outcome{At: base.Add(time.Hour), Success: true, Duration: time.Second})

	id := &fakeIdentity{id: uuid.New(), resolved: true}
	g, _ := newTestGateway(t, id, stats, nil)

	from, to := base, base.Add(time.Minute)
	resp := g.Statistics(context.Background(), message.GetStatisticsRequest{RequestID: "s1", FromDate: &from, ToDate: &to})
	require.True(t, resp.Success)
	assert.Equal(t, int64(2), resp.TotalActivities)
	assert.Equal(t, int64(1), resp.Succeeded)
	assert.Equal(t, int64(1), resp.Failed)
	assert.InDelta(t, 20.0, resp.AverageDurationMs, 0.001)
	assert.Equal(t, "s1", resp.RequestID)

	resp = g.Statistics(context.Background(), message.GetStatisticsRequest{FromDate: &to, ToDate: &from})
	assert.False(t, resp.Success)
}

func TestStatisticsWithoutCollector(t *testing.T) {
	g, _ := newTestGateway(t, &fakeIdentity{}, nil, nil)
	resp := g.Statistics(context.Background(), message.GetStatisticsRequest{})
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Message)
}

func TestServeRepliesOnlyToOwnRequests(t *testing.T) {
	id := &fakeIdentity{id: uuid.New(), resolved: true}
	g, _ := newTestGateway(t, id, activity.NewStatistics(10), nil)

	srv := &fakeServer{}
	subs, err := g.Serve(context.Background(), srv, "processor.health", "processor.statistics", "proc")
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	replies := &replyCapture{}
	own, _ := json.Marshal(message.GetHealthStatusRequest{ProcessorID: id.id, RequestID: "mine"})
	srv.handlers["processor.health"](context.Background(), message.NewRequest("processor.health", own, "inbox.1", replies))

	other, _ := json.Marshal(message.GetHealthStatusRequest{ProcessorID: uuid.New(), RequestID: "theirs"})
	srv.handlers["processor.health"](context.Background(), message.NewRequest("processor.health", other, "inbox.2", replies))

	stats, _ := json.Marshal(message.GetStatisticsRequest{ProcessorID: id.id, RequestID: "stats"})
	srv.handlers["processor.statistics"](context.Background(), message.NewRequest("processor.statistics", stats, "inbox.3", replies))

	srv.handlers["processor.statistics"](context.Background(), message.NewRequest("processor.statistics", []byte("nope"), "inbox.4", replies))

	data, ok := replies.get("inbox.1")
	require.True(t, ok)
	var health message.HealthResponse
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "mine", health.RequestID)
	assert.Equal(t, message.Healthy, health.Status)

	_, ok = replies.get("inbox.2")
	assert.False(t, ok)

	data, ok = replies.get("inbox.3")
	require.True(t, ok)
	var statsResp message.StatisticsResponse
	require.NoError(t, json.Unmarshal(data, &statsResp))
	assert.True(t, statsResp.Success)

	data, ok = replies.get("inbox.4")
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(data, &statsResp))
	assert.False(t, statsResp.Success)
}

func TestServeUnsubscribesOnPartialFailure(t *testing.T) {
	g, _ := newTestGateway(t, &fakeIdentity{}, nil, nil)
	srv := &fakeServer{failOn: "processor.statistics"}

	_, err := g.Serve(context.Background(), srv, "processor.health", "processor.statistics", "proc")
	require.Error(t, err)
	require.Len(t, srv.subs, 1)
	assert.True(t, srv.subs[0].unsubscribed)
}
