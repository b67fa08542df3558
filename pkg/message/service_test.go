package message

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkerrors "github.com/wehubfusion/Talos/pkg/errors"
	"go.uber.org/zap/zaptest"
)

// mockJS is an in-memory JSContext
type mockJS struct {
	mu          sync.Mutex
	streams     map[string]*nats.StreamInfo
	consumers   map[string]*nats.ConsumerConfig
	published   map[string][][]byte
	failPublish int
	fetch       []*nats.Msg
	fetchErr    error
	updates     int
}

func newMockJS() *mockJS {
	return &mockJS{
		streams:   make(map[string]*nats.StreamInfo),
		consumers: make(map[string]*nats.ConsumerConfig),
		published: make(map[string][][]byte),
	}
}

func (m *mockJS) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPublish > 0 {
		m.failPublish--
		return nil, errors.New("no responders")
	}
	m.published[subj] = append(m.published[subj], data)
	return &nats.PubAck{Stream: "S"}, nil
}

func (m *mockJS) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	return &mockPullSub{js: m}, nil
}

func (m *mockJS) StreamInfo(stream string) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.streams[stream]; ok {
		return info, nil
	}
	return nil, nats.ErrStreamNotFound
}

func (m *mockJS) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := &nats.StreamInfo{Config: *cfg}
	m.streams[cfg.Name] = info
	return info, nil
}

func (m *mockJS) UpdateStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	info := &nats.StreamInfo{Config: *cfg}
	m.streams[cfg.Name] = info
	return info, nil
}

func (m *mockJS) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.consumers[stream+"/"+consumer]; ok {
		return &nats.ConsumerInfo{Stream: stream, Name: consumer, Config: *cfg}, nil
	}
	return nil, nats.ErrConsumerNotFound
}

func (m *mockJS) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers[stream+"/"+cfg.Durable] = cfg
	return &nats.ConsumerInfo{Stream: stream, Name: cfg.Durable, Config: *cfg}, nil
}

func (m *mockJS) subjectsOf(stream string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.streams[stream]; ok {
		return info.Config.Subjects
	}
	return nil
}

type mockPullSub struct {
	js *mockJS
}

func (s *mockPullSub) Unsubscribe() error { return nil }

func (s *mockPullSub) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	s.js.mu.Lock()
	defer s.js.mu.Unlock()
	if s.js.fetchErr != nil {
		return nil, s.js.fetchErr
	}
	n := min(batch, len(s.js.fetch))
	out := s.js.fetch[:n]
	s.js.fetch = s.js.fetch[n:]
	return out, nil
}

// mockConn is an in-memory CoreConn
type mockConn struct {
	mu        sync.Mutex
	reply     *nats.Msg
	err       error
	published map[string][]byte
	handlers  map[string]nats.MsgHandler
}

func (c *mockConn) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.reply, nil
}

func (c *mockConn) QueueSubscribe(subj, queue string, cb nats.MsgHandler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string]nats.MsgHandler)
	}
	c.handlers[subj] = cb
	return &mockSubscription{}, nil
}

func (c *mockConn) Publish(subj string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.published == nil {
		c.published = make(map[string][]byte)
	}
	c.published[subj] = data
	return nil
}

type mockSubscription struct{}

func (mockSubscription) Unsubscribe() error { return nil }
func (mockSubscription) Drain() error       { return nil }

func newTestService(t *testing.T, js *mockJS, conn CoreConn) *MessageService {
	t.Helper()
	svc, err := NewMessageService(js, conn, ServiceConfig{RetryDelay: time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return svc
}

func TestNewMessageServiceRequiresJetStream(t *testing.T) {
	_, err := NewMessageService(nil, nil, ServiceConfig{}, nil)
	assert.Error(t, err)
}

func TestEnsureStreamCreatesThenExtends(t *testing.T) {
	js := newMockJS()
	svc := newTestService(t, js, nil)

	require.NoError(t, svc.EnsureStream("EVENTS", "events.activity.executed"))
	assert.Equal(t, []string{"events.activity.executed"}, js.subjectsOf("EVENTS"))

	require.NoError(t, svc.EnsureStream("EVENTS", "events.activity.executed"))
	assert.Equal(t, 0, js.updates)

	require.NoError(t, svc.EnsureStream("EVENTS", "events.activity.failed"))
	assert.Equal(t, 1, js.updates)
	assert.ElementsMatch(t, []string{"events.activity.executed", "events.activity.failed"}, js.subjectsOf("EVENTS"))
}

func TestEnsureConsumerIsIdempotent(t *testing.T) {
	js := newMockJS()
	svc := newTestService(t, js, nil)

	require.NoError(t, svc.EnsureConsumer("ACTIVITIES", "proc-1", "ACTIVITIES.execute"))
	require.NoError(t, svc.EnsureConsumer("ACTIVITIES", "proc-1", "ACTIVITIES.execute"))

	cfg := js.consumers["ACTIVITIES/proc-1"]
	require.NotNil(t, cfg)
	assert.Equal(t, nats.AckExplicitPolicy, cfg.AckPolicy)
	assert.Equal(t, 5, cfg.MaxDeliver)
	assert.Equal(t, "ACTIVITIES.execute", cfg.FilterSubject)
}

func TestStreamNameForSubject(t *testing.T) {
	svc := newTestService(t, newMockJS(), nil)
	assert.Equal(t, "RESULTS", svc.StreamNameForSubject("result"))
	assert.Equal(t, "EVENTS", svc.StreamNameForSubject("events.activity.failed"))
	assert.Equal(t, "CONTROLPLANE", svc.StreamNameForSubject("controlplane.processor.create"))
}

func TestPublishEnsuresLiteralSubjectStream(t *testing.T) {
	js := newMockJS()
	svc := newTestService(t, js, nil)

	require.NoError(t, svc.Publish(context.Background(), "controlplane.processor.create", map[string]string{"name": "p"}))
	assert.Equal(t, []string{"controlplane.processor.create"}, js.subjectsOf("CONTROLPLANE"))
	require.Len(t, js.published["controlplane.processor.create"], 1)
	assert.JSONEq(t, `{"name":"p"}`, string(js.published["controlplane.processor.create"][0]))
}

func TestPublishRejectsBadInput(t *testing.T) {
	svc := newTestService(t, newMockJS(), nil)

	err := svc.Publish(context.Background(), "", struct{}{})
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidSubject)

	err = svc.Publish(context.Background(), "a.b", nil)
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidMessage)
}

func TestPublishFailureIsTransportError(t *testing.T) {
	js := newMockJS()
	js.failPublish = 1
	svc := newTestService(t, js, nil)

	err := svc.Publish(context.Background(), "events.activity.executed", struct{}{})
	require.Error(t, err)
	assert.True(t, sdkerrors.IsType(err, sdkerrors.TransportUnavailable))
	assert.ErrorIs(t, err, sdkerrors.ErrPublishFailed)
}

func TestPublishResultRetries(t *testing.T) {
	js := newMockJS()
	js.failPublish = 2
	svc := newTestService(t, js, nil)

	require.NoError(t, svc.PublishResult(context.Background(), map[string]string{"status": "Completed"}))
	assert.Len(t, js.published["result"], 1)
	assert.Equal(t, []string{"result"}, js.subjectsOf("RESULTS"))
}

func TestPublishResultGivesUp(t *testing.T) {
	js := newMockJS()
	js.failPublish = 10
	svc := newTestService(t, js, nil)

	err := svc.PublishResult(context.Background(), struct{}{})
	require.Error(t, err)
	assert.Empty(t, js.published["result"])
}

func TestPullMessages(t *testing.T) {
	js := newMockJS()
	js.fetch = []*nats.Msg{
		{Subject: "ACTIVITIES.execute", Data: []byte(`{"a":1}`)},
		{Subject: "ACTIVITIES.execute", Data: []byte(`{"a":2}`)},
	}
	svc := newTestService(t, js, nil)

	got, err := svc.PullMessages(context.Background(), "ACTIVITIES", "proc", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ACTIVITIES.execute", got[0].Subject)
	assert.Equal(t, uint64(1), got[0].NumDelivered)

	var body map[string]int
	require.NoError(t, got[1].Decode(&body))
	assert.Equal(t, 2, body["a"])
}

func TestPullMessagesTimeoutIsEmpty(t *testing.T) {
	js := newMockJS()
	js.fetchErr = nats.ErrTimeout
	svc := newTestService(t, js, nil)

	got, err := svc.PullMessages(context.Background(), "ACTIVITIES", "proc", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPullMessagesErrors(t *testing.T) {
	js := newMockJS()
	js.fetchErr = errors.New("consumer deleted")
	svc := newTestService(t, js, nil)

	_, err := svc.PullMessages(context.Background(), "ACTIVITIES", "proc", 10)
	require.Error(t, err)
	assert.True(t, sdkerrors.IsType(err, sdkerrors.TransportUnavailable))

	_, err = svc.PullMessages(context.Background(), "", "proc", 10)
	assert.Error(t, err)
}

func TestRequestErrorMapping(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, err error)
	}{
		{"timeout", nats.ErrTimeout, func(t *testing.T, err error) { assert.ErrorIs(t, err, sdkerrors.ErrTimeout) }},
		{"deadline", context.DeadlineExceeded, func(t *testing.T, err error) { assert.ErrorIs(t, err, sdkerrors.ErrTimeout) }},
		{"no responders", nats.ErrNoResponders, func(t *testing.T, err error) { assert.ErrorIs(t, err, sdkerrors.ErrNoResponse) }},
		{"cancelled", context.Canceled, func(t *testing.T, err error) { assert.ErrorIs(t, err, context.Canceled) }},
		{"other", errors.New("boom"), func(t *testing.T, err error) {
			assert.True(t, sdkerrors.IsType(err, sdkerrors.TransportUnavailable))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, newMockJS(), &mockConn{err: tt.err})
			var resp map[string]interface{}
			err := svc.Request(context.Background(), "controlplane.processor.get", map[string]string{}, &resp)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestRequestDecodesReply(t *testing.T) {
	conn := &mockConn{reply: &nats.Msg{Data: []byte(`{"success":true,"definition":"{}"}`)}}
	svc := newTestService(t, newMockJS(), conn)

	var resp GetSchemaDefinitionResponse
	require.NoError(t, svc.Request(context.Background(), "controlplane.schema.get", GetSchemaDefinitionQuery{}, &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "{}", resp.Definition)

	noCore := newTestService(t, newMockJS(), nil)
	err := noCore.Request(context.Background(), "x", struct{}{}, &resp)
	assert.ErrorIs(t, err, sdkerrors.ErrNotConnected)
}

func TestServeRespondsThroughCore(t *testing.T) {
	conn := &mockConn{}
	svc := newTestService(t, newMockJS(), conn)

	_, err := svc.Serve(context.Background(), "processor.health", "proc", func(ctx context.Context, r *Request) {
		var q GetHealthStatusRequest
		if err := r.Decode(&q); err != nil {
			return
		}
		_ = r.Respond(HealthResponse{RequestID: q.RequestID, Status: Healthy})
	})
	require.NoError(t, err)

	body, _ := json.Marshal(GetHealthStatusRequest{RequestID: "r1"})
	conn.handlers["processor.health"](&nats.Msg{Subject: "processor.health", Data: body, Reply: "_INBOX.1"})

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(conn.published["_INBOX.1"], &resp))
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, Healthy, resp.Status)

	// Requests without a reply inbox are dropped silently
	require.NoError(t, NewRequest("processor.health", body, "", conn).Respond(resp))
}
