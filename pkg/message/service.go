package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	sdkerrors "github.com/wehubfusion/Talos/pkg/errors"
	"go.uber.org/zap"
)

// JSContext defines the minimal subset of JetStream operations the service depends on.
// This allows tests to provide a mock without requiring a running NATS server.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error)
}

// JSSubscription abstracts operations used by the service from a pull subscription
type JSSubscription interface {
	Unsubscribe() error
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// CoreConn is the core NATS surface used for request/reply
type CoreConn interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (Subscription, error)
	Publish(subj string, data []byte) error
}

// Subscription is a core NATS subscription
type Subscription interface {
	Unsubscribe() error
	Drain() error
}

// WrapNATSJetStream adapts a nats.JetStreamContext to the JSContext interface.
func WrapNATSJetStream(js nats.JetStreamContext) JSContext {
	return &natsJSAdapter{js: js}
}

type natsJSAdapter struct {
	js nats.JetStreamContext
}

func (a *natsJSAdapter) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.Publish(subj, data, opts...)
}

func (a *natsJSAdapter) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	sub, err := a.js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (a *natsJSAdapter) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream)
}

func (a *natsJSAdapter) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg)
}

func (a *natsJSAdapter) UpdateStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.UpdateStream(cfg)
}

func (a *natsJSAdapter) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	return a.js.ConsumerInfo(stream, consumer)
}

func (a *natsJSAdapter) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	return a.js.AddConsumer(stream, cfg)
}

// WrapNATSConn adapts a *nats.Conn to the CoreConn interface
func WrapNATSConn(nc *nats.Conn) CoreConn {
	return &natsConnAdapter{nc: nc}
}

type natsConnAdapter struct {
	nc *nats.Conn
}

func (a *natsConnAdapter) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	return a.nc.RequestWithContext(ctx, subj, data)
}

func (a *natsConnAdapter) QueueSubscribe(subj, queue string, cb nats.MsgHandler) (Subscription, error) {
	sub, err := a.nc.QueueSubscribe(subj, queue, cb)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (a *natsConnAdapter) Publish(subj string, data []byte) error {
	return a.nc.Publish(subj, data)
}

// ServiceConfig tunes a MessageService
type ServiceConfig struct {
	// MaxDeliver bounds redeliveries for consumers created by EnsureConsumer (default 5)
	MaxDeliver int
	// AckWait is how long JetStream waits for a settle before redelivering (default 30s)
	AckWait time.Duration
	// PublishMaxRetries bounds attempts for PublishResult (default 3)
	PublishMaxRetries int
	// RetryDelay is the base delay between result publish attempts (default 1s)
	RetryDelay time.Duration
	// ResultStream is the stream carrying ResultSubject (default RESULTS)
	ResultStream string
	// ResultSubject is where activity results are published (default result)
	ResultSubject string
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 5
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.PublishMaxRetries <= 0 {
		c.PublishMaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.ResultStream == "" {
		c.ResultStream = "RESULTS"
	}
	if c.ResultSubject == "" {
		c.ResultSubject = "result"
	}
	return c
}

// MessageService publishes, pulls and requests JSON messages over NATS.
// Publishing and pulling go through JetStream; request/reply uses core NATS.
type MessageService struct {
	js     JSContext
	core   CoreConn
	cfg    ServiceConfig
	logger *zap.Logger

	ensured sync.Map // subject -> struct{}
	mu      sync.Mutex
}

// NewMessageService creates a new message service. core may be nil when the
// caller never issues requests or serves subscriptions.
func NewMessageService(js JSContext, core CoreConn, cfg ServiceConfig, logger *zap.Logger) (*MessageService, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageService{
		js:     js,
		core:   core,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}, nil
}

// ResultSubject returns the subject results are published on
func (s *MessageService) ResultSubject() string {
	return s.cfg.ResultSubject
}

// EnsureStream creates the stream when missing, or adds any subjects it does not cover yet
func (s *MessageService) EnsureStream(streamName string, subjects ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.js.StreamInfo(streamName)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
		}

		s.logger.Info("Creating JetStream stream",
			zap.String("stream", streamName),
			zap.Strings("subjects", subjects))

		streamConfig := &nats.StreamConfig{
			Name:     streamName,
			Subjects: subjects,
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
			MaxMsgs:  100000,
			Replicas: 1,
		}
		if _, err := s.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
		}
		return nil
	}

	missing := missingSubjects(info.Config.Subjects, subjects)
	if len(missing) == 0 {
		s.logger.Debug("JetStream stream already exists",
			zap.String("stream", streamName),
			zap.Uint64("messages", info.State.Msgs))
		return nil
	}

	cfg := info.Config
	cfg.Subjects = append(append([]string{}, cfg.Subjects...), missing...)
	if _, err := s.js.UpdateStream(&cfg); err != nil {
		return fmt.Errorf("failed to add subjects %v to stream '%s': %w", missing, streamName, err)
	}
	s.logger.Info("Extended JetStream stream subjects",
		zap.String("stream", streamName),
		zap.Strings("added", missing))
	return nil
}

// EnsureConsumer creates a durable pull consumer when missing
func (s *MessageService) EnsureConsumer(streamName, consumerName, filterSubject string) error {
	consumerInfo, err := s.js.ConsumerInfo(streamName, consumerName)
	if err == nil {
		s.logger.Info("JetStream consumer already exists",
			zap.String("stream", streamName),
			zap.String("consumer", consumerName),
			zap.Uint64("pending", consumerInfo.NumPending))
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info for '%s' in stream '%s': %w", consumerName, streamName, err)
	}

	consumerConfig := &nats.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       s.cfg.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
		FilterSubject: filterSubject,
		MaxAckPending: 1000,
		MaxDeliver:    s.cfg.MaxDeliver,
	}
	if _, err := s.js.AddConsumer(streamName, consumerConfig); err != nil {
		return fmt.Errorf("failed to create consumer '%s' in stream '%s': %w", consumerName, streamName, err)
	}

	s.logger.Info("Successfully created JetStream consumer",
		zap.String("stream", streamName),
		zap.String("consumer", consumerName),
		zap.String("filter_subject", filterSubject),
		zap.Int("max_deliver", s.cfg.MaxDeliver))
	return nil
}

// StreamNameForSubject derives the stream that carries subject: the result
// subject maps to the configured result stream, anything else to its upper-cased
// first token.
func (s *MessageService) StreamNameForSubject(subject string) string {
	if subject == s.cfg.ResultSubject {
		return s.cfg.ResultStream
	}
	first := subject
	if idx := strings.IndexByte(subject, '.'); idx > 0 {
		first = subject[:idx]
	}
	return strings.ToUpper(first)
}

// ensureStreamForSubject makes sure some stream captures exactly subject. Streams
// are given literal subjects, never wildcards, so request/reply subjects that
// share a prefix are not swallowed by a stream.
func (s *MessageService) ensureStreamForSubject(subject string) error {
	if _, ok := s.ensured.Load(subject); ok {
		return nil
	}
	if err := s.EnsureStream(s.StreamNameForSubject(subject), subject); err != nil {
		return err
	}
	s.ensured.Store(subject, struct{}{})
	return nil
}

// Publish marshals v as JSON and publishes it on subject through JetStream
func (s *MessageService) Publish(ctx context.Context, subject string, v interface{}) error {
	if subject == "" {
		return sdkerrors.NewAppError(sdkerrors.Internal, "INVALID_SUBJECT", "subject cannot be empty", sdkerrors.ErrInvalidSubject)
	}
	if v == nil {
		return sdkerrors.NewAppError(sdkerrors.Internal, "INVALID_MESSAGE", "message cannot be nil", sdkerrors.ErrInvalidMessage)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return sdkerrors.NewInternalError("failed to marshal message", "MARSHAL_FAILED", err)
	}

	if err := s.ensureStreamForSubject(subject); err != nil {
		s.logger.Error("Failed to ensure stream exists",
			zap.String("subject", subject),
			zap.Error(err))
		return sdkerrors.NewTransportError("failed to ensure stream exists", err)
	}

	if err := s.publish(ctx, subject, data); err != nil {
		s.logger.Error("Failed to publish message to JetStream",
			zap.String("subject", subject),
			zap.Error(err))
		return err
	}

	s.logger.Debug("Message published",
		zap.String("subject", subject),
		zap.Int("size_bytes", len(data)))
	return nil
}

func (s *MessageService) publish(ctx context.Context, subject string, data []byte) error {
	resultCh := make(chan error, 1)
	go func() {
		_, err := s.js.Publish(subject, data)
		resultCh <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("publish cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			return sdkerrors.NewTransportError("failed to publish message to JetStream",
				fmt.Errorf("%w: %v", sdkerrors.ErrPublishFailed, err))
		}
		return nil
	}
}

// PublishResult publishes v on the result subject, retrying with a linear
// backoff up to PublishMaxRetries attempts.
func (s *MessageService) PublishResult(ctx context.Context, v interface{}) error {
	subject := s.cfg.ResultSubject
	data, err := json.Marshal(v)
	if err != nil {
		return sdkerrors.NewInternalError("failed to marshal result", "MARSHAL_FAILED", err)
	}

	if err := s.ensureStreamForSubject(subject); err != nil {
		s.logger.Error("Failed to ensure result stream exists",
			zap.String("stream", s.cfg.ResultStream),
			zap.String("subject", subject),
			zap.Error(err))
		return sdkerrors.NewTransportError("failed to ensure result stream exists", err)
	}

	var publishErr error
	for attempt := 1; attempt <= s.cfg.PublishMaxRetries; attempt++ {
		publishErr = s.publish(ctx, subject, data)
		if publishErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return publishErr
		}
		if attempt < s.cfg.PublishMaxRetries {
			s.logger.Warn("Failed to publish result, retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", s.cfg.PublishMaxRetries),
				zap.Error(publishErr))
			select {
			case <-time.After(time.Duration(attempt) * s.cfg.RetryDelay):
			case <-ctx.Done():
				return fmt.Errorf("publish result cancelled: %w", ctx.Err())
			}
		}
	}

	s.logger.Error("Failed to publish result after all retries",
		zap.Int("attempts", s.cfg.PublishMaxRetries),
		zap.Error(publishErr))
	return publishErr
}

// PullMessages fetches up to batchSize messages from a durable pull consumer.
// Messages are NOT acknowledged; the caller settles each Delivery.
// An empty slice (not an error) is returned when nothing arrived before the wait expired.
func (s *MessageService) PullMessages(ctx context.Context, stream, consumer string, batchSize int) ([]*Delivery, error) {
	if stream == "" || consumer == "" {
		return nil, fmt.Errorf("stream and consumer names are required")
	}
	if batchSize <= 0 {
		batchSize = 10
	}

	type result struct {
		msgs []*Delivery
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		sub, err := s.js.PullSubscribe("", consumer, nats.Bind(stream, consumer))
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		defer sub.Unsubscribe()

		timeout := 3 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}

		natsMessages, err := sub.Fetch(batchSize, nats.MaxWait(timeout))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				resultCh <- result{msgs: []*Delivery{}}
				return
			}
			resultCh <- result{err: err}
			return
		}

		deliveries := make([]*Delivery, 0, len(natsMessages))
		for _, m := range natsMessages {
			deliveries = append(deliveries, FromNATSMsg(m))
		}
		resultCh <- result{msgs: deliveries}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			s.logger.Debug("Pull messages cancelled during shutdown",
				zap.String("stream", stream),
				zap.String("consumer", consumer))
		} else {
			s.logger.Warn("Pull messages cancelled",
				zap.String("stream", stream),
				zap.String("consumer", consumer),
				zap.Error(ctx.Err()))
		}
		return nil, fmt.Errorf("pull cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			s.logger.Error("Failed to pull messages from JetStream",
				zap.String("stream", stream),
				zap.String("consumer", consumer),
				zap.Error(res.err))
			return nil, sdkerrors.NewTransportError("failed to pull messages from JetStream", res.err)
		}
		return res.msgs, nil
	}
}

// Request sends req as JSON on subject and decodes the reply into resp. A
// deadline or nats timeout maps to ErrTimeout; a subject nobody serves maps to
// ErrNoResponse.
func (s *MessageService) Request(ctx context.Context, subject string, req, resp interface{}) error {
	if s.core == nil {
		return sdkerrors.NewTransportError("request/reply not configured", sdkerrors.ErrNotConnected)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return sdkerrors.NewInternalError("failed to marshal request", "MARSHAL_FAILED", err)
	}

	msg, err := s.core.RequestWithContext(ctx, subject, data)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
			return fmt.Errorf("request %s: %w", subject, sdkerrors.ErrTimeout)
		case errors.Is(err, nats.ErrNoResponders):
			return fmt.Errorf("request %s: %w", subject, sdkerrors.ErrNoResponse)
		case errors.Is(err, context.Canceled):
			return fmt.Errorf("request %s cancelled: %w", subject, err)
		}
		return sdkerrors.NewTransportError("request "+subject+" failed", err)
	}

	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return sdkerrors.NewInternalError("failed to decode reply from "+subject, "DECODE_FAILED", err)
	}
	return nil
}

// Serve answers core NATS requests on subject within a queue group. Each request
// is handled on the subscription's goroutine with ctx as its parent context.
func (s *MessageService) Serve(ctx context.Context, subject, queue string, handle func(context.Context, *Request)) (Subscription, error) {
	if s.core == nil {
		return nil, sdkerrors.NewTransportError("request/reply not configured", sdkerrors.ErrNotConnected)
	}
	sub, err := s.core.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		handle(ctx, NewRequest(m.Subject, m.Data, m.Reply, s.core))
	})
	if err != nil {
		return nil, sdkerrors.NewTransportError("failed to subscribe to "+subject, err)
	}
	s.logger.Info("Serving requests",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return sub, nil
}

func missingSubjects(have, want []string) []string {
	var missing []string
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, w)
		}
	}
	return missing
}
