// Package client owns the processor's NATS connection and the services built on it.
package client

import (
	"context"
	"fmt"

	natsclient "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/wehubfusion/Talos/internal/nats"
	sdkerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/message"
	"go.uber.org/zap"
)

// Client is the central NATS client. It manages the connection and exposes
// the message service (JetStream publish/pull plus core request/reply) and the
// JetStream KeyValue API.
//
// Example usage:
//
//	c := client.NewClient(nats.DefaultConnectionConfig("nats://localhost:4222"), message.ServiceConfig{}, logger)
//	if err := c.Connect(ctx); err != nil {
//	    logger.Fatal("Failed to connect", zap.Error(err))
//	}
//	defer c.Close()
type Client struct {
	conn       *natsclient.Conn
	js         natsclient.JetStreamContext
	kv         jetstream.JetStream
	config     *nats.ConnectionConfig
	serviceCfg message.ServiceConfig
	logger     *zap.Logger

	// Messages provides publish, pull and request/reply operations
	Messages *message.MessageService
}

// NewClient creates a client. Connect must be called before use.
func NewClient(config *nats.ConnectionConfig, serviceCfg message.ServiceConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config:     config,
		serviceCfg: serviceCfg,
		logger:     logger,
	}
}

// NewClientWithJSContext creates a client wired to provided JetStream and core
// implementations. Useful for tests to avoid connecting to a real NATS server.
func NewClientWithJSContext(js message.JSContext, core message.CoreConn, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc, _ := message.NewMessageService(js, core, message.ServiceConfig{}, logger)
	return &Client{
		Messages: svc,
		logger:   logger,
	}
}

// Connect establishes a connection to the NATS server and initializes both
// JetStream APIs. Returns an error if JetStream is not enabled on the server.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	conn, err := nats.Connect(ctx, c.config, c.logger)
	if err != nil {
		return sdkerrors.NewTransportError("failed to connect to NATS", err)
	}
	c.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		return sdkerrors.NewTransportError("JetStream is not enabled on the NATS server", err)
	}
	c.js = js

	kv, err := jetstream.New(conn)
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn, c.js = nil, nil
		return sdkerrors.NewTransportError("failed to initialize JetStream API", err)
	}
	c.kv = kv

	msgService, err := message.NewMessageService(
		message.WrapNATSJetStream(c.js),
		message.WrapNATSConn(c.conn),
		c.serviceCfg,
		c.logger,
	)
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn, c.js, c.kv = nil, nil, nil
		return sdkerrors.NewInternalError("failed to initialize message service", "SERVICE_INIT_FAILED", err)
	}
	c.Messages = msgService

	c.logger.Info("Connected to NATS",
		zap.String("url", conn.ConnectedUrl()),
		zap.String("name", c.config.Name))
	return nil
}

// Close drains the NATS connection and releases the services
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := nats.Close(c.conn); err != nil {
		return sdkerrors.NewTransportError("failed to close connection", err)
	}
	c.conn, c.js, c.kv = nil, nil, nil
	c.Messages = nil
	return nil
}

// IsConnected returns true if the client is currently connected to the NATS server
func (c *Client) IsConnected() bool {
	return nats.IsConnected(c.conn)
}

// Connection returns the underlying NATS connection
func (c *Client) Connection() *natsclient.Conn {
	return c.conn
}

// KeyValue returns the JetStream API used for KeyValue buckets, or nil before Connect
func (c *Client) KeyValue() jetstream.JetStream {
	return c.kv
}

// Stats returns current connection statistics
func (c *Client) Stats() ConnectionStats {
	if c.conn == nil {
		return ConnectionStats{}
	}
	stats := c.conn.Stats()
	return ConnectionStats{
		InMsgs:     stats.InMsgs,
		OutMsgs:    stats.OutMsgs,
		InBytes:    stats.InBytes,
		OutBytes:   stats.OutBytes,
		Reconnects: stats.Reconnects,
	}
}

// ConnectionStats holds connection statistics for monitoring and debugging.
type ConnectionStats struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}

// Ping round-trips to the server to verify the connection is alive.
// The operation respects the context deadline.
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return sdkerrors.NewTransportError("not connected to NATS", sdkerrors.ErrNotConnected)
	}

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- c.conn.FlushTimeout(c.config.Timeout)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ping cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			return sdkerrors.NewTransportError("ping failed", err)
		}
		return nil
	}
}
