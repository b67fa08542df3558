// Package nats opens and closes the processor's NATS connection
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ConnectionConfig holds configuration for NATS connection
type ConnectionConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string

	// Name is the client name for identifying this connection
	Name string

	// MaxReconnects is the maximum number of reconnection attempts.
	// Use -1 for unlimited reconnects
	MaxReconnects int

	// ReconnectWait is the time to wait between reconnection attempts
	ReconnectWait time.Duration

	// Timeout is the connection timeout
	Timeout time.Duration

	Token    string
	Username string
	Password string
}

// DefaultConnectionConfig returns a configuration with sensible defaults
func DefaultConnectionConfig(url string) *ConnectionConfig {
	return &ConnectionConfig{
		URL:           url,
		Name:          "talos-processor",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Options builds the nats.go options for config, reporting connection state
// changes through logger.
func Options(config *ConnectionConfig, logger *zap.Logger) []nats.Option {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.Timeout(config.Timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS async error", fields...)
		}),
	}

	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	} else if config.Username != "" && config.Password != "" {
		opts = append(opts, nats.UserInfo(config.Username, config.Password))
	}
	return opts
}

// Connect establishes a connection to NATS with the provided configuration
func Connect(ctx context.Context, config *ConnectionConfig, logger *zap.Logger) (*nats.Conn, error) {
	if config == nil {
		return nil, fmt.Errorf("connection config cannot be nil")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}

	opts := Options(config, logger)

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		conn, err := nats.Connect(config.URL, opts...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		// Close a connection that lands after the caller gave up
		go func() {
			if res := <-resultCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		return res.conn, nil
	}
}

// Close safely closes a NATS connection
func Close(conn *nats.Conn) error {
	if conn == nil {
		return nil
	}

	// Drain the connection to allow in-flight messages to complete
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("error draining connection: %w", err)
	}
	return nil
}

// IsConnected checks if the connection is active
func IsConnected(conn *nats.Conn) bool {
	return conn != nil && conn.IsConnected()
}
