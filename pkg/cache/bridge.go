// Package cache is the processor's hand-off point for activity payloads. Every
// record lives under a namespace (the processor id) and a composite key
// orchestratedFlowId:stepId:executionId.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	sdkerrors "github.com/wehubfusion/Talos/pkg/errors"
	"go.uber.org/zap"
)

// Store is a namespaced key/value backend. Get reports absence with ok=false
// and a nil error.
type Store interface {
	Get(ctx context.Context, namespace, key string) (value string, ok bool, err error)
	Put(ctx context.Context, namespace, key, value string) error
	Delete(ctx context.Context, namespace, key string) error
	Exists(ctx context.Context, namespace, key string) (bool, error)
	Ping(ctx context.Context) error
}

// Bridge is the contract the activity pipeline depends on
type Bridge interface {
	Get(ctx context.Context, mapName, key string) (string, bool, error)
	Set(ctx context.Context, mapName, key, payload string) error
	Exists(ctx context.Context, mapName, key string) (bool, error)
	Remove(ctx context.Context, mapName, key string) error
	IsHealthy(ctx context.Context) bool
}

// Opener connects a Store. It is called at most once per successful connection.
type Opener func(ctx context.Context) (Store, error)

// Key builds the composite cache key for an activity execution
func Key(orchestratedFlowID, stepID, executionID uuid.UUID) string {
	return orchestratedFlowID.String() + ":" + stepID.String() + ":" + executionID.String()
}

const healthProbeKey = "probe"

// Client implements Bridge over a lazily opened Store. All callers share one
// connection attempt; a failed attempt is discarded so the next call retries.
type Client struct {
	open            Opener
	healthNamespace string
	logger          *zap.Logger

	mu      sync.Mutex
	pending *connectFuture
}

type connectFuture struct {
	done  chan struct{}
	store Store
	err   error
}

// NewClient creates a bridge that opens its store on first use
func NewClient(open Opener, healthNamespace string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if healthNamespace == "" {
		healthNamespace = "health"
	}
	return &Client{
		open:            open,
		healthNamespace: healthNamespace,
		logger:          logger,
	}
}

// NewClientWithStore creates a bridge over an already connected store
func NewClientWithStore(store Store, healthNamespace string, logger *zap.Logger) *Client {
	return NewClient(func(context.Context) (Store, error) { return store, nil }, healthNamespace, logger)
}

// store returns the shared connection, starting it on first use. The connection
// attempt runs detached from ctx so one impatient caller cannot poison it.
func (c *Client) store(ctx context.Context) (Store, error) {
	c.mu.Lock()
	f := c.pending
	if f != nil {
		select {
		case <-f.done:
			if f.err != nil {
				f = nil
			}
		default:
		}
	}
	if f == nil {
		f = &connectFuture{done: make(chan struct{})}
		c.pending = f
		go func() {
			f.store, f.err = c.open(context.Background())
			if f.err != nil {
				c.logger.Error("Failed to connect cache store", zap.Error(f.err))
			} else {
				c.logger.Info("Cache store connected")
			}
			close(f.done)
		}()
	}
	c.mu.Unlock()

	select {
	case <-f.done:
		if f.err != nil {
			return nil, sdkerrors.NewTransportError("cache store unavailable", f.err)
		}
		return f.store, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for cache store: %w", ctx.Err())
	}
}

// Get returns the payload stored at (mapName, key)
func (c *Client) Get(ctx context.Context, mapName, key string) (string, bool, error) {
	s, err := c.store(ctx)
	if err != nil {
		return "", false, err
	}
	value, ok, err := s.Get(ctx, mapName, key)
	if err != nil {
		c.logger.Error("Cache get failed",
			zap.String("map_name", mapName),
			zap.String("key", key),
			zap.Error(err))
		return "", false, sdkerrors.NewTransportError("cache get failed", err)
	}
	c.logger.Debug("Cache get",
		zap.String("map_name", mapName),
		zap.String("key", key),
		zap.Bool("found", ok))
	return value, ok, nil
}

// Set stores payload at (mapName, key), replacing any previous value
func (c *Client) Set(ctx context.Context, mapName, key, payload string) error {
	s, err := c.store(ctx)
	if err != nil {
		return err
	}
	if err := s.Put(ctx, mapName, key, payload); err != nil {
		c.logger.Error("Cache set failed",
			zap.String("map_name", mapName),
			zap.String("key", key),
			zap.Error(err))
		return sdkerrors.NewTransportError("cache set failed", err)
	}
	c.logger.Debug("Cache set",
		zap.String("map_name", mapName),
		zap.String("key", key),
		zap.Int("size_bytes", len(payload)))
	return nil
}

// Exists reports whether (mapName, key) holds a value
func (c *Client) Exists(ctx context.Context, mapName, key string) (bool, error) {
	s, err := c.store(ctx)
	if err != nil {
		return false, err
	}
	ok, err := s.Exists(ctx, mapName, key)
	if err != nil {
		return false, sdkerrors.NewTransportError("cache exists failed", err)
	}
	return ok, nil
}

// Remove deletes (mapName, key). Removing a missing key is not an error.
func (c *Client) Remove(ctx context.Context, mapName, key string) error {
	s, err := c.store(ctx)
	if err != nil {
		return err
	}
	if err := s.Delete(ctx, mapName, key); err != nil {
		return sdkerrors.NewTransportError("cache remove failed", err)
	}
	return nil
}

// IsHealthy round-trips a probe value through the health namespace, so it works
// before any activity traffic has created a processor namespace.
func (c *Client) IsHealthy(ctx context.Context) bool {
	s, err := c.store(ctx)
	if err != nil {
		return false
	}
	if err := s.Ping(ctx); err != nil {
		c.logger.Warn("Cache ping failed", zap.Error(err))
		return false
	}

	probe := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := s.Put(ctx, c.healthNamespace, healthProbeKey, probe); err != nil {
		c.logger.Warn("Cache health probe write failed", zap.Error(err))
		return false
	}
	got, ok, err := s.Get(ctx, c.healthNamespace, healthProbeKey)
	if err != nil || !ok {
		c.logger.Warn("Cache health probe read failed", zap.Bool("found", ok), zap.Error(err))
		return false
	}
	return got == probe
}
