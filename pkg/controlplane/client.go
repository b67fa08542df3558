// Package controlplane talks to the entity-management service that owns
// processor and schema records.
package controlplane

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	sdkerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/message"
	"go.uber.org/zap"
)

// Bus is the slice of the message service the control plane client needs
type Bus interface {
	Request(ctx context.Context, subject string, req, resp interface{}) error
	Publish(ctx context.Context, subject string, v interface{}) error
}

// Subjects names the control-plane endpoints
type Subjects struct {
	GetProcessor    string
	GetSchema       string
	CreateProcessor string
}

// Client issues control-plane requests. Every request is bounded by Timeout
// on top of the caller's context.
type Client struct {
	bus      Bus
	subjects Subjects
	timeout  time.Duration
	logger   *zap.Logger
}

// NewClient creates a control-plane client
func NewClient(bus Bus, subjects Subjects, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if subjects.GetProcessor == "" || subjects.GetSchema == "" || subjects.CreateProcessor == "" {
		return nil, fmt.Errorf("all control-plane subjects are required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{bus: bus, subjects: subjects, timeout: timeout, logger: logger}, nil
}

// GetProcessor looks a processor up by composite key. A reply without a
// processor yields an error wrapping ErrNotFound.
func (c *Client) GetProcessor(ctx context.Context, compositeKey string) (*message.ProcessorRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp message.GetProcessorResponse
	if err := c.bus.Request(ctx, c.subjects.GetProcessor, message.GetProcessorQuery{CompositeKey: compositeKey}, &resp); err != nil {
		return nil, fmt.Errorf("get processor %s: %w", compositeKey, err)
	}
	if !resp.Success || resp.Processor == nil {
		c.logger.Debug("Processor not found",
			zap.String("composite_key", compositeKey),
			zap.String("message", resp.Message))
		return nil, fmt.Errorf("processor %s: %w", compositeKey, sdkerrors.ErrNotFound)
	}
	return resp.Processor, nil
}

// GetSchemaDefinition fetches the JSON Schema text for id
func (c *Client) GetSchemaDefinition(ctx context.Context, id uuid.UUID) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp message.GetSchemaDefinitionResponse
	if err := c.bus.Request(ctx, c.subjects.GetSchema, message.GetSchemaDefinitionQuery{SchemaID: id}, &resp); err != nil {
		return "", fmt.Errorf("get schema %s: %w", id, err)
	}
	if !resp.Success || resp.Definition == "" {
		return "", fmt.Errorf("schema %s: %s: %w", id, resp.Message, sdkerrors.ErrNotFound)
	}
	return resp.Definition, nil
}

// CreateProcessor publishes a registration command. Nothing is awaited; the
// caller polls GetProcessor afterwards.
func (c *Client) CreateProcessor(ctx context.Context, cmd message.CreateProcessorCommand) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.bus.Publish(ctx, c.subjects.CreateProcessor, cmd); err != nil {
		return fmt.Errorf("create processor %s %s: %w", cmd.Name, cmd.Version, err)
	}
	c.logger.Info("Published create processor command",
		zap.String("name", cmd.Name),
		zap.String("version", cmd.Version))
	return nil
}
