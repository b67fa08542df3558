// Package gateway is the processor's message-facing edge. It turns pulled
// ExecuteActivityCommand deliveries into pipeline runs and answers health and
// statistics requests.
package gateway

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/wehubfusion/Talos/pkg/activity"
	sdkerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/identity"
	"github.com/wehubfusion/Talos/pkg/message"
	"go.uber.org/zap"
)

// Identity is the part of the identity resolver the gateway needs
type Identity interface {
	IsForThisProcessor(ctx context.Context, candidate uuid.UUID) (bool, error)
	Current() (*identity.Processor, bool)
}

// Pipeline runs one activity to completion
type Pipeline interface {
	Process(ctx context.Context, req activity.Request) activity.Result
}

// Server registers request/reply handlers on the bus
type Server interface {
	Serve(ctx context.Context, subject, queue string, handle func(context.Context, *message.Request)) (message.Subscription, error)
}

// Dependencies wires a gateway
type Dependencies struct {
	Identity Identity
	Pipeline Pipeline
	// Statistics may be nil, in which case statistics requests report failure
	Statistics *activity.Statistics
	// Checks are the named health probes reported by health requests
	Checks map[string]Check
}

// Gateway dispatches activities and answers observability requests
type Gateway struct {
	deps   Dependencies
	logger *zap.Logger
	health *healthReporter
}

// New creates a gateway
func New(deps Dependencies, logger *zap.Logger) (*Gateway, error) {
	if deps.Identity == nil {
		return nil, errors.New("identity cannot be nil")
	}
	if deps.Pipeline == nil {
		return nil, errors.New("pipeline cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		deps:   deps,
		logger: logger,
		health: newHealthReporter(deps.Checks),
	}, nil
}

// Handle is a message.Handler for ExecuteActivityCommand deliveries. Only
// dispatch failures are returned: an undecodable command is a BadRequest and
// an identity failure is retryable. Activity failures are reported by the
// pipeline itself and never surface here.
func (g *Gateway) Handle(ctx context.Context, d *message.Delivery) error {
	var cmd message.ExecuteActivityCommand
	if err := d.Decode(&cmd); err != nil {
		return sdkerrors.NewBadRequestError("undecodable execute activity command", err)
	}

	mine, err := g.deps.Identity.IsForThisProcessor(ctx, cmd.ProcessorID)
	if err != nil {
		return err
	}
	if !mine {
		g.logger.Debug("Ignoring activity for another processor",
			zap.String("processor_id", cmd.ProcessorID.String()),
			zap.String("execution_id", cmd.ExecutionID.String()))
		return nil
	}

	result := g.deps.Pipeline.Process(ctx, activity.RequestFromCommand(cmd))
	g.logger.Debug("Activity dispatched",
		zap.String("execution_id", result.ExecutionID.String()),
		zap.String("status", string(result.Status)))
	return nil
}

// Serve subscribes the health and statistics responders within queue
func (g *Gateway) Serve(ctx context.Context, srv Server, healthSubject, statisticsSubject, queue string) ([]message.Subscription, error) {
	healthSub, err := srv.Serve(ctx, healthSubject, queue, g.serveHealth)
	if err != nil {
		return nil, err
	}
	statsSub, err := srv.Serve(ctx, statisticsSubject, queue, g.serveStatistics)
	if err != nil {
		_ = healthSub.Unsubscribe()
		return nil, err
	}
	return []message.Subscription{healthSub, statsSub}, nil
}

// addressedToUs reports whether a request naming id should be answered. Until
// the identity is resolved every request is answered.
func (g *Gateway) addressedToUs(id uuid.UUID) bool {
	p, ok := g.deps.Identity.Current()
	if !ok || id == uuid.Nil {
		return true
	}
	return p.ID == id
}

func (g *Gateway) currentID() uuid.UUID {
	if p, ok := g.deps.Identity.Current(); ok {
		return p.ID
	}
	return uuid.Nil
}

func (g *Gateway) respond(req *message.Request, v interface{}) {
	if err := req.Respond(v); err != nil {
		g.logger.Warn("Failed to send reply",
			zap.String("subject", req.Subject),
			zap.Error(err))
	}
}
