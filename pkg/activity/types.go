package activity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/wehubfusion/Talos/pkg/message"
)

// Status is the terminal state of one activity
type Status string

const (
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// Request is one activity to run. An ExecutionID of uuid.Nil marks a stateless
// activity: no cache traffic and no input validation.
type Request struct {
	ProcessorID        uuid.UUID
	OrchestratedFlowID uuid.UUID
	StepID             uuid.UUID
	ExecutionID        uuid.UUID
	Entities           []json.RawMessage
	CorrelationID      string
	CreatedAt          time.Time
}

// RequestFromCommand maps the wire command onto a pipeline request
func RequestFromCommand(cmd message.ExecuteActivityCommand) Request {
	return Request{
		ProcessorID:        cmd.ProcessorID,
		OrchestratedFlowID: cmd.OrchestratedFlowID,
		StepID:             cmd.StepID,
		ExecutionID:        cmd.ExecutionID,
		Entities:           cmd.Entities,
		CorrelationID:      cmd.CorrelationID,
		CreatedAt:          cmd.CreatedAt,
	}
}

// IsStateless reports whether the request carries the sentinel execution id
func (r Request) IsStateless() bool {
	return r.ExecutionID == uuid.Nil
}

// Result is produced exactly once per Process call and published on the
// result subject. ExecutionID is the final id, after any rename by the executor.
type Result struct {
	ProcessorID        uuid.UUID     `json:"processorId"`
	OrchestratedFlowID uuid.UUID     `json:"orchestratedFlowId"`
	StepID             uuid.UUID     `json:"stepId"`
	ExecutionID        uuid.UUID     `json:"executionId"`
	Status             Status        `json:"status"`
	CorrelationID      string        `json:"correlationId,omitempty"`
	ErrorMessage       string        `json:"errorMessage,omitempty"`
	Duration           time.Duration `json:"duration"`
}

// ExecutionRequest is what the pipeline hands to the business logic
type ExecutionRequest struct {
	ProcessorID        uuid.UUID
	OrchestratedFlowID uuid.UUID
	StepID             uuid.UUID
	ExecutionID        uuid.UUID
	Entities           []json.RawMessage
	InputData          string
	CorrelationID      string
}

// Executor is the pluggable business logic of a processor. Implementations must
// be safe for concurrent use across distinct executions.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (string, error)
}

// ExecutorFunc adapts a plain function to Executor
type ExecutorFunc func(ctx context.Context, req ExecutionRequest) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, req ExecutionRequest) (string, error) {
	return f(ctx, req)
}
