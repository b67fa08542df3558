package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// ExecuteActivityCommand asks a processor to run one activity
type ExecuteActivityCommand struct {
	ProcessorID        uuid.UUID         `json:"processorId"`
	OrchestratedFlowID uuid.UUID         `json:"orchestratedFlowId"`
	StepID             uuid.UUID         `json:"stepId"`
	ExecutionID        uuid.UUID         `json:"executionId"`
	Entities           []json.RawMessage `json:"entities"`
	CorrelationID      string            `json:"correlationId,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
}

// GetHealthStatusRequest queries a processor's health
type GetHealthStatusRequest struct {
	ProcessorID uuid.UUID `json:"processorId"`
	RequestID   string    `json:"requestId"`
}

// GetStatisticsRequest queries activity statistics over an optional window
type GetStatisticsRequest struct {
	ProcessorID uuid.UUID  `json:"processorId"`
	RequestID   string     `json:"requestId"`
	FromDate    *time.Time `json:"fromDate,omitempty"`
	ToDate      *time.Time `json:"toDate,omitempty"`
}

// ActivityExecutedEvent is published after a successful activity
type ActivityExecutedEvent struct {
	ProcessorID        uuid.UUID `json:"processorId"`
	OrchestratedFlowID uuid.UUID `json:"orchestratedFlowId"`
	StepID             uuid.UUID `json:"stepId"`
	ExecutionID        uuid.UUID `json:"executionId"`
	CorrelationID      string    `json:"correlationId,omitempty"`
	EntitiesProcessed  int       `json:"entitiesProcessed"`
	DurationMs         int64     `json:"durationMs"`
	ExecutedAt         time.Time `json:"executedAt"`
}

// ActivityFailedEvent is published after a failed activity
type ActivityFailedEvent struct {
	ProcessorID        uuid.UUID `json:"processorId"`
	OrchestratedFlowID uuid.UUID `json:"orchestratedFlowId"`
	StepID             uuid.UUID `json:"stepId"`
	ExecutionID        uuid.UUID `json:"executionId"`
	CorrelationID      string    `json:"correlationId,omitempty"`
	ErrorMessage       string    `json:"errorMessage"`
	ExceptionType      string    `json:"exceptionType"`
	StackTrace         string    `json:"stackTrace,omitempty"`
	EntityCount        int       `json:"entityCount"`
	DurationMs         int64     `json:"durationMs"`
	FailedAt           time.Time `json:"failedAt"`
}

// CreateProcessorCommand registers a processor with the control plane
type CreateProcessorCommand struct {
	Name           string    `json:"name"`
	Version        string    `json:"version"`
	Description    string    `json:"description"`
	InputSchemaID  uuid.UUID `json:"inputSchemaId"`
	OutputSchemaID uuid.UUID `json:"outputSchemaId"`
	RequestedBy    string    `json:"requestedBy,omitempty"`
}

// GetProcessorQuery looks a processor up by its composite key
type GetProcessorQuery struct {
	CompositeKey string `json:"compositeKey"`
}

// ProcessorRecord is the control plane's view of a processor
type ProcessorRecord struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Version        string    `json:"version"`
	Description    string    `json:"description"`
	InputSchemaID  uuid.UUID `json:"inputSchemaId"`
	OutputSchemaID uuid.UUID `json:"outputSchemaId"`
}

// GetProcessorResponse carries a nil Processor when nothing matched
type GetProcessorResponse struct {
	Success   bool             `json:"success"`
	Processor *ProcessorRecord `json:"processor,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// GetSchemaDefinitionQuery fetches a schema's JSON Schema text
type GetSchemaDefinitionQuery struct {
	SchemaID uuid.UUID `json:"schemaId"`
}

// GetSchemaDefinitionResponse is the reply to GetSchemaDefinitionQuery
type GetSchemaDefinitionResponse struct {
	Success    bool   `json:"success"`
	Definition string `json:"definition,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Health states
const (
	Healthy   = "Healthy"
	Degraded  = "Degraded"
	Unhealthy = "Unhealthy"
)

// HealthCheck is one named probe inside a HealthResponse
type HealthCheck struct {
	Status      string            `json:"status"`
	Description string            `json:"description"`
	Data        map[string]string `json:"data,omitempty"`
}

// HealthResponse answers GetHealthStatusRequest
type HealthResponse struct {
	ProcessorID uuid.UUID              `json:"processorId"`
	RequestID   string                 `json:"requestId"`
	Status      string                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	Checks      map[string]HealthCheck `json:"checks,omitempty"`
	Uptime      string                 `json:"uptime"`
	Timestamp   time.Time              `json:"timestamp"`
}

// StatisticsResponse answers GetStatisticsRequest
type StatisticsResponse struct {
	ProcessorID       uuid.UUID `json:"processorId"`
	RequestID         string    `json:"requestId"`
	Success           bool      `json:"success"`
	Message           string    `json:"message,omitempty"`
	FromDate          time.Time `json:"fromDate"`
	ToDate            time.Time `json:"toDate"`
	TotalActivities   int64     `json:"totalActivities"`
	Succeeded         int64     `json:"succeeded"`
	Failed            int64     `json:"failed"`
	AverageDurationMs float64   `json:"averageDurationMs"`
}

// Acknowledger settles a JetStream delivery
type Acknowledger interface {
	Ack() error
	Nak() error
	Term() error
}

// Delivery is one message pulled from a JetStream consumer. It must be settled
// with Ack, Nak or Term.
type Delivery struct {
	Subject      string
	Data         []byte
	NumDelivered uint64
	ack          Acknowledger
}

// NewDelivery builds a delivery around an arbitrary acknowledger
func NewDelivery(subject string, data []byte, ack Acknowledger) *Delivery {
	return &Delivery{Subject: subject, Data: data, NumDelivered: 1, ack: ack}
}

// FromNATSMsg wraps a pulled JetStream message
func FromNATSMsg(msg *nats.Msg) *Delivery {
	d := NewDelivery(msg.Subject, msg.Data, natsAcker{msg: msg})
	if meta, err := msg.Metadata(); err == nil {
		d.NumDelivered = meta.NumDelivered
	}
	return d
}

// Decode unmarshals the delivery body into v
func (d *Delivery) Decode(v interface{}) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.Subject, err)
	}
	return nil
}

func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack.Ack()
}

func (d *Delivery) Nak() error {
	if d.ack == nil {
		return nil
	}
	return d.ack.Nak()
}

func (d *Delivery) Term() error {
	if d.ack == nil {
		return nil
	}
	return d.ack.Term()
}

type natsAcker struct {
	msg *nats.Msg
}

func (a natsAcker) Ack() error  { return a.msg.Ack() }
func (a natsAcker) Nak() error  { return a.msg.Nak() }
func (a natsAcker) Term() error { return a.msg.Term() }

// Replier publishes a reply to an inbox
type Replier interface {
	Publish(subj string, data []byte) error
}

// Request is an inbound core NATS request awaiting a reply
type Request struct {
	Subject string
	Data    []byte
	reply   string
	conn    Replier
}

// NewRequest builds a request whose reply goes to the reply inbox through conn
func NewRequest(subject string, data []byte, reply string, conn Replier) *Request {
	return &Request{Subject: subject, Data: data, reply: reply, conn: conn}
}

// Decode unmarshals the request body into v
func (r *Request) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", r.Subject, err)
	}
	return nil
}

// Respond sends v as the JSON reply. Requests without a reply inbox are dropped.
func (r *Request) Respond(v interface{}) error {
	if r.reply == "" || r.conn == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	return r.conn.Publish(r.reply, data)
}
