package gateway

import (
	"context"
	"strconv"
	"time"

	"github.com/wehubfusion/Talos/pkg/cache"
	"github.com/wehubfusion/Talos/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/message"
	"go.uber.org/zap"
)

// Check probes one dependency
type Check func(ctx context.Context) message.HealthCheck

// healthCheckTimeout bounds a whole health request
const healthCheckTimeout = 5 * time.Second

type healthReporter struct {
	checks  map[string]Check
	started time.Time
	now     func() time.Time
}

func newHealthReporter(checks map[string]Check) *healthReporter {
	return &healthReporter{checks: checks, started: time.Now(), now: time.Now}
}

func (h *healthReporter) uptime() time.Duration {
	return h.now().Sub(h.started).Truncate(time.Second)
}

// Health runs every check and folds the results: any Unhealthy check makes
// the processor Unhealthy, any Degraded one makes it Degraded.
func (g *Gateway) Health(ctx context.Context, req message.GetHealthStatusRequest) message.HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	resp := message.HealthResponse{
		ProcessorID: g.currentID(),
		RequestID:   req.RequestID,
		Status:      message.Healthy,
		Checks:      make(map[string]message.HealthCheck, len(g.health.checks)),
		Uptime:      g.health.uptime().String(),
		Timestamp:   g.health.now().UTC(),
	}

	for name, check := range g.health.checks {
		result := runCheck(ctx, check)
		resp.Checks[name] = result
		resp.Status = worse(resp.Status, result.Status)
	}
	if resp.Status != message.Healthy {
		resp.Message = "one or more checks are not healthy"
	}
	return resp
}

// runCheck turns a panicking probe into an Unhealthy result
func runCheck(ctx context.Context, check Check) (result message.HealthCheck) {
	defer func() {
		if r := recover(); r != nil {
			result = message.HealthCheck{Status: message.Unhealthy, Description: "check panicked"}
		}
	}()
	return check(ctx)
}

func worse(a, b string) string {
	rank := map[string]int{message.Healthy: 0, message.Degraded: 1, message.Unhealthy: 2}
	ra, ok := rank[a]
	if !ok {
		ra = 2
	}
	rb, ok := rank[b]
	if !ok {
		rb = 2
	}
	if rb > ra {
		return b
	}
	return a
}

func (g *Gateway) serveHealth(ctx context.Context, req *message.Request) {
	var q message.GetHealthStatusRequest
	if err := req.Decode(&q); err != nil {
		g.logger.Warn("Undecodable health request", zap.Error(err))
		g.respond(req, message.HealthResponse{
			ProcessorID: g.currentID(),
			Status:      message.Unhealthy,
			Message:     "invalid health request: " + err.Error(),
			Uptime:      g.health.uptime().String(),
			Timestamp:   g.health.now().UTC(),
		})
		return
	}
	if !g.addressedToUs(q.ProcessorID) {
		return
	}
	g.respond(req, g.Health(ctx, q))
}

// Connection is the bus connection probed by ConnectionCheck
type Connection interface {
	IsConnected() bool
	Ping(ctx context.Context) error
}

// ConnectionCheck reports the bus connection state. A connection that is up
// but does not answer a ping is Degraded; one that dropped during the ping is
// Unhealthy.
func ConnectionCheck(conn Connection) Check {
	return func(ctx context.Context) message.HealthCheck {
		if !conn.IsConnected() {
			return message.HealthCheck{Status: message.Unhealthy, Description: "NATS disconnected"}
		}
		if err := conn.Ping(ctx); err != nil {
			if sdkerrors.IsNotConnected(err) {
				return message.HealthCheck{Status: message.Unhealthy, Description: "NATS disconnected"}
			}
			return message.HealthCheck{
				Status:      message.Degraded,
				Description: "NATS connected but not responding",
				Data:        map[string]string{"error": err.Error()},
			}
		}
		return message.HealthCheck{Status: message.Healthy, Description: "NATS connected"}
	}
}

// CacheCheck probes the cache store
func CacheCheck(bridge cache.Bridge) Check {
	return func(ctx context.Context) message.HealthCheck {
		if bridge.IsHealthy(ctx) {
			return message.HealthCheck{Status: message.Healthy, Description: "cache reachable"}
		}
		return message.HealthCheck{Status: message.Unhealthy, Description: "cache unreachable"}
	}
}

// IdentityCheck reports whether the processor identity has been resolved
func IdentityCheck(id Identity) Check {
	return func(ctx context.Context) message.HealthCheck {
		p, ok := id.Current()
		if !ok {
			return message.HealthCheck{Status: message.Degraded, Description: "identity not resolved yet"}
		}
		return message.HealthCheck{
			Status:      message.Healthy,
			Description: "identity resolved",
			Data: map[string]string{
				"processor_id":  p.ID.String(),
				"input_schema":  strconv.FormatBool(p.InputSchema != ""),
				"output_schema": strconv.FormatBool(p.OutputSchema != ""),
			},
		}
	}
}

// SchemaCacheCheck reports the compiled schema cache occupancy
func SchemaCacheCheck(size func() int) Check {
	return func(ctx context.Context) message.HealthCheck {
		return message.HealthCheck{
			Status:      message.Healthy,
			Description: "compiled schema cache",
			Data:        map[string]string{"entries": strconv.Itoa(size())},
		}
	}
}

// Limiter is the admission limiter reported by LimiterCheck
type Limiter interface {
	GetMetrics() concurrency.Metrics
	GetAverageWaitTime() time.Duration
	GetCircuitBreakerState() concurrency.CircuitBreakerState
	CurrentActive() int64
	Capacity() int
}

// LimiterCheck reports activity admission. An open circuit turns activities
// away and is Degraded.
func LimiterCheck(l Limiter) Check {
	return func(ctx context.Context) message.HealthCheck {
		m := l.GetMetrics()
		state := l.GetCircuitBreakerState()
		check := message.HealthCheck{
			Status:      message.Healthy,
			Description: "admitting activities",
			Data: map[string]string{
				"circuit":           state.String(),
				"active":            strconv.FormatInt(l.CurrentActive(), 10),
				"capacity":          strconv.Itoa(l.Capacity()),
				"peak":              strconv.FormatInt(m.PeakConcurrent, 10),
				"acquired":          strconv.FormatInt(m.TotalAcquired, 10),
				"rejected":          strconv.FormatInt(m.TotalRejected, 10),
				"average_wait_time": l.GetAverageWaitTime().String(),
			},
		}
		if state == concurrency.StateOpen {
			check.Status = message.Degraded
			check.Description = "circuit " + state.String()
		}
		return check
	}
}
