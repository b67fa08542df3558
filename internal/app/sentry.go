package app

import (
	"context"

	"github.com/getsentry/sentry-go"
	"github.com/wehubfusion/Talos/pkg/activity"
	"github.com/wehubfusion/Talos/pkg/config"
	sdkerrors "github.com/wehubfusion/Talos/pkg/errors"
)

func sentryOptions(cfg *config.Config) sentry.ClientOptions {
	return sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Release:          cfg.Processor.Name + "@" + cfg.Processor.Version,
		Environment:      cfg.Tracing.Environment,
		AttachStacktrace: true,
	}
}

// SentryFailureHook reports failed activities to Sentry, tagged with the
// activity's identifiers
func SentryFailureHook(hub *sentry.Hub) activity.FailureHook {
	return func(ctx context.Context, req activity.Request, err error) {
		local := hub.Clone()
		local.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("processor_id", req.ProcessorID.String())
			scope.SetTag("execution_id", req.ExecutionID.String())
			scope.SetTag("error_type", sdkerrors.TypeOf(err).String())
			scope.SetContext("activity", sentry.Context{
				"orchestrated_flow_id": req.OrchestratedFlowID.String(),
				"step_id":              req.StepID.String(),
				"correlation_id":       req.CorrelationID,
				"entity_count":         len(req.Entities),
			})
			local.CaptureException(err)
		})
	}
}
