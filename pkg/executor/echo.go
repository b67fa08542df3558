// Package executor holds the executors shipped with the processor runtime.
package executor

import (
	"context"

	"github.com/wehubfusion/Talos/pkg/activity"
)

// Echo returns its input unchanged. Stateless executions get an empty object.
type Echo struct{}

// Execute implements activity.Executor
func (Echo) Execute(ctx context.Context, req activity.ExecutionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.InputData == "" {
		return "{}", nil
	}
	return req.InputData, nil
}
