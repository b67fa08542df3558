package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dop251/goja"
	"github.com/wehubfusion/Talos/pkg/activity"
	"go.uber.org/zap"
)

// ScriptOptions tunes the JavaScript executor
type ScriptOptions struct {
	// Timeout bounds one execution on top of the caller's context (0 disables)
	Timeout time.Duration
	// MaxStackDepth bounds the JS call stack (0 keeps the runtime default)
	MaxStackDepth int
	// AllowEval leaves eval available to scripts
	AllowEval bool
}

// DefaultScriptOptions returns the options used by the processor binary
func DefaultScriptOptions() ScriptOptions {
	return ScriptOptions{
		Timeout:       30 * time.Second,
		MaxStackDepth: 1000,
	}
}

// Script runs a JavaScript function named execute(input, context) in a fresh,
// sandboxed runtime per call. The input is the parsed cache payload (null for
// stateless executions); context carries the activity identifiers and entities.
// A string return value is used verbatim, anything else is JSON encoded.
type Script struct {
	program *goja.Program
	opts    ScriptOptions
	logger  *zap.Logger
}

// scriptContext is the second argument handed to execute
type scriptContext struct {
	ProcessorID        string            `json:"processorId"`
	OrchestratedFlowID string            `json:"orchestratedFlowId"`
	StepID             string            `json:"stepId"`
	ExecutionID        string            `json:"executionId"`
	CorrelationID      string            `json:"correlationId,omitempty"`
	Entities           []json.RawMessage `json:"entities"`
}

// NewScript compiles source once; each Execute runs the compiled program
func NewScript(source string, opts ScriptOptions, logger *zap.Logger) (*Script, error) {
	if source == "" {
		return nil, fmt.Errorf("script source cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	program, err := goja.Compile("executor.js", source, false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	return &Script{program: program, opts: opts, logger: logger}, nil
}

// LoadScript reads and compiles the script at path
func LoadScript(path string, opts ScriptOptions, logger *zap.Logger) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %q: %w", path, err)
	}
	return NewScript(string(data), opts, logger)
}

// Execute implements activity.Executor
func (s *Script) Execute(ctx context.Context, req activity.ExecutionRequest) (string, error) {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	vm := goja.New()
	if err := s.prepare(vm, req); err != nil {
		return "", err
	}

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	out, err := s.run(vm, req)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return "", fmt.Errorf("script interrupted: %w", context.Cause(ctx))
		}
		return "", err
	}
	return out, nil
}

func (s *Script) prepare(vm *goja.Runtime, req activity.ExecutionRequest) error {
	sb := sandbox{allowEval: s.opts.AllowEval, maxStackDepth: s.opts.MaxStackDepth}
	if err := sb.apply(vm); err != nil {
		return fmt.Errorf("failed to apply sandbox: %w", err)
	}

	logger := s.logger.With(
		zap.String("processor_id", req.ProcessorID.String()),
		zap.String("execution_id", req.ExecutionID.String()))
	if err := registerConsole(vm, logger); err != nil {
		return fmt.Errorf("failed to register console: %w", err)
	}
	if err := registerEncoding(vm); err != nil {
		return fmt.Errorf("failed to register encoding helpers: %w", err)
	}
	if err := registerText(vm); err != nil {
		return fmt.Errorf("failed to register text helpers: %w", err)
	}
	return nil
}

func (s *Script) run(vm *goja.Runtime, req activity.ExecutionRequest) (string, error) {
	// Grab JSON.parse before user code gets a chance to shadow JSON
	parse, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	if !ok {
		return "", fmt.Errorf("JSON.parse is unavailable")
	}

	if _, err := vm.RunProgram(s.program); err != nil {
		return "", fmt.Errorf("script evaluation failed: %w", err)
	}

	execute, ok := goja.AssertFunction(vm.Get("execute"))
	if !ok {
		return "", fmt.Errorf("script does not define an execute function")
	}

	input := goja.Null()
	if req.InputData != "" {
		parsed, err := parse(goja.Undefined(), vm.ToValue(req.InputData))
		if err != nil {
			// Not JSON: hand the raw text over
			parsed = vm.ToValue(req.InputData)
		}
		input = parsed
	}

	ctxJSON, err := json.Marshal(scriptContext{
		ProcessorID:        req.ProcessorID.String(),
		OrchestratedFlowID: req.OrchestratedFlowID.String(),
		StepID:             req.StepID.String(),
		ExecutionID:        req.ExecutionID.String(),
		CorrelationID:      req.CorrelationID,
		Entities:           nonNilEntities(req.Entities),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode script context: %w", err)
	}
	scriptCtx, err := parse(goja.Undefined(), vm.ToValue(string(ctxJSON)))
	if err != nil {
		return "", fmt.Errorf("failed to build script context: %w", err)
	}

	result, err := execute(goja.Undefined(), input, scriptCtx)
	if err != nil {
		return "", err
	}

	if str, ok := result.Export().(string); ok {
		return str, nil
	}
	encoded, err := json.Marshal(result.Export())
	if err != nil {
		return "", fmt.Errorf("failed to encode script result: %w", err)
	}
	return string(encoded), nil
}

func nonNilEntities(entities []json.RawMessage) []json.RawMessage {
	if entities == nil {
		return []json.RawMessage{}
	}
	return entities
}
