// Package schema is the JSON Schema gate every activity payload passes through.
// Compiled schemas are cached by a hash of their text so a processor compiles
// each distinct schema once for its lifetime.
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Gate validates JSON payloads against JSON Schema definitions
type Gate struct {
	logger *zap.Logger
	tracer trace.Tracer
	opts   Options

	mu       sync.Mutex
	cache    *compiledCache
	inflight map[uint64]*compileCall

	compilations atomic.Int64
	evictions    atomic.Int64

	// compile is swapped in tests to observe or slow down compilation
	compile func(key uint64, text string) (*jsonschema.Schema, error)
}

type compileCall struct {
	done   chan struct{}
	schema *jsonschema.Schema
	err    error
}

// NewGate creates a schema gate. A nil logger disables logging; a nil tracer
// provider falls back to the globally registered one.
func NewGate(logger *zap.Logger, tp trace.TracerProvider, opts Options) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}

	g := &Gate{
		logger:   logger,
		tracer:   tp.Tracer("talos/schema"),
		opts:     opts,
		cache:    newCompiledCache(opts.CacheSize),
		inflight: make(map[uint64]*compileCall),
	}
	g.compile = compileSchema
	return g
}

// Validate reports whether payload satisfies schemaText
func (g *Gate) Validate(ctx context.Context, payload, schemaText string) bool {
	return g.ValidateDetailed(ctx, payload, schemaText).Valid
}

// ValidateDetailed validates payload against schemaText and returns every violation found
func (g *Gate) ValidateDetailed(ctx context.Context, payload, schemaText string) Result {
	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "schema.Validate")
	defer span.End()

	result := g.validate(ctx, payload, schemaText)
	result.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Bool("validation.valid", result.Valid),
		attribute.Int("validation.error_count", len(result.Errors)),
		attribute.Int64("validation.duration_ms", result.Duration.Milliseconds()),
	)
	if !result.Valid {
		span.SetStatus(codes.Error, "validation failed")
	}

	g.logResult(result)
	return result
}

func (g *Gate) validate(ctx context.Context, payload, schemaText string) Result {
	instance, err := decodeInstance(payload)
	if err != nil {
		return Result{
			Valid:  false,
			Errors: []string{fmt.Sprintf("invalid JSON payload: %v", err)},
		}
	}

	compiled, err := g.compiled(ctx, schemaText)
	if err != nil {
		return Result{
			Valid:  false,
			Errors: []string{err.Error()},
		}
	}

	if err := compiled.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return Result{Valid: false, Errors: []string{err.Error()}}
		}

		violations := flattenViolations(verr)
		messages := make([]string, 0, len(violations))
		for _, v := range violations {
			messages = append(messages, v.String())
		}

		path := violations[0].location
		if path == "" {
			path = "/"
		}
		return Result{Valid: false, Errors: messages, ErrorPath: path}
	}

	return Result{Valid: true}
}

// compiled returns the cached compiled schema for text or compiles it off the
// calling goroutine. Concurrent requests for the same text share one compilation.
func (g *Gate) compiled(ctx context.Context, text string) (*jsonschema.Schema, error) {
	key := xxhash.Sum64String(text)

	g.mu.Lock()
	if s, ok := g.cache.get(key); ok {
		g.mu.Unlock()
		return s, nil
	}
	call, ok := g.inflight[key]
	if !ok {
		call = &compileCall{done: make(chan struct{})}
		g.inflight[key] = call
		go g.runCompile(key, text, call)
	}
	g.mu.Unlock()

	select {
	case <-call.done:
		return call.schema, call.err
	case <-ctx.Done():
		return nil, fmt.Errorf("schema compilation cancelled: %w", ctx.Err())
	}
}

func (g *Gate) runCompile(key uint64, text string, call *compileCall) {
	g.compilations.Add(1)
	s, err := g.compile(key, text)

	g.mu.Lock()
	delete(g.inflight, key)
	if err == nil {
		if g.cache.put(key, s) {
			g.evictions.Add(1)
		}
	}
	g.mu.Unlock()

	call.schema, call.err = s, err
	close(call.done)
}

func (g *Gate) logResult(result Result) {
	if result.Valid {
		g.logger.Debug("Schema validation passed",
			zap.Duration("duration", result.Duration))
		return
	}

	fields := []zap.Field{
		zap.Int("error_count", len(result.Errors)),
		zap.Strings("errors", result.Errors),
		zap.String("error_path", result.ErrorPath),
		zap.Duration("duration", result.Duration),
	}
	switch {
	case g.opts.LogValidationErrors:
		g.logger.Error("Schema validation failed", fields...)
	case g.opts.LogValidationWarnings:
		g.logger.Warn("Schema validation failed", fields...)
	}
}

// Compilations returns how many schema compilations have been started
func (g *Gate) Compilations() int64 {
	return g.compilations.Load()
}

// Evictions returns how many compiled schemas were evicted from the cache
func (g *Gate) Evictions() int64 {
	return g.evictions.Load()
}

// Len returns the number of compiled schemas currently cached
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cache.len()
}

func compileSchema(key uint64, text string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	registerFormats(c)

	url := fmt.Sprintf("mem://schemas/%016x.json", key)
	if err := c.AddResource(url, strings.NewReader(text)); err != nil {
		return nil, CompileError(err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, CompileError(err)
	}
	return s, nil
}

// decodeInstance parses payload keeping number precision and rejecting trailing data
func decodeInstance(payload string) (interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after top-level value")
	}
	return v, nil
}
