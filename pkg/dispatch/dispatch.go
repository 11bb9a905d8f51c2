// Package dispatch routes capability invocations by name. Each capability
// declares its parameters; inputs are validated against a generated JSON
// Schema before the handler runs. Lifecycle events (tool_start,
// tool_activity, tool_result) are emitted through the notifier so the remote
// session can follow along.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/reza/vizier/internal/observability"
	"github.com/reza/vizier/pkg/bridge"
	"github.com/reza/vizier/pkg/notifier"
	"github.com/reza/vizier/pkg/pipeline"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Parameter describes one capability input.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Handler executes a capability. Handlers never touch viewer state directly;
// anything thread-bound goes through the toolkit's executor.
type Handler func(ctx context.Context, input map[string]interface{}, tk Toolkit) (interface{}, error)

// Capability defines an invocable capability.
type Capability struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
}

// Events is the slice of the notifier that dispatch needs.
type Events interface {
	Notify(eventType notifier.EventType, message string) error
}

// PipelineFactory builds a pipeline wired to the ambient executor, with the
// given per-attempt hook installed.
type PipelineFactory func(onAttempt func(pipeline.Attempt)) (*pipeline.Pipeline, error)

// Toolkit is handed to every handler. It carries the only sanctioned routes
// to thread-bound state and to the remote session.
type Toolkit struct {
	Executor  pipeline.Executor
	Pipelines PipelineFactory
	// Activity forwards progress text to the session as a tool_activity event.
	Activity func(message string)
}

// Config holds registry configuration
type Config struct {
	Events  Events
	Toolkit Toolkit
	Timeout time.Duration
	Logger  zerolog.Logger
}

// DefaultTimeout bounds a single capability invocation.
const DefaultTimeout = 60 * time.Second

// maxResultMessage caps the rendered tool_result payload.
const maxResultMessage = 10 * 1024

// Registry maps capability names to definitions and validates inputs.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]*Capability
	schemas      map[string]*gojsonschema.Schema
	events       Events
	toolkit      Toolkit
	timeout      time.Duration
	logger       zerolog.Logger
}

// New creates a new Registry
func New(cfg Config) *Registry {
	observability.EnsureRegistered()

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Registry{
		capabilities: make(map[string]*Capability),
		schemas:      make(map[string]*gojsonschema.Schema),
		events:       cfg.Events,
		toolkit:      cfg.Toolkit,
		timeout:      cfg.Timeout,
		logger:       cfg.Logger,
	}
}

// Register adds a capability to the registry.
func (r *Registry) Register(cap Capability) error {
	if err := validateDefinition(cap); err != nil {
		return fmt.Errorf("invalid capability definition: %w", err)
	}

	schema, err := generateSchema(cap)
	if err != nil {
		return fmt.Errorf("failed to generate schema for %s: %w", cap.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.capabilities[cap.Name]; exists {
		return fmt.Errorf("capability already registered: %s", cap.Name)
	}

	r.capabilities[cap.Name] = &cap
	r.schemas[cap.Name] = schema

	r.logger.Info().Str("capability", cap.Name).Msg("Capability registered")
	return nil
}

// Unregister removes a capability.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.capabilities, name)
	delete(r.schemas, name)
}

// Get returns a capability definition by name, or nil.
func (r *Registry) Get(name string) *Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.capabilities[name]
}

// List returns the definitions of all registered capabilities.
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Capability, 0, len(r.capabilities))
	for _, cap := range r.capabilities {
		out = append(out, *cap)
	}
	return out
}

// Invoke runs the named capability with the given input.
//
// An unknown name fails locally with UnknownCapability: nothing is executed
// and no lifecycle events are emitted. Known capabilities emit tool_start
// before validation and exactly one tool_result afterwards, carrying either
// the rendered output or the failure message.
func (r *Registry) Invoke(ctx context.Context, name string, input map[string]interface{}) bridge.Result {
	r.mu.RLock()
	cap := r.capabilities[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if cap == nil {
		r.logger.Warn().Str("capability", name).Msg("Unknown capability requested")
		return bridge.Failf(bridge.KindUnknownCapability, "unknown capability: %s", name)
	}

	start := time.Now()
	r.emit(notifier.EventToolStart, fmt.Sprintf("Running %s", name))

	if err := validateInput(schema, input); err != nil {
		r.logger.Warn().Str("capability", name).Err(err).Msg("Input validation failed")
		observability.RecordCapabilityInvocation(name, time.Since(start), false)
		res := bridge.Failf(bridge.KindFaulted, "input validation for %s: %v", name, err)
		r.emit(notifier.EventToolResult, res.Failure.Message)
		return res
	}

	invokeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	logger := r.logger.With().Str("capability", name).Logger()
	logger.Debug().Msg("Invoking capability")

	output, err := cap.Handler(invokeCtx, input, r.toolkitFor())
	duration := time.Since(start)

	if err != nil {
		observability.RecordCapabilityInvocation(name, duration, false)
		logger.Warn().Err(err).Dur("duration", duration).Msg("Capability failed")

		res := failureResult(name, err, invokeCtx)
		r.emit(notifier.EventToolResult, res.Failure.Message)
		return res
	}

	observability.RecordCapabilityInvocation(name, duration, true)
	logger.Debug().Dur("duration", duration).Msg("Capability completed")

	r.emit(notifier.EventToolResult, renderOutput(output))
	return bridge.ValueResult(output)
}

func (r *Registry) toolkitFor() Toolkit {
	tk := r.toolkit
	if tk.Activity == nil {
		tk.Activity = func(message string) {
			r.emit(notifier.EventToolActivity, message)
		}
	}
	return tk
}

// emit forwards a lifecycle event; delivery failures are the notifier's
// problem, not the capability's.
func (r *Registry) emit(eventType notifier.EventType, message string) {
	if r.events == nil {
		return
	}
	_ = r.events.Notify(eventType, message)
}

// failureResult maps a handler error to the failure taxonomy, preserving an
// already-classified failure.
func failureResult(name string, err error, ctx context.Context) bridge.Result {
	var failure *bridge.Failure
	if errors.As(err, &failure) {
		return bridge.Result{Failure: failure}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return bridge.Failf(bridge.KindTimeout, "%s timed out", name)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return bridge.Failf(bridge.KindCancelled, "%s cancelled", name)
	}
	return bridge.Fail(bridge.KindFaulted, err.Error())
}

func renderOutput(output interface{}) string {
	if output == nil {
		return "done"
	}
	str := fmt.Sprintf("%v", output)
	if len(str) > maxResultMessage {
		str = str[:maxResultMessage] + "\n... [output truncated]"
	}
	return str
}

func validateDefinition(cap Capability) error {
	if cap.Name == "" {
		return fmt.Errorf("capability name cannot be empty")
	}
	if cap.Description == "" {
		return fmt.Errorf("capability description cannot be empty")
	}
	if cap.Handler == nil {
		return fmt.Errorf("capability handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range cap.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

func generateSchema(cap Capability) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range cap.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

func validateInput(schema *gojsonschema.Schema, input map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if input == nil {
		input = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := []string{}
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}
	return nil
}
