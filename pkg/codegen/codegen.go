// Package codegen turns natural-language goals into executable viewer
// scripts. A script is a JSON array of ops; the model writes it, a schema
// gate checks its shape, and the viewer's op registry compiles it into a
// single procedure. Repair feeds the failed script and its diagnostics back
// to the model for a corrected one.
package codegen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/reza/vizier/pkg/bridge"
	"github.com/reza/vizier/pkg/pipeline"
	"github.com/reza/vizier/pkg/viewer"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Completer is the slice of an LLM provider that codegen needs.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// scriptSchema gates the model's output before compilation.
var scriptSchema = func() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(map[string]interface{}{
		"type":     "array",
		"minItems": 1,
		"maxItems": 32,
		"items": map[string]interface{}{
			"type":                 "object",
			"required":             []string{"op"},
			"additionalProperties": false,
			"properties": map[string]interface{}{
				"op":   map[string]interface{}{"type": "string"},
				"args": map[string]interface{}{"type": "object"},
			},
		},
	}))
	if err != nil {
		panic(fmt.Sprintf("script schema: %v", err))
	}
	return schema
}()

// Codegen implements pipeline.Generator and pipeline.Repairer.
type Codegen struct {
	completer Completer
	viewer    *viewer.Viewer
	logger    zerolog.Logger
}

// New creates a new Codegen
func New(completer Completer, v *viewer.Viewer, logger zerolog.Logger) *Codegen {
	return &Codegen{completer: completer, viewer: v, logger: logger}
}

// Generate asks the model for a script accomplishing the goal and compiles
// it into a candidate.
func (c *Codegen) Generate(ctx context.Context, goal string) (pipeline.Candidate, error) {
	prompt := fmt.Sprintf("Goal: %s\n\nWrite the script.", goal)

	raw, err := c.completer.Complete(ctx, c.systemPrompt(), prompt)
	if err != nil {
		return pipeline.Candidate{}, fmt.Errorf("completion: %w", err)
	}

	return c.compile(goal, raw)
}

// Repair asks the model to fix a failed script given its diagnostics.
func (c *Codegen) Repair(ctx context.Context, failed pipeline.Candidate, failure *bridge.Failure) (pipeline.Candidate, error) {
	prompt := fmt.Sprintf(
		"Goal: %s\n\nThis script failed:\n%s\n\nFailure: %s\n\nWrite a corrected script.",
		failed.Goal, failed.Source, failure.Message,
	)

	raw, err := c.completer.Complete(ctx, c.systemPrompt(), prompt)
	if err != nil {
		return pipeline.Candidate{}, fmt.Errorf("repair completion: %w", err)
	}

	return c.compile(failed.Goal, raw)
}

func (c *Codegen) systemPrompt() string {
	return fmt.Sprintf(`You control an image viewer by writing op scripts.
Respond with ONLY a JSON array of steps, each {"op": name, "args": {...}}.
Available ops: %s.
Layer ids are integers; opacity is 0..1; zoom is positive.`,
		strings.Join(c.viewer.Ops(), ", "))
}

// compile validates the raw model output against the script schema, decodes
// it, and binds it to the viewer's op registry.
func (c *Codegen) compile(goal, raw string) (pipeline.Candidate, error) {
	source := extractJSON(raw)
	if source == "" {
		return pipeline.Candidate{}, fmt.Errorf("no JSON array in model output")
	}

	result, err := scriptSchema.Validate(gojsonschema.NewStringLoader(source))
	if err != nil {
		return pipeline.Candidate{}, fmt.Errorf("script is not valid JSON: %w", err)
	}
	if !result.Valid() {
		msgs := []string{}
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}
		return pipeline.Candidate{}, fmt.Errorf("script rejected by schema: %v", msgs)
	}

	var steps []viewer.Step
	if err := json.Unmarshal([]byte(source), &steps); err != nil {
		return pipeline.Candidate{}, fmt.Errorf("decode script: %w", err)
	}

	proc, err := c.viewer.Compile(steps)
	if err != nil {
		return pipeline.Candidate{}, fmt.Errorf("compile script: %w", err)
	}

	c.logger.Debug().Int("steps", len(steps)).Str("goal", goal).Msg("Compiled script")

	return pipeline.Candidate{
		ID:     uuid.New().String(),
		Goal:   goal,
		Source: source,
		Proc:   proc,
	}, nil
}

// extractJSON pulls the first JSON array out of model output that may carry
// prose or code fences around it.
func extractJSON(raw string) string {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return raw[start : end+1]
}
