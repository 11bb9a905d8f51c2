package viewer

import (
	"context"
	"fmt"
	"time"

	"github.com/reza/vizier/pkg/dispatch"
	"github.com/reza/vizier/pkg/pipeline"
)

const infoTimeout = 10 * time.Second

// RegisterCapabilities exposes the viewer to the agent: viewer_exec drives
// generated scripts through the repair pipeline, viewer_info reads the scene
// through the bridge.
func RegisterCapabilities(reg *dispatch.Registry, v *Viewer, gen pipeline.Generator, rep pipeline.Repairer) error {
	execCap := dispatch.Capability{
		Name:        "viewer_exec",
		Description: "Change the image viewer scene to accomplish a goal, described in plain language",
		Parameters: []dispatch.Parameter{
			{Name: "goal", Type: "string", Description: "What to do to the scene", Required: true},
		},
		Handler: func(ctx context.Context, input map[string]interface{}, tk dispatch.Toolkit) (interface{}, error) {
			goal, _ := input["goal"].(string)
			if goal == "" {
				return nil, fmt.Errorf("goal cannot be empty")
			}

			p, err := tk.Pipelines(func(attempt pipeline.Attempt) {
				if attempt.Failure != nil {
					tk.Activity(fmt.Sprintf("attempt %d failed: %s, repairing",
						attempt.Number, attempt.Failure.Message))
				}
			})
			if err != nil {
				return nil, err
			}

			res := p.Run(ctx, goal, gen, rep)
			if !res.Ok() {
				return nil, res.Failure
			}
			return res.Value, nil
		},
	}

	infoCap := dispatch.Capability{
		Name:        "viewer_info",
		Description: "Read the current viewer scene: layers, camera, selection",
		Parameters: []dispatch.Parameter{
			{Name: "format", Type: "string", Description: "Either 'text' or 'json'", Default: "text"},
		},
		Handler: func(ctx context.Context, input map[string]interface{}, tk dispatch.Toolkit) (interface{}, error) {
			proc := v.DescribeProcedure()
			if format, _ := input["format"].(string); format == "json" {
				proc = v.InfoProcedure()
			}

			res := tk.Executor.Submit(proc, nil, infoTimeout)
			if !res.Ok() {
				return nil, res.Failure
			}
			return res.Value, nil
		},
	}

	if err := reg.Register(execCap); err != nil {
		return err
	}
	return reg.Register(infoCap)
}
