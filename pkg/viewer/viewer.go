// Package viewer hosts the image viewer scene and the operations generated
// procedures may perform on it. The scene lives on one dedicated OS thread;
// the bridge is the only way in.
package viewer

import (
	"fmt"
	"sort"

	"github.com/reza/vizier/pkg/bridge"
	"github.com/rs/zerolog"
)

// OpFunc applies one operation to the scene. It runs on the viewer thread.
type OpFunc func(s *State, args map[string]interface{}) (interface{}, error)

// Step is one operation of a generated script.
type Step struct {
	Op   string                 `json:"op"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Viewer owns the scene and the op registry that generated scripts compile
// against. The registry is fixed after construction, so reading it from any
// goroutine is safe; the State is not.
type Viewer struct {
	state  *State
	ops    map[string]OpFunc
	logger zerolog.Logger
}

// New creates a Viewer with the built-in operations registered.
func New(logger zerolog.Logger) *Viewer {
	v := &Viewer{
		state:  NewState(),
		ops:    make(map[string]OpFunc),
		logger: logger,
	}
	v.registerBuiltins()
	return v
}

// Ops returns the registered operation names, sorted, for prompt assembly.
func (v *Viewer) Ops() []string {
	names := make([]string, 0, len(v.ops))
	for name := range v.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compile turns a script into a single bridge procedure. Unknown ops are
// rejected here, before anything reaches the viewer thread. The compiled
// procedure applies the steps in order and returns the last step's result;
// a failing step aborts the remainder.
func (v *Viewer) Compile(steps []Step) (bridge.Procedure, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("script has no steps")
	}

	fns := make([]OpFunc, len(steps))
	for i, step := range steps {
		fn, ok := v.ops[step.Op]
		if !ok {
			return nil, fmt.Errorf("step %d: unknown op %q", i+1, step.Op)
		}
		fns[i] = fn
	}

	// Bind args now so the procedure closes over plain values only.
	bound := make([]Step, len(steps))
	copy(bound, steps)

	return func(_ map[string]interface{}) (interface{}, error) {
		var last interface{}
		for i, fn := range fns {
			out, err := fn(v.state, bound[i].Args)
			if err != nil {
				return nil, fmt.Errorf("step %d (%s): %w", i+1, bound[i].Op, err)
			}
			last = out
		}
		return last, nil
	}, nil
}

// InfoProcedure returns a procedure that snapshots the scene. The snapshot
// is a copy, so the caller may use it freely off the viewer thread.
func (v *Viewer) InfoProcedure() bridge.Procedure {
	return func(_ map[string]interface{}) (interface{}, error) {
		return v.state.Snapshot(), nil
	}
}

// DescribeProcedure returns a procedure that renders the scene as text.
func (v *Viewer) DescribeProcedure() bridge.Procedure {
	return func(_ map[string]interface{}) (interface{}, error) {
		return v.state.Describe(), nil
	}
}

func (v *Viewer) registerBuiltins() {
	v.ops["add_layer"] = func(s *State, args map[string]interface{}) (interface{}, error) {
		name, err := stringArg(args, "name")
		if err != nil {
			return nil, err
		}
		opacity := floatArgOr(args, "opacity", 1.0)
		layer, err := s.AddLayer(name, opacity)
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("added layer %d %q", layer.ID, layer.Name), nil
	}

	v.ops["remove_layer"] = func(s *State, args map[string]interface{}) (interface{}, error) {
		id, err := intArg(args, "id")
		if err != nil {
			return nil, err
		}
		if err := s.RemoveLayer(id); err != nil {
			return nil, err
		}
		return fmt.Sprintf("removed layer %d", id), nil
	}

	v.ops["set_opacity"] = func(s *State, args map[string]interface{}) (interface{}, error) {
		id, err := intArg(args, "id")
		if err != nil {
			return nil, err
		}
		opacity, err := floatArg(args, "opacity")
		if err != nil {
			return nil, err
		}
		if err := s.SetOpacity(id, opacity); err != nil {
			return nil, err
		}
		return fmt.Sprintf("layer %d opacity set to %.2f", id, opacity), nil
	}

	v.ops["set_visible"] = func(s *State, args map[string]interface{}) (interface{}, error) {
		id, err := intArg(args, "id")
		if err != nil {
			return nil, err
		}
		visible, err := boolArg(args, "visible")
		if err != nil {
			return nil, err
		}
		if err := s.SetVisible(id, visible); err != nil {
			return nil, err
		}
		return fmt.Sprintf("layer %d visibility set to %v", id, visible), nil
	}

	v.ops["select_layer"] = func(s *State, args map[string]interface{}) (interface{}, error) {
		id, err := intArg(args, "id")
		if err != nil {
			return nil, err
		}
		if err := s.SelectLayer(id); err != nil {
			return nil, err
		}
		return fmt.Sprintf("selected layer %d", id), nil
	}

	v.ops["set_camera"] = func(s *State, args map[string]interface{}) (interface{}, error) {
		x := floatArgOr(args, "x", s.camera.X)
		y := floatArgOr(args, "y", s.camera.Y)
		zoom := floatArgOr(args, "zoom", s.camera.Zoom)
		if err := s.SetCamera(x, y, zoom); err != nil {
			return nil, err
		}
		return fmt.Sprintf("camera at (%.1f, %.1f) zoom %.2f", x, y, zoom), nil
	}

	v.ops["describe"] = func(s *State, args map[string]interface{}) (interface{}, error) {
		return s.Describe(), nil
	}
}

// Script args arrive from JSON, so numbers are float64.

func stringArg(args map[string]interface{}, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing arg %q", key)
	}
	str, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("arg %q must be a string, got %T", key, raw)
	}
	return str, nil
}

func floatArg(args map[string]interface{}, key string) (float64, error) {
	raw, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("missing arg %q", key)
	}
	return coerceFloat(key, raw)
}

func floatArgOr(args map[string]interface{}, key string, fallback float64) float64 {
	raw, ok := args[key]
	if !ok {
		return fallback
	}
	f, err := coerceFloat(key, raw)
	if err != nil {
		return fallback
	}
	return f
}

func intArg(args map[string]interface{}, key string) (int, error) {
	f, err := floatArg(args, key)
	if err != nil {
		return 0, err
	}
	i := int(f)
	if float64(i) != f {
		return 0, fmt.Errorf("arg %q must be an integer, got %v", key, f)
	}
	return i, nil
}

func boolArg(args map[string]interface{}, key string) (bool, error) {
	raw, ok := args[key]
	if !ok {
		return false, fmt.Errorf("missing arg %q", key)
	}
	b, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("arg %q must be a boolean, got %T", key, raw)
	}
	return b, nil
}

func coerceFloat(key string, raw interface{}) (float64, error) {
	switch n := raw.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("arg %q must be a number, got %T", key, raw)
	}
}
