package viewer

import (
	"fmt"
	"sort"
)

// Layer is one image layer in the scene.
type Layer struct {
	ID      int     `json:"id"`
	Name    string  `json:"name"`
	Opacity float64 `json:"opacity"`
	Visible bool    `json:"visible"`
}

// Camera is the current viewport.
type Camera struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// State is the viewer's mutable scene. It is owned exclusively by the viewer
// thread: it carries no locks, and nothing outside this package may hold a
// reference to it. All access goes through procedures executed by the bridge.
type State struct {
	layers   map[int]*Layer
	order    []int
	camera   Camera
	selected int // layer id, 0 when nothing is selected
	nextID   int
}

// NewState creates an empty scene with the camera at origin.
func NewState() *State {
	return &State{
		layers: make(map[int]*Layer),
		camera: Camera{Zoom: 1.0},
		nextID: 1,
	}
}

// AddLayer appends a layer and returns its assigned ID.
func (s *State) AddLayer(name string, opacity float64) (*Layer, error) {
	if name == "" {
		return nil, fmt.Errorf("layer name cannot be empty")
	}
	if opacity < 0 || opacity > 1 {
		return nil, fmt.Errorf("opacity %v out of range [0, 1]", opacity)
	}

	layer := &Layer{
		ID:      s.nextID,
		Name:    name,
		Opacity: opacity,
		Visible: true,
	}
	s.nextID++
	s.layers[layer.ID] = layer
	s.order = append(s.order, layer.ID)
	return layer, nil
}

// RemoveLayer deletes a layer; removing the selected layer clears the
// selection.
func (s *State) RemoveLayer(id int) error {
	if _, ok := s.layers[id]; !ok {
		return fmt.Errorf("layer %d not found", id)
	}
	delete(s.layers, id)
	for i, lid := range s.order {
		if lid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.selected == id {
		s.selected = 0
	}
	return nil
}

// SetOpacity changes a layer's opacity.
func (s *State) SetOpacity(id int, opacity float64) error {
	layer, ok := s.layers[id]
	if !ok {
		return fmt.Errorf("layer %d not found", id)
	}
	if opacity < 0 || opacity > 1 {
		return fmt.Errorf("opacity %v out of range [0, 1]", opacity)
	}
	layer.Opacity = opacity
	return nil
}

// SetVisible toggles a layer's visibility.
func (s *State) SetVisible(id int, visible bool) error {
	layer, ok := s.layers[id]
	if !ok {
		return fmt.Errorf("layer %d not found", id)
	}
	layer.Visible = visible
	return nil
}

// SelectLayer marks a layer as selected.
func (s *State) SelectLayer(id int) error {
	if _, ok := s.layers[id]; !ok {
		return fmt.Errorf("layer %d not found", id)
	}
	s.selected = id
	return nil
}

// SetCamera moves the viewport.
func (s *State) SetCamera(x, y, zoom float64) error {
	if zoom <= 0 {
		return fmt.Errorf("zoom must be positive, got %v", zoom)
	}
	s.camera = Camera{X: x, Y: y, Zoom: zoom}
	return nil
}

// Snapshot is a by-value copy of the scene, safe to hand across threads.
type Snapshot struct {
	Layers   []Layer `json:"layers"`
	Camera   Camera  `json:"camera"`
	Selected int     `json:"selected,omitempty"`
}

// Snapshot copies the scene for consumption off the viewer thread.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Layers:   make([]Layer, 0, len(s.order)),
		Camera:   s.camera,
		Selected: s.selected,
	}
	for _, id := range s.order {
		snap.Layers = append(snap.Layers, *s.layers[id])
	}
	return snap
}

// Describe renders the scene as text for the agent.
func (s *State) Describe() string {
	if len(s.order) == 0 {
		return fmt.Sprintf("empty scene, camera at (%.1f, %.1f) zoom %.2f",
			s.camera.X, s.camera.Y, s.camera.Zoom)
	}

	ids := make([]int, len(s.order))
	copy(ids, s.order)
	sort.Ints(ids)

	out := fmt.Sprintf("%d layer(s), camera at (%.1f, %.1f) zoom %.2f\n",
		len(ids), s.camera.X, s.camera.Y, s.camera.Zoom)
	for _, id := range ids {
		l := s.layers[id]
		marker := " "
		if id == s.selected {
			marker = "*"
		}
		visibility := "visible"
		if !l.Visible {
			visibility = "hidden"
		}
		out += fmt.Sprintf("%s layer %d %q opacity %.2f %s\n", marker, l.ID, l.Name, l.Opacity, visibility)
	}
	return out
}
