package forward

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"dipfit/pkg/geometry"
)

// Evaluator computes leadfields for a boundary-element model. It is supplied
// by an external forward solver.
type Evaluator interface {
	Leadfield(r geometry.Vec3, sensors []Sensor, acc Accuracy) (*mat.Dense, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(r geometry.Vec3, sensors []Sensor, acc Accuracy) (*mat.Dense, error)

// Leadfield calls f.
func (f EvaluatorFunc) Leadfield(r geometry.Vec3, sensors []Sensor, acc Accuracy) (*mat.Dense, error) {
	return f(r, sensors, acc)
}

// SurfaceModel is a conductor bounded by a triangulated inner skull whose
// fields come from an external Evaluator.
type SurfaceModel struct {
	Surface   *geometry.Surface
	Frame     geometry.Frame
	Evaluator Evaluator
}

// NewSurfaceModel wraps an inner skull surface given in frame and an evaluator.
func NewSurfaceModel(surf *geometry.Surface, frame geometry.Frame, eval Evaluator) (*SurfaceModel, error) {
	if surf == nil || eval == nil {
		return nil, fmt.Errorf("surface model needs a surface and an evaluator")
	}
	return &SurfaceModel{Surface: surf, Frame: frame, Evaluator: eval}, nil
}

// InnerSkull implements Model.
func (m *SurfaceModel) InnerSkull() Boundary {
	return surfaceBoundary{surf: m.Surface, center: geometry.Centroid(m.Surface.Vertices)}
}

// Leadfield implements Model. Sources outside the surface are rejected
// before the evaluator is called.
func (m *SurfaceModel) Leadfield(r geometry.Vec3, sensors []Sensor, acc Accuracy) (*mat.Dense, error) {
	if !m.Surface.Contains(r) {
		return nil, fmt.Errorf("%w: %v is outside the inner skull", ErrOutsideModel, r)
	}
	return m.Evaluator.Leadfield(r, sensors, acc)
}

// ToHead returns a copy of the model with the surface in head coordinates.
// t may map MRI to head or head to MRI.
func (m *SurfaceModel) ToHead(t geometry.Transform) (*SurfaceModel, error) {
	if m.Frame == geometry.FrameHead {
		return m, nil
	}
	verts, err := t.ApplyFrames(m.Surface.Vertices, m.Frame, geometry.FrameHead)
	if err != nil {
		return nil, fmt.Errorf("surface to head: %w", err)
	}
	surf, err := geometry.NewSurface(verts, m.Surface.Triangles)
	if err != nil {
		return nil, err
	}
	return &SurfaceModel{Surface: surf, Frame: geometry.FrameHead, Evaluator: m.Evaluator}, nil
}

type surfaceBoundary struct {
	surf   *geometry.Surface
	center geometry.Vec3
}

func (b surfaceBoundary) Distance(r geometry.Vec3) float64 {
	return b.surf.SignedDistance(r)
}

func (b surfaceBoundary) Center() geometry.Vec3 {
	return b.center
}

func (b surfaceBoundary) Bounds() geometry.Box {
	return geometry.BoundingBox(b.surf.Vertices)
}
