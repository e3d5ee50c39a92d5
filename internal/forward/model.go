package forward

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"dipfit/pkg/geometry"
)

// ErrOutsideModel is returned when a leadfield is requested outside the
// conductor's inner boundary.
var ErrOutsideModel = errors.New("source outside the conductor model")

// Boundary is the innermost conducting surface sources must lie within.
type Boundary interface {
	// Distance is the distance from r to the boundary, positive inside.
	Distance(r geometry.Vec3) float64
	// Center is the reference point used for guess grids and radial directions.
	Center() geometry.Vec3
	// Bounds is a box enclosing the boundary.
	Bounds() geometry.Box
}

// Model computes the field of a unit dipole at r on a set of sensors.
type Model interface {
	// Leadfield returns an nsensor×3 matrix whose columns are the
	// responses to unit dipoles along x, y and z.
	Leadfield(r geometry.Vec3, sensors []Sensor, acc Accuracy) (*mat.Dense, error)
	InnerSkull() Boundary
}

// Simulate returns the sensor data produced by a dipole with moment
// amplitude*ori at pos.
func Simulate(m Model, sensors []Sensor, pos, ori geometry.Vec3, amplitude float64, acc Accuracy) ([]float64, error) {
	lf, err := m.Leadfield(pos, sensors, acc)
	if err != nil {
		return nil, err
	}
	q := mat.NewVecDense(3, ori.Scale(amplitude).Slice())
	var out mat.VecDense
	out.MulVec(lf, q)
	return out.RawVector().Data, nil
}

// Transformed returns m with its geometry mapped into head coordinates.
// Surface models carry MRI-frame surfaces; spheres are already in head
// coordinates and are returned unchanged.
func Transformed(m Model, mriToHead geometry.Transform) (Model, error) {
	switch v := m.(type) {
	case *SurfaceModel:
		return v.ToHead(mriToHead)
	case *Sphere:
		return v, nil
	}
	return nil, fmt.Errorf("cannot transform model of type %T", m)
}
