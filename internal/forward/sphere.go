package forward

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"

	"dipfit/pkg/geometry"
)

const (
	mu0Over4Pi = 1e-7
	// DefaultSigma is the scalp conductivity in S/m.
	DefaultSigma = 0.33
)

// DefaultRelativeRadii are the shell radii (inner skull, outer skull,
// scalp inner, scalp outer) as fractions of the head radius.
var DefaultRelativeRadii = []float64{0.90, 0.92, 0.97, 1.0}

// Sphere is a spherically symmetric conductor. MEG fields follow Sarvas'
// closed form, which does not depend on the shell radii. EEG potentials
// use a homogeneous sphere of radius HeadRadius.
type Sphere struct {
	Origin     geometry.Vec3 `json:"origin"`
	HeadRadius float64       `json:"head_radius"` // Zero for MEG-only models
	RelRadii   []float64     `json:"rel_radii"`
	Sigma      float64       `json:"sigma"`
}

// NewSphere builds a sphere model with the default shells.
func NewSphere(origin geometry.Vec3, headRadius float64) *Sphere {
	return &Sphere{
		Origin:     origin,
		HeadRadius: headRadius,
		RelRadii:   append([]float64(nil), DefaultRelativeRadii...),
		Sigma:      DefaultSigma,
	}
}

func (s *Sphere) String() string {
	return fmt.Sprintf("<Sphere | origin : (%0.1f, %0.1f, %0.1f) mm, radius : %0.1f mm>",
		s.Origin.X*1e3, s.Origin.Y*1e3, s.Origin.Z*1e3, s.HeadRadius*1e3)
}

// LoadSphere reads a sphere model saved with Save.
func LoadSphere(path string) (*Sphere, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sphere model: %w", err)
	}
	s := NewSphere(geometry.Vec3{}, 0)
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse sphere model: %w", err)
	}
	if s.HeadRadius < 0 {
		return nil, fmt.Errorf("sphere model %s: negative head radius %g", path, s.HeadRadius)
	}
	return s, nil
}

// Save writes the model as JSON.
func (s *Sphere) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sphere model: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write sphere model: %w", err)
	}
	return nil
}

// InnerSkull returns the innermost shell. MEG-only spheres have no shells
// and use a 90 mm limit.
func (s *Sphere) InnerSkull() Boundary {
	r := 0.09
	if s.HeadRadius > 0 && len(s.RelRadii) > 0 {
		r = s.RelRadii[0] * s.HeadRadius
	}
	return sphereBoundary{center: s.Origin, radius: r}
}

// Leadfield implements Model.
func (s *Sphere) Leadfield(r geometry.Vec3, sensors []Sensor, acc Accuracy) (*mat.Dense, error) {
	if !r.IsFinite() {
		return nil, fmt.Errorf("dipole position %v is not finite", r)
	}
	lf := mat.NewDense(len(sensors), 3, nil)
	rel := r.Sub(s.Origin)
	for i, sen := range sensors {
		var row [3]float64
		switch sen.Kind {
		case SensorMag, SensorGrad:
			for _, pt := range sen.points(acc) {
				b := sarvasField(rel, pt.pos.Sub(s.Origin))
				for j := 0; j < 3; j++ {
					row[j] += pt.weight * b[j].Dot(pt.normal)
				}
			}
		case SensorEEG:
			if s.HeadRadius <= 0 {
				return nil, fmt.Errorf("sensor %s: EEG needs a sphere with a head radius", sen.Name)
			}
			if rel.Norm() >= s.HeadRadius {
				return nil, fmt.Errorf("%w: %v is outside the %g m sphere", ErrOutsideModel, r, s.HeadRadius)
			}
			row = s.eegPotential(rel, sen.Pos.Sub(s.Origin))
		default:
			return nil, fmt.Errorf("sensor %s: unknown kind %d", sen.Name, int(sen.Kind))
		}
		lf.SetRow(i, row[:])
	}
	return lf, nil
}

// sarvasField returns the magnetic field at sensor location rs produced by
// unit dipoles along x, y and z at r0, both relative to the sphere origin.
func sarvasField(r0, rs geometry.Vec3) [3]geometry.Vec3 {
	a := rs.Sub(r0)
	an := a.Norm()
	rn := rs.Norm()
	ar := a.Dot(rs)
	f := an * (rn*an + rn*rn - r0.Dot(rs))
	var out [3]geometry.Vec3
	if f == 0 || an == 0 || rn == 0 {
		return out
	}
	gradF := rs.Scale(an*an/rn + ar/an + 2*an + 2*rn).Sub(r0.Scale(an + 2*rn + ar/an))
	axes := [3]geometry.Vec3{{X: 1}, {Y: 1}, {Z: 1}}
	for j, q := range axes {
		qxr0 := q.Cross(r0)
		out[j] = qxr0.Scale(f).Sub(gradF.Scale(qxr0.Dot(rs))).Scale(mu0Over4Pi / (f * f))
	}
	return out
}

// eegPotential returns the potential at electrode re for unit dipoles at r0
// in a homogeneous sphere. The electrode is projected onto the surface.
func (s *Sphere) eegPotential(r0, re geometry.Vec3) [3]float64 {
	if re.Norm() == 0 {
		return [3]float64{}
	}
	r := re.Unit().Scale(s.HeadRadius)
	rn := s.HeadRadius
	d := r.Sub(r0)
	dn := d.Norm()
	sigma := s.Sigma
	if sigma <= 0 {
		sigma = DefaultSigma
	}
	g := d.Scale(2 / (dn * dn * dn)).Add(
		r.Scale(dn).Add(d.Scale(rn)).Scale(1 / (rn * dn * (rn*dn + r.Dot(d)))))
	g = g.Scale(1 / (4 * math.Pi * sigma))
	return [3]float64{g.X, g.Y, g.Z}
}

type sphereBoundary struct {
	center geometry.Vec3
	radius float64
}

func (b sphereBoundary) Distance(r geometry.Vec3) float64 {
	return b.radius - r.Distance(b.center)
}

func (b sphereBoundary) Center() geometry.Vec3 {
	return b.center
}

func (b sphereBoundary) Bounds() geometry.Box {
	d := geometry.NewVec3(b.radius, b.radius, b.radius)
	return geometry.Box{Min: b.center.Sub(d), Max: b.center.Add(d)}
}
