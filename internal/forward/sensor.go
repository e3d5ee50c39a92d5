// Package forward computes dipole leadfields for MEG and EEG sensor arrays.
package forward

import (
	"encoding/json"
	"fmt"
	"math"

	"dipfit/pkg/geometry"
)

// SensorKind identifies what a channel measures.
type SensorKind int

const (
	SensorMag  SensorKind = iota // Magnetometer, T
	SensorGrad                   // Planar gradiometer, T/m
	SensorEEG                    // Scalp electrode, V
)

func (k SensorKind) String() string {
	switch k {
	case SensorMag:
		return "mag"
	case SensorGrad:
		return "grad"
	case SensorEEG:
		return "eeg"
	default:
		return "unknown"
	}
}

// ParseSensorKind maps a channel type name to its kind.
func ParseSensorKind(s string) (SensorKind, error) {
	switch s {
	case "mag":
		return SensorMag, nil
	case "grad":
		return SensorGrad, nil
	case "eeg":
		return SensorEEG, nil
	}
	return 0, fmt.Errorf("unknown sensor kind %q", s)
}

// MarshalJSON encodes the kind by name.
func (k SensorKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a kind name.
func (k *SensorKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseSensorKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// IsMEG reports whether the kind is a magnetic sensor.
func (k SensorKind) IsMEG() bool {
	return k == SensorMag || k == SensorGrad
}

// Accuracy selects how finely coils are integrated.
type Accuracy int

const (
	AccuracyNormal   Accuracy = iota // One point per coil
	AccuracyAccurate                 // Four points per coil
)

func (a Accuracy) String() string {
	if a == AccuracyAccurate {
		return "accurate"
	}
	return "normal"
}

// ParseAccuracy maps "normal" or "accurate" to an Accuracy.
func ParseAccuracy(s string) (Accuracy, error) {
	switch s {
	case "normal":
		return AccuracyNormal, nil
	case "accurate":
		return AccuracyAccurate, nil
	}
	return 0, fmt.Errorf("accuracy must be \"normal\" or \"accurate\", got %q", s)
}

// Sensor describes one channel's geometry in head coordinates.
type Sensor struct {
	Name   string        `json:"name"`
	Kind   SensorKind    `json:"kind"`
	Pos    geometry.Vec3 `json:"pos"`    // Coil or electrode center, meters
	Normal geometry.Vec3 `json:"normal"` // Coil normal (MEG)

	// Planar gradiometers measure the field difference along GradDir
	// between two coils Baseline apart.
	GradDir  geometry.Vec3 `json:"grad_dir"`
	Baseline float64       `json:"baseline,omitempty"`

	CoilSize float64 `json:"coil_size,omitempty"` // Square coil side, meters
}

// Default coil dimensions.
const (
	DefaultCoilSize = 0.0258
	DefaultBaseline = 0.0168
)

// coilPoint is one integration point of a sensor.
type coilPoint struct {
	pos    geometry.Vec3
	normal geometry.Vec3
	weight float64
}

// Validate checks that the geometry fits the kind.
func (s Sensor) Validate() error {
	if !s.Pos.IsFinite() {
		return fmt.Errorf("sensor %s: position is not finite", s.Name)
	}
	switch s.Kind {
	case SensorMag:
		if s.Normal.Norm() == 0 {
			return fmt.Errorf("sensor %s: magnetometer needs a normal", s.Name)
		}
	case SensorGrad:
		if s.Normal.Norm() == 0 || s.GradDir.Norm() == 0 || s.Baseline <= 0 {
			return fmt.Errorf("sensor %s: gradiometer needs normal, gradient direction and baseline", s.Name)
		}
	case SensorEEG:
	default:
		return fmt.Errorf("sensor %s: unknown kind %d", s.Name, int(s.Kind))
	}
	return nil
}

// points returns the integration points for an MEG sensor.
func (s Sensor) points(acc Accuracy) []coilPoint {
	n := s.Normal.Unit()
	var centers []coilPoint
	switch s.Kind {
	case SensorGrad:
		d := s.GradDir.Unit().Scale(s.Baseline / 2)
		centers = []coilPoint{
			{pos: s.Pos.Add(d), normal: n, weight: 1 / s.Baseline},
			{pos: s.Pos.Sub(d), normal: n, weight: -1 / s.Baseline},
		}
	default:
		centers = []coilPoint{{pos: s.Pos, normal: n, weight: 1}}
	}
	if acc != AccuracyAccurate {
		return centers
	}

	size := s.CoilSize
	if size <= 0 {
		size = DefaultCoilSize
	}
	if s.Kind == SensorGrad {
		size = math.Min(size, s.Baseline)
	}
	// Two-point Gauss rule per axis on the square coil
	off := size / (2 * math.Sqrt(3))
	u := n.Perpendicular()
	v := n.Cross(u)
	var out []coilPoint
	for _, c := range centers {
		for _, su := range []float64{-1, 1} {
			for _, sv := range []float64{-1, 1} {
				out = append(out, coilPoint{
					pos:    c.pos.Add(u.Scale(su * off)).Add(v.Scale(sv * off)),
					normal: n,
					weight: c.weight / 4,
				})
			}
		}
	}
	return out
}

// HelmetArray places n sensor locations on a hemisphere of the given radius
// around center with radial normals. Each location gets a magnetometer and
// two orthogonal planar gradiometers, so 3n channels are returned.
func HelmetArray(center geometry.Vec3, radius float64, n int) []Sensor {
	locs := geometry.GenerateSpherePoints(center, radius, n, -0.1)
	sensors := make([]Sensor, 0, 3*n)
	for i, p := range locs {
		normal := p.Sub(center).Unit()
		e1 := normal.Perpendicular()
		e2 := normal.Cross(e1)
		base := fmt.Sprintf("MEG%03d", i+1)
		sensors = append(sensors,
			Sensor{Name: base + "1", Kind: SensorMag, Pos: p, Normal: normal, CoilSize: DefaultCoilSize},
			Sensor{Name: base + "2", Kind: SensorGrad, Pos: p, Normal: normal, GradDir: e1, Baseline: DefaultBaseline, CoilSize: DefaultCoilSize},
			Sensor{Name: base + "3", Kind: SensorGrad, Pos: p, Normal: normal, GradDir: e2, Baseline: DefaultBaseline, CoilSize: DefaultCoilSize},
		)
	}
	return sensors
}

// EEGCap places n electrodes on the upper part of a sphere.
func EEGCap(center geometry.Vec3, radius float64, n int) []Sensor {
	locs := geometry.GenerateSpherePoints(center, radius, n, -0.2)
	sensors := make([]Sensor, len(locs))
	for i, p := range locs {
		sensors[i] = Sensor{Name: fmt.Sprintf("EEG%03d", i+1), Kind: SensorEEG, Pos: p}
	}
	return sensors
}
