package forward

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"dipfit/pkg/geometry"
)

var origin = geometry.NewVec3(0, 0, 0.04)

func TestRadialDipoleIsSilentInMEG(t *testing.T) {
	sphere := NewSphere(origin, 0.09)
	sensors := HelmetArray(origin, 0.12, 30)
	r := origin.Add(geometry.NewVec3(0.02, -0.01, 0.03))

	lf, err := sphere.Leadfield(r, sensors, AccuracyNormal)
	require.NoError(t, err)
	rows, cols := lf.Dims()
	require.Equal(t, 90, rows)
	require.Equal(t, 3, cols)

	radial := mat.NewVecDense(3, r.Sub(origin).Unit().Slice())
	var b mat.VecDense
	b.MulVec(lf, radial)
	assert.Less(t, mat.Norm(&b, 2), 1e-12*mat.Norm(lf, 2))

	// A tangential dipole is not silent, so the leadfield has rank 2.
	var svd mat.SVD
	require.True(t, svd.Factorize(lf, mat.SVDThin))
	s := svd.Values(nil)
	assert.Greater(t, s[1]/s[0], 0.05)
	assert.Less(t, s[2]/s[0], 1e-10)
}

func TestMagnetometerFieldMagnitude(t *testing.T) {
	// 10 nAm tangential dipole 6 cm deep under a 12 cm helmet gives
	// fields of order 100 fT.
	sphere := NewSphere(origin, 0.09)
	sensors := HelmetArray(origin, 0.12, 60)
	var mags []Sensor
	for _, s := range sensors {
		if s.Kind == SensorMag {
			mags = append(mags, s)
		}
	}
	data, err := Simulate(sphere, mags, origin.Add(geometry.NewVec3(0, 0, 0.06)), geometry.NewVec3(1, 0, 0), 10e-9, AccuracyNormal)
	require.NoError(t, err)
	peak := 0.0
	for _, v := range data {
		peak = math.Max(peak, math.Abs(v))
	}
	assert.Greater(t, peak, 10e-15)
	assert.Less(t, peak, 10e-12)
}

func TestEEGCentralDipole(t *testing.T) {
	const radius = 0.09
	sphere := NewSphere(origin, radius)
	sensors := EEGCap(origin, radius, 20)
	lf, err := sphere.Leadfield(origin, sensors, AccuracyNormal)
	require.NoError(t, err)

	// V = 3 Q cos(theta) / (4 pi sigma R^2) for a dipole at the center.
	for i, s := range sensors {
		cosTheta := s.Pos.Sub(origin).Unit().Z
		want := 3 * cosTheta / (4 * math.Pi * DefaultSigma * radius * radius)
		assert.InDelta(t, want, lf.At(i, 2), 1e-9*math.Abs(want)+1e-12, s.Name)
	}

	_, err = sphere.Leadfield(origin.Add(geometry.NewVec3(0.1, 0, 0)), sensors, AccuracyNormal)
	require.True(t, errors.Is(err, ErrOutsideModel))

	megOnly := NewSphere(origin, 0)
	_, err = megOnly.Leadfield(origin, sensors, AccuracyNormal)
	require.Error(t, err)
}

func TestAccurateIntegrationIsClose(t *testing.T) {
	sphere := NewSphere(origin, 0.09)
	sensors := HelmetArray(origin, 0.12, 40)
	r := origin.Add(geometry.NewVec3(0.01, 0.02, 0.04))

	normal, err := sphere.Leadfield(r, sensors, AccuracyNormal)
	require.NoError(t, err)
	accurate, err := sphere.Leadfield(r, sensors, AccuracyAccurate)
	require.NoError(t, err)

	var diff mat.Dense
	diff.Sub(normal, accurate)
	rel := mat.Norm(&diff, 2) / mat.Norm(normal, 2)
	assert.Greater(t, rel, 0.0)
	assert.Less(t, rel, 0.1)
}

func TestGradiometerIsDifference(t *testing.T) {
	sphere := NewSphere(origin, 0.09)
	grad := HelmetArray(origin, 0.12, 5)[1]
	require.Equal(t, SensorGrad, grad.Kind)
	d := grad.GradDir.Unit().Scale(grad.Baseline / 2)
	plus := Sensor{Name: "p", Kind: SensorMag, Pos: grad.Pos.Add(d), Normal: grad.Normal}
	minus := Sensor{Name: "m", Kind: SensorMag, Pos: grad.Pos.Sub(d), Normal: grad.Normal}

	r := origin.Add(geometry.NewVec3(0.02, 0.0, 0.05))
	lf, err := sphere.Leadfield(r, []Sensor{grad, plus, minus}, AccuracyNormal)
	require.NoError(t, err)
	for j := 0; j < 3; j++ {
		want := (lf.At(1, j) - lf.At(2, j)) / grad.Baseline
		assert.InDelta(t, want, lf.At(0, j), 1e-9*math.Abs(want)+1e-20)
	}
}

func TestSurfaceModel(t *testing.T) {
	sphere := NewSphere(origin, 0.09)
	calls := 0
	eval := EvaluatorFunc(func(r geometry.Vec3, sensors []Sensor, acc Accuracy) (*mat.Dense, error) {
		calls++
		return sphere.Leadfield(r, sensors, acc)
	})

	// Surface in MRI coordinates, 1 cm below head coordinates.
	surf := geometry.Icosphere(origin.Add(geometry.NewVec3(0, 0, 0.01)), 0.08, 2)
	model, err := NewSurfaceModel(surf, geometry.FrameMRI, eval)
	require.NoError(t, err)

	mriToHead := geometry.Translation(geometry.FrameMRI, geometry.FrameHead, geometry.NewVec3(0, 0, -0.01))
	m, err := Transformed(model, mriToHead)
	require.NoError(t, err)
	head := m.(*SurfaceModel)
	assert.Equal(t, geometry.FrameHead, head.Frame)

	skull := head.InnerSkull()
	assert.InDelta(t, 0, skull.Center().Distance(origin), 1e-9)
	assert.InDelta(t, 0.08, skull.Distance(origin), 1e-9)
	assert.Less(t, skull.Distance(origin.Add(geometry.NewVec3(0.1, 0, 0))), 0.0)

	sensors := HelmetArray(origin, 0.12, 10)
	_, err = head.Leadfield(origin.Add(geometry.NewVec3(0, 0, 0.03)), sensors, AccuracyNormal)
	require.NoError(t, err)
	_, err = head.Leadfield(origin.Add(geometry.NewVec3(0, 0, 0.085)), sensors, AccuracyNormal)
	require.ErrorIs(t, err, ErrOutsideModel)
	assert.Equal(t, 1, calls)

	same, err := Transformed(sphere, mriToHead)
	require.NoError(t, err)
	assert.Same(t, sphere, same)
}

func TestSimulateIsLinear(t *testing.T) {
	sphere := NewSphere(origin, 0.09)
	sensors := append(HelmetArray(origin, 0.12, 10), EEGCap(origin, 0.09, 10)...)
	pos := origin.Add(geometry.NewVec3(0.01, 0.01, 0.03))
	ori := geometry.NewVec3(0, 1, 0)

	a, err := Simulate(sphere, sensors, pos, ori, 1e-8, AccuracyNormal)
	require.NoError(t, err)
	b, err := Simulate(sphere, sensors, pos, ori, 3e-8, AccuracyNormal)
	require.NoError(t, err)
	for i := range a {
		assert.InDelta(t, 3*a[i], b[i], 1e-9*math.Abs(b[i])+1e-30)
	}
}

func TestSensorParsing(t *testing.T) {
	acc, err := ParseAccuracy("accurate")
	require.NoError(t, err)
	assert.Equal(t, AccuracyAccurate, acc)
	_, err = ParseAccuracy("sloppy")
	require.Error(t, err)

	s := Sensor{Name: "MEG0113", Kind: SensorGrad, Pos: origin, Normal: geometry.NewVec3(0, 0, 1), GradDir: geometry.NewVec3(1, 0, 0), Baseline: 0.0168}
	require.NoError(t, s.Validate())
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"grad"`)

	var back Sensor
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s, back)

	require.Error(t, json.Unmarshal([]byte(`{"kind":"ecog"}`), &back))
	require.Error(t, Sensor{Name: "bad", Kind: SensorMag}.Validate())
}

func TestSphereSaveLoad(t *testing.T) {
	s := NewSphere(origin, 0.095)
	path := filepath.Join(t.TempDir(), "sphere.json")
	require.NoError(t, s.Save(path))
	back, err := LoadSphere(path)
	require.NoError(t, err)
	assert.Equal(t, s, back)
	assert.InDelta(t, 0.9*0.095, back.InnerSkull().Distance(origin), 1e-12)

	box := back.InnerSkull().Bounds()
	assert.InDelta(t, origin.Z+0.9*0.095, box.Max.Z, 1e-12)
	assert.InDelta(t, -0.9*0.095, box.Min.X, 1e-12)

	// Missing keys keep the defaults.
	partial := filepath.Join(t.TempDir(), "partial.json")
	require.NoError(t, os.WriteFile(partial, []byte(`{"origin":{"x":0,"y":0,"z":0.04}}`), 0644))
	back, err = LoadSphere(partial)
	require.NoError(t, err)
	assert.Equal(t, DefaultSigma, back.Sigma)
	assert.Equal(t, 0.09, back.InnerSkull().Distance(origin))
}
