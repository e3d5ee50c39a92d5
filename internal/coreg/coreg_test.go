package coreg

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dipfit/pkg/geometry"
)

// landmarks returns LPA, nasion, RPA, vertex and two scalp points.
func landmarks() []geometry.Vec3 {
	return []geometry.Vec3{
		geometry.NewVec3(-0.07, 0, 0),
		geometry.NewVec3(0, 0.1, 0),
		geometry.NewVec3(0.07, 0, 0),
		geometry.NewVec3(0, 0.02, 0.09),
		geometry.NewVec3(0.03, -0.06, 0.05),
		geometry.NewVec3(-0.04, 0.05, 0.06),
	}
}

func truth() geometry.Transform {
	t := geometry.RotationZ(geometry.FrameHead, geometry.FrameMRI, 0.3)
	// Add a tilt about x so the rotation is not planar.
	c, s := math.Cos(-0.2), math.Sin(-0.2)
	rx := geometry.Identity(geometry.FrameHead, geometry.FrameHead)
	rx.R[1] = [3]float64{0, c, -s}
	rx.R[2] = [3]float64{0, s, c}
	t = t.Compose(rx)
	t.T = geometry.NewVec3(0.002, -0.01, 0.035)
	return t
}

func assertTransform(t *testing.T, want, got geometry.Transform, tol float64) {
	t.Helper()
	for i := 0; i < 3; i++ {
		assert.InDeltaSlice(t, want.R[i][:], got.R[i][:], tol)
	}
	assert.InDeltaSlice(t, want.T.Slice(), got.T.Slice(), tol)
}

func TestFitRigidRecoversTransform(t *testing.T) {
	src := landmarks()
	want := truth()
	got, err := FitRigid(src, want.ApplyAll(src))
	require.NoError(t, err)
	assertTransform(t, want, got, 1e-10)
}

func TestFitRigidErrors(t *testing.T) {
	src := landmarks()
	_, err := FitRigid(src[:2], src[:2])
	assert.Error(t, err)
	_, err = FitRigid(src, src[:4])
	assert.Error(t, err)

	line := []geometry.Vec3{geometry.NewVec3(0, 0, 0), geometry.NewVec3(0.01, 0, 0), geometry.NewVec3(0.02, 0, 0)}
	_, err = FitRigid(line, line)
	assert.Error(t, err)
}

func TestFitRigidRANSACRejectsOutlier(t *testing.T) {
	src := landmarks()
	want := truth()
	dst := want.ApplyAll(src)
	dst[4] = dst[4].Add(geometry.NewVec3(0.03, 0, 0))

	got, inliers, err := FitRigidRANSAC(src, dst, 200, 0.002, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 5}, inliers)
	assertTransform(t, want, got, 1e-10)

	// Plain least squares is pulled off by the bad point.
	ls, err := FitRigid(src, dst)
	require.NoError(t, err)
	assert.Greater(t, ls.T.Distance(want.T), 1e-4)
}

func TestFitMatchesByName(t *testing.T) {
	names := []string{"lpa", "nasion", "rpa", "vertex", "inion", "extra"}
	src := &PointSet{Frame: "head"}
	dst := &PointSet{Frame: "mri"}
	want := truth()
	for i, p := range landmarks() {
		src.Points = append(src.Points, Point{Name: names[i], Pos: p})
	}
	// Reverse order and drop one point on the MRI side.
	moved := want.ApplyAll(landmarks())
	for i := len(moved) - 2; i >= 0; i-- {
		dst.Points = append(dst.Points, Point{Name: names[i], Pos: moved[i]})
	}

	s, d, matched := Match(src, dst)
	assert.Equal(t, names[:5], matched)
	assert.Len(t, s, 5)
	assert.Len(t, d, 5)

	res, err := Fit(src, dst, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, geometry.FrameHead, res.Transform.From)
	assert.Equal(t, geometry.FrameMRI, res.Transform.To)
	assert.Less(t, res.MeanError, 1e-10)
	assert.Len(t, res.Errors, 5)

	dst.Frame = "scanner"
	_, err = Fit(src, dst, DefaultOptions())
	assert.Error(t, err)
}

func TestLoadPoints(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fid.json")
	data, err := json.Marshal(PointSet{Frame: "head", Points: []Point{{Name: "nasion", Pos: geometry.NewVec3(0, 0.1, 0)}}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	ps, err := LoadPoints(path)
	require.NoError(t, err)
	assert.Equal(t, "nasion", ps.Points[0].Name)

	require.NoError(t, os.WriteFile(path, []byte(`{"frame":"nowhere","points":[]}`), 0644))
	_, err = LoadPoints(path)
	assert.Error(t, err)
}
