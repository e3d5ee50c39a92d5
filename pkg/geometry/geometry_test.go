package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVec3Ops(t *testing.T) {
	a := NewVec3(1, 0, 0)
	b := NewVec3(0, 1, 0)
	assert.Equal(t, NewVec3(0, 0, 1), a.Cross(b))
	assert.Equal(t, 0.0, a.Dot(b))
	assert.InDelta(t, math.Sqrt2, a.Distance(b), 1e-12)
	assert.Equal(t, []float64{1, 0, 0}, a.Slice())
	assert.Equal(t, a, FromSlice([]float64{1, 0, 0, 9}))
	assert.Equal(t, Vec3{}, Vec3{}.Unit())
	assert.False(t, NewVec3(math.NaN(), 0, 0).IsFinite())
	assert.True(t, a.IsFinite())

	for _, v := range []Vec3{a, b, {Z: 2}, {X: 1, Y: 1, Z: 1}} {
		p := v.Perpendicular()
		assert.InDelta(t, 1, p.Norm(), 1e-12)
		assert.InDelta(t, 0, p.Dot(v), 1e-12)
	}
}

func TestTransformComposeAndInverse(t *testing.T) {
	rot := RotationZ(FrameHead, FrameMRI, math.Pi/2)
	shift := Translation(FrameMRI, FrameMNI, NewVec3(0.01, 0, 0))
	both := shift.Compose(rot)
	assert.Equal(t, FrameHead, both.From)
	assert.Equal(t, FrameMNI, both.To)

	p := both.Apply(NewVec3(1, 0, 0))
	assert.InDelta(t, 0.01, p.X, 1e-12)
	assert.InDelta(t, 1, p.Y, 1e-12)

	inv, err := both.Inverse()
	require.NoError(t, err)
	assert.Equal(t, FrameMNI, inv.From)
	back := inv.Apply(p)
	assert.InDelta(t, 1, back.X, 1e-12)
	assert.InDelta(t, 0, back.Y, 1e-12)

	// Directions ignore the translation.
	dir := both.ApplyVector(NewVec3(1, 0, 0))
	assert.InDelta(t, 0, dir.X, 1e-12)

	_, err = Scaling(FrameHead, FrameMRI, 0).Inverse()
	require.Error(t, err)

	m := both.ToMatrix()
	assert.Equal(t, both, FromMatrix(FrameHead, FrameMNI, m))
	assert.InDelta(t, -1, both.Matrix().At(0, 1), 1e-12)
}

func TestApplyFrames(t *testing.T) {
	tr := Translation(FrameHead, FrameMRI, NewVec3(0, 0, 1))
	pts := []Vec3{{X: 1}}

	out, err := tr.ApplyFrames(pts, FrameHead, FrameMRI)
	require.NoError(t, err)
	assert.Equal(t, NewVec3(1, 0, 1), out[0])

	out, err = tr.ApplyFrames(out, FrameMRI, FrameHead)
	require.NoError(t, err)
	assert.InDelta(t, 0, out[0].Z, 1e-12)

	same, err := tr.ApplyFrames(pts, FrameMNI, FrameMNI)
	require.NoError(t, err)
	assert.Equal(t, pts, same)

	_, err = tr.ApplyFrames(pts, FrameDevice, FrameMRI)
	require.Error(t, err)

	// Unknown frames act as wildcards.
	wild := Translation(FrameUnknown, FrameUnknown, NewVec3(1, 0, 0))
	out, err = wild.ApplyFrames(pts, FrameDevice, FrameHead)
	require.NoError(t, err)
	assert.InDelta(t, 2, out[0].X, 1e-12)
}

func TestIcosphereContains(t *testing.T) {
	center := NewVec3(0, 0, 0.04)
	s := Icosphere(center, 0.08, 3)
	require.Len(t, s.Triangles, 20*64)

	assert.True(t, s.Contains(center))
	assert.True(t, s.Contains(center.Add(NewVec3(0.07, 0, 0))))
	assert.False(t, s.Contains(center.Add(NewVec3(0.09, 0, 0))))

	assert.InDelta(t, 4*math.Pi, math.Abs(s.SolidAngle(center)), 1e-9)
	assert.InDelta(t, 0, s.SolidAngle(NewVec3(1, 1, 1)), 1e-9)

	d := s.SignedDistance(center)
	assert.InDelta(t, 0.08, d, 1e-9)
	assert.Less(t, s.SignedDistance(NewVec3(0.2, 0, 0)), 0.0)

	moved := s.Transform(Translation(FrameHead, FrameHead, NewVec3(0, 0, -0.04)))
	assert.True(t, moved.Contains(Vec3{}))
	assert.InDelta(t, 0.08, moved.NearestDistance(Vec3{}), 1e-9)
}

func TestNewSurfaceValidates(t *testing.T) {
	ico := Icosphere(Vec3{}, 1, 0)
	_, err := NewSurface(ico.Vertices, ico.Triangles)
	require.NoError(t, err)

	bad := append([][3]int(nil), ico.Triangles...)
	bad[0] = [3]int{0, 1, 99}
	_, err = NewSurface(ico.Vertices, bad)
	require.Error(t, err)

	_, err = NewSurface(ico.Vertices[:3], ico.Triangles[:1])
	require.Error(t, err)
}

func TestSpherePointsAndBounds(t *testing.T) {
	center := NewVec3(0, 0, 0.04)
	pts := GenerateSpherePoints(center, 0.12, 100, 0)
	require.Len(t, pts, 100)
	for _, p := range pts {
		assert.InDelta(t, 0.12, p.Distance(center), 1e-12)
		assert.GreaterOrEqual(t, p.Z, center.Z)
	}
	c := Centroid(pts)
	assert.InDelta(t, 0, c.X, 0.01)

	box := BoundingBox(pts)
	assert.True(t, box.Contains(pts[17]))
	assert.False(t, box.Contains(NewVec3(0, 0, -1)))
	assert.Equal(t, Box{}, BoundingBox(nil))
	assert.Equal(t, "mni_tal", FrameMNI.String())
}
