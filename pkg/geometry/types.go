// Package geometry provides basic geometric types used throughout the application.
package geometry

import (
	"fmt"
	"math"
)

// Vec3 represents a 3D point or direction with floating-point coordinates.
// Positions are in meters unless a function says otherwise.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// NewVec3 creates a new Vec3.
func NewVec3(x, y, z float64) Vec3 {
	return Vec3{X: x, Y: y, Z: z}
}

// FromSlice creates a Vec3 from the first three elements of s.
func FromSlice(s []float64) Vec3 {
	return Vec3{X: s[0], Y: s[1], Z: s[2]}
}

// Slice returns the components as a new slice.
func (p Vec3) Slice() []float64 {
	return []float64{p.X, p.Y, p.Z}
}

// At returns component i (0=X, 1=Y, 2=Z).
func (p Vec3) At(i int) float64 {
	switch i {
	case 0:
		return p.X
	case 1:
		return p.Y
	case 2:
		return p.Z
	}
	panic("geometry: Vec3 index out of range")
}

// Distance returns the Euclidean distance to another point.
func (p Vec3) Distance(other Vec3) float64 {
	return p.Sub(other).Norm()
}

// Add returns the sum of two vectors.
func (p Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: p.X + other.X, Y: p.Y + other.Y, Z: p.Z + other.Z}
}

// Sub returns the difference of two vectors.
func (p Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: p.X - other.X, Y: p.Y - other.Y, Z: p.Z - other.Z}
}

// Scale returns the vector scaled by a factor.
func (p Vec3) Scale(factor float64) Vec3 {
	return Vec3{X: p.X * factor, Y: p.Y * factor, Z: p.Z * factor}
}

// Dot returns the scalar product.
func (p Vec3) Dot(other Vec3) float64 {
	return p.X*other.X + p.Y*other.Y + p.Z*other.Z
}

// Cross returns the vector product p × other.
func (p Vec3) Cross(other Vec3) Vec3 {
	return Vec3{
		X: p.Y*other.Z - p.Z*other.Y,
		Y: p.Z*other.X - p.X*other.Z,
		Z: p.X*other.Y - p.Y*other.X,
	}
}

// Norm returns the Euclidean length.
func (p Vec3) Norm() float64 {
	return math.Sqrt(p.Dot(p))
}

// Unit returns the vector scaled to unit length. The zero vector is returned unchanged.
func (p Vec3) Unit() Vec3 {
	n := p.Norm()
	if n == 0 {
		return p
	}
	return p.Scale(1 / n)
}

// IsFinite reports whether all components are finite.
func (p Vec3) IsFinite() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) &&
		!math.IsNaN(p.Y) && !math.IsInf(p.Y, 0) &&
		!math.IsNaN(p.Z) && !math.IsInf(p.Z, 0)
}

// Perpendicular returns a unit vector orthogonal to p.
func (p Vec3) Perpendicular() Vec3 {
	// Cross with the axis least aligned with p
	axis := Vec3{X: 1}
	ax, ay, az := math.Abs(p.X), math.Abs(p.Y), math.Abs(p.Z)
	if ay <= ax && ay <= az {
		axis = Vec3{Y: 1}
	} else if az <= ax && az <= ay {
		axis = Vec3{Z: 1}
	}
	return p.Cross(axis).Unit()
}

// Frame identifies a coordinate system.
type Frame int

const (
	FrameUnknown Frame = iota
	FrameHead          // Head coordinates
	FrameMRI           // FreeSurfer surface RAS
	FrameMNI           // MNI Talairach
	FrameDevice        // MEG device coordinates
	FrameVoxel         // Volume voxel indices
)

func (f Frame) String() string {
	switch f {
	case FrameHead:
		return "head"
	case FrameMRI:
		return "mri"
	case FrameMNI:
		return "mni_tal"
	case FrameDevice:
		return "meg"
	case FrameVoxel:
		return "voxel"
	default:
		return "unknown"
	}
}

// ParseFrame is the inverse of Frame.String.
func ParseFrame(s string) (Frame, error) {
	for f := FrameHead; f <= FrameVoxel; f++ {
		if f.String() == s {
			return f, nil
		}
	}
	return FrameUnknown, fmt.Errorf("unknown coordinate frame %q", s)
}

// Transform represents a 3x4 affine transformation between two frames.
// [r00 r01 r02 tx]
// [r10 r11 r12 ty]
// [r20 r21 r22 tz]
type Transform struct {
	From Frame         `json:"from"`
	To   Frame         `json:"to"`
	R    [3][3]float64 `json:"rotation"`
	T    Vec3          `json:"translation"`
}

// Identity returns the identity transform between two frames.
func Identity(from, to Frame) Transform {
	t := Transform{From: from, To: to}
	t.R[0][0], t.R[1][1], t.R[2][2] = 1, 1, 1
	return t
}

// Translation returns a translation transform.
func Translation(from, to Frame, d Vec3) Transform {
	t := Identity(from, to)
	t.T = d
	return t
}

// RotationZ returns a rotation around the Z axis.
func RotationZ(from, to Frame, radians float64) Transform {
	cos := math.Cos(radians)
	sin := math.Sin(radians)
	t := Transform{From: from, To: to}
	t.R[0] = [3]float64{cos, -sin, 0}
	t.R[1] = [3]float64{sin, cos, 0}
	t.R[2] = [3]float64{0, 0, 1}
	return t
}

// Scaling returns an isotropic scaling transform.
func Scaling(from, to Frame, s float64) Transform {
	t := Transform{From: from, To: to}
	t.R[0][0], t.R[1][1], t.R[2][2] = s, s, s
	return t
}

// Apply applies the transform to a point.
func (t Transform) Apply(p Vec3) Vec3 {
	return Vec3{
		X: t.R[0][0]*p.X + t.R[0][1]*p.Y + t.R[0][2]*p.Z + t.T.X,
		Y: t.R[1][0]*p.X + t.R[1][1]*p.Y + t.R[1][2]*p.Z + t.T.Y,
		Z: t.R[2][0]*p.X + t.R[2][1]*p.Y + t.R[2][2]*p.Z + t.T.Z,
	}
}

// ApplyVector applies only the linear part (for directions).
func (t Transform) ApplyVector(p Vec3) Vec3 {
	return t.Apply(p).Sub(t.T)
}

// ApplyAll applies the transform to every point.
func (t Transform) ApplyAll(points []Vec3) []Vec3 {
	out := make([]Vec3, len(points))
	for i, p := range points {
		out[i] = t.Apply(p)
	}
	return out
}

// Compose returns this transform composed with another (this * other):
// other is applied first. other.To must equal t.From unless either is unknown.
func (t Transform) Compose(other Transform) Transform {
	var out Transform
	out.From = other.From
	out.To = t.To
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.R[i][j] = t.R[i][0]*other.R[0][j] + t.R[i][1]*other.R[1][j] + t.R[i][2]*other.R[2][j]
		}
	}
	out.T = t.Apply(other.T)
	return out
}

// ToMatrix returns the transform as a homogeneous [4][4]float64 array.
func (t Transform) ToMatrix() [4][4]float64 {
	var m [4][4]float64
	for i := 0; i < 3; i++ {
		copy(m[i][:3], t.R[i][:])
		m[i][3] = t.T.At(i)
	}
	m[3][3] = 1
	return m
}

// FromMatrix creates a Transform from a homogeneous [4][4]float64 array.
func FromMatrix(from, to Frame, m [4][4]float64) Transform {
	t := Transform{From: from, To: to}
	for i := 0; i < 3; i++ {
		copy(t.R[i][:], m[i][:3])
	}
	t.T = Vec3{X: m[0][3], Y: m[1][3], Z: m[2][3]}
	return t
}

// GenerateSpherePoints generates n nearly evenly spaced points on a sphere
// cap using a Fibonacci spiral. minZ bounds the cap: -1 covers the whole
// sphere, 0 the upper hemisphere.
func GenerateSpherePoints(center Vec3, radius float64, n int, minZ float64) []Vec3 {
	points := make([]Vec3, n)
	golden := math.Pi * (3 - math.Sqrt(5))
	for i := 0; i < n; i++ {
		z := 1 - (1-minZ)*(float64(i)+0.5)/float64(n)
		rho := math.Sqrt(math.Max(0, 1-z*z))
		phi := float64(i) * golden
		points[i] = Vec3{
			X: center.X + radius*rho*math.Cos(phi),
			Y: center.Y + radius*rho*math.Sin(phi),
			Z: center.Z + radius*z,
		}
	}
	return points
}

// Centroid computes the centroid (average position) of a set of points.
func Centroid(points []Vec3) Vec3 {
	if len(points) == 0 {
		return Vec3{}
	}
	var sum Vec3
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Scale(1 / float64(len(points)))
}

// Box is an axis-aligned bounding box.
type Box struct {
	Min Vec3 `json:"min"`
	Max Vec3 `json:"max"`
}

// Contains returns true if the point is inside the box.
func (b Box) Contains(p Vec3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// BoundingBox computes the axis-aligned bounding box of a set of points.
func BoundingBox(points []Vec3) Box {
	if len(points) == 0 {
		return Box{}
	}
	b := Box{Min: points[0], Max: points[0]}
	for _, p := range points[1:] {
		b.Min.X = math.Min(b.Min.X, p.X)
		b.Min.Y = math.Min(b.Min.Y, p.Y)
		b.Min.Z = math.Min(b.Min.Z, p.Z)
		b.Max.X = math.Max(b.Max.X, p.X)
		b.Max.Y = math.Max(b.Max.Y, p.Y)
		b.Max.Z = math.Max(b.Max.Z, p.Z)
	}
	return b
}
