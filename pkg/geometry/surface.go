package geometry

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// Surface is a closed triangulated surface such as the inner skull.
type Surface struct {
	Vertices  []Vec3   `json:"vertices"`
	Triangles [][3]int `json:"triangles"`

	once sync.Once
	tree *kdtree.Tree
}

// NewSurface validates the triangle indices and builds the vertex search tree.
func NewSurface(vertices []Vec3, triangles [][3]int) (*Surface, error) {
	if len(vertices) < 4 || len(triangles) < 4 {
		return nil, fmt.Errorf("closed surface needs at least 4 vertices and 4 triangles, got %d and %d",
			len(vertices), len(triangles))
	}
	for i, tri := range triangles {
		for _, idx := range tri {
			if idx < 0 || idx >= len(vertices) {
				return nil, fmt.Errorf("triangle %d references vertex %d of %d", i, idx, len(vertices))
			}
		}
	}
	s := &Surface{Vertices: vertices, Triangles: triangles}
	s.buildTree()
	return s, nil
}

// buildTree indexes the vertices once; surfaces decoded from JSON build it lazily.
func (s *Surface) buildTree() {
	s.once.Do(s.indexVertices)
}

func (s *Surface) indexVertices() {
	pts := make(kdPoints, len(s.Vertices))
	for i, v := range s.Vertices {
		pts[i] = kdPoint(v)
	}
	s.tree = kdtree.New(pts, false)
}

// Transform returns a copy of the surface with every vertex transformed.
func (s *Surface) Transform(t Transform) *Surface {
	out := &Surface{
		Vertices:  t.ApplyAll(s.Vertices),
		Triangles: make([][3]int, len(s.Triangles)),
	}
	copy(out.Triangles, s.Triangles)
	out.buildTree()
	return out
}

// NearestDistance returns the distance from p to the closest surface vertex.
func (s *Surface) NearestDistance(p Vec3) float64 {
	s.buildTree()
	_, d2 := s.tree.Nearest(kdPoint(p))
	return math.Sqrt(d2)
}

// SolidAngle returns the total solid angle subtended by the surface at p.
// It is ±4π for interior points and 0 for exterior points.
func (s *Surface) SolidAngle(p Vec3) float64 {
	var total float64
	for _, tri := range s.Triangles {
		total += triangleSolidAngle(p, s.Vertices[tri[0]], s.Vertices[tri[1]], s.Vertices[tri[2]])
	}
	return total
}

// Contains tests if a point is inside the closed surface.
func (s *Surface) Contains(p Vec3) bool {
	return math.Abs(s.SolidAngle(p)) > 2*math.Pi
}

// SignedDistance returns the distance to the nearest vertex, positive
// inside the surface and negative outside.
func (s *Surface) SignedDistance(p Vec3) float64 {
	d := s.NearestDistance(p)
	if s.Contains(p) {
		return d
	}
	return -d
}

// triangleSolidAngle computes the solid angle of triangle v1-v2-v3 seen from p
// (Van Oosterom & Strackee).
func triangleSolidAngle(p, v1, v2, v3 Vec3) float64 {
	a := v1.Sub(p)
	b := v2.Sub(p)
	c := v3.Sub(p)
	la, lb, lc := a.Norm(), b.Norm(), c.Norm()
	num := a.Dot(b.Cross(c))
	den := la*lb*lc + a.Dot(b)*lc + a.Dot(c)*lb + b.Dot(c)*la
	return 2 * math.Atan2(num, den)
}

// Icosphere builds a closed sphere surface by subdividing an icosahedron.
func Icosphere(center Vec3, radius float64, subdivisions int) *Surface {
	t := (1 + math.Sqrt(5)) / 2
	verts := []Vec3{
		{-1, t, 0}, {1, t, 0}, {-1, -t, 0}, {1, -t, 0},
		{0, -1, t}, {0, 1, t}, {0, -1, -t}, {0, 1, -t},
		{t, 0, -1}, {t, 0, 1}, {-t, 0, -1}, {-t, 0, 1},
	}
	tris := [][3]int{
		{0, 11, 5}, {0, 5, 1}, {0, 1, 7}, {0, 7, 10}, {0, 10, 11},
		{1, 5, 9}, {5, 11, 4}, {11, 10, 2}, {10, 7, 6}, {7, 1, 8},
		{3, 9, 4}, {3, 4, 2}, {3, 2, 6}, {3, 6, 8}, {3, 8, 9},
		{4, 9, 5}, {2, 4, 11}, {6, 2, 10}, {8, 6, 7}, {9, 8, 1},
	}
	for i := range verts {
		verts[i] = verts[i].Unit()
	}

	for s := 0; s < subdivisions; s++ {
		midpoints := make(map[[2]int]int)
		midpoint := func(a, b int) int {
			key := [2]int{a, b}
			if a > b {
				key = [2]int{b, a}
			}
			if idx, ok := midpoints[key]; ok {
				return idx
			}
			verts = append(verts, verts[a].Add(verts[b]).Unit())
			midpoints[key] = len(verts) - 1
			return len(verts) - 1
		}
		next := make([][3]int, 0, len(tris)*4)
		for _, tri := range tris {
			ab := midpoint(tri[0], tri[1])
			bc := midpoint(tri[1], tri[2])
			ca := midpoint(tri[2], tri[0])
			next = append(next,
				[3]int{tri[0], ab, ca},
				[3]int{tri[1], bc, ab},
				[3]int{tri[2], ca, bc},
				[3]int{ab, bc, ca})
		}
		tris = next
	}

	for i := range verts {
		verts[i] = center.Add(verts[i].Scale(radius))
	}
	s := &Surface{Vertices: verts, Triangles: tris}
	s.buildTree()
	return s
}

// kdPoint adapts Vec3 to kdtree.Comparable.
type kdPoint Vec3

// Compare implements the kdtree.Comparable interface.
func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(kdPoint)
	return Vec3(p).At(int(d)) - Vec3(q).At(int(d))
}

// Dims returns the number of dimensions for the KD-tree.
func (p kdPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points.
func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	d := Vec3(p).Sub(Vec3(c.(kdPoint)))
	return d.Dot(d)
}

// kdPoints satisfies kdtree.Interface.
type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdPoints) Len() int                              { return len(p) }
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method.
func (p kdPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(kdPlane{kdPoints: p, Dim: d}, kdtree.MedianOfRandoms(kdPlane{kdPoints: p, Dim: d}, 100))
}

// kdPlane implements sort.Interface and kdtree.SortSlicer for kdPoints.
type kdPlane struct {
	kdPoints
	kdtree.Dim
}

func (p kdPlane) Less(i, j int) bool {
	return Vec3(p.kdPoints[i]).At(int(p.Dim)) < Vec3(p.kdPoints[j]).At(int(p.Dim))
}

func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	return kdPlane{kdPoints: p.kdPoints[start:end], Dim: p.Dim}
}

func (p kdPlane) Swap(i, j int) {
	p.kdPoints[i], p.kdPoints[j] = p.kdPoints[j], p.kdPoints[i]
}
