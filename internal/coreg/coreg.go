// Package coreg estimates rigid transforms between coordinate frames from
// matched landmark points, such as digitized fiducials and their MRI
// locations.
package coreg

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"gonum.org/v1/gonum/mat"

	"dipfit/pkg/geometry"
)

// Point is a named landmark.
type Point struct {
	Name string        `json:"name"`
	Pos  geometry.Vec3 `json:"pos"` // Meters
}

// PointSet is a set of landmarks in one frame.
type PointSet struct {
	Frame  string  `json:"frame"`
	Points []Point `json:"points"`
}

// LoadPoints reads a PointSet from a JSON file.
func LoadPoints(path string) (*PointSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read points: %w", err)
	}
	var ps PointSet
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("failed to parse points %s: %w", path, err)
	}
	if _, err := geometry.ParseFrame(ps.Frame); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &ps, nil
}

// Match pairs the points of src and dst by name, in src order.
func Match(src, dst *PointSet) (s, d []geometry.Vec3, names []string) {
	byName := make(map[string]geometry.Vec3, len(dst.Points))
	for _, p := range dst.Points {
		byName[p.Name] = p.Pos
	}
	for _, p := range src.Points {
		q, ok := byName[p.Name]
		if !ok {
			continue
		}
		s = append(s, p.Pos)
		d = append(d, q)
		names = append(names, p.Name)
	}
	return s, d, names
}

// Result holds a fitted transform and its residuals.
type Result struct {
	Transform geometry.Transform
	Inliers   []int
	Errors    []float64 // Per-point distance after the fit, m
	MeanError float64   // Over inliers, m
}

// FitRigid computes the least-squares rotation and translation mapping src
// onto dst (Kabsch). At least three non-collinear pairs are needed.
func FitRigid(src, dst []geometry.Vec3) (geometry.Transform, error) {
	if len(src) != len(dst) {
		return geometry.Transform{}, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	if len(src) < 3 {
		return geometry.Transform{}, fmt.Errorf("need at least 3 points, got %d", len(src))
	}

	cs, cd := geometry.Centroid(src), geometry.Centroid(dst)
	h := mat.NewDense(3, 3, nil)
	for i := range src {
		a, b := src[i].Sub(cs), dst[i].Sub(cd)
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+a.At(r)*b.At(c))
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return geometry.Transform{}, fmt.Errorf("SVD of the cross-covariance failed")
	}
	vals := svd.Values(nil)
	if vals[1] < 1e-12*math.Max(vals[0], 1e-300) {
		return geometry.Transform{}, fmt.Errorf("points are degenerate (collinear or coincident)")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// Guard against a reflection.
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := mat.NewDiagDense(3, []float64{1, 1, 1})
	if mat.Det(&vut) < 0 {
		d.SetDiag(2, -1)
	}
	var r, vd mat.Dense
	vd.Mul(&v, d)
	r.Mul(&vd, u.T())

	t := geometry.Transform{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t.R[i][j] = r.At(i, j)
		}
	}
	t.T = cd.Sub(t.ApplyVector(cs))
	return t, nil
}

// FitRigidRANSAC fits a rigid transform robust to mislabelled or badly
// digitized points. Pairs farther than threshold (m) from their match under
// a candidate transform are outliers; the final transform is refit on the
// largest inlier set.
func FitRigidRANSAC(src, dst []geometry.Vec3, iterations int, threshold float64, rng *rand.Rand) (geometry.Transform, []int, error) {
	if len(src) != len(dst) || len(src) < 3 {
		return geometry.Transform{}, nil, fmt.Errorf("invalid point sets")
	}

	n := len(src)
	var bestInliers []int
	for iter := 0; iter < iterations; iter++ {
		idx := rng.Perm(n)[:3]
		sample := []geometry.Vec3{src[idx[0]], src[idx[1]], src[idx[2]]}
		target := []geometry.Vec3{dst[idx[0]], dst[idx[1]], dst[idx[2]]}

		t, err := FitRigid(sample, target)
		if err != nil {
			continue
		}
		var inliers []int
		for i := range src {
			if t.Apply(src[i]).Distance(dst[i]) < threshold {
				inliers = append(inliers, i)
			}
		}
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
		}
	}
	if len(bestInliers) < 3 {
		return geometry.Transform{}, nil, fmt.Errorf("RANSAC failed to find enough inliers")
	}

	inSrc := make([]geometry.Vec3, len(bestInliers))
	inDst := make([]geometry.Vec3, len(bestInliers))
	for i, idx := range bestInliers {
		inSrc[i], inDst[i] = src[idx], dst[idx]
	}
	t, err := FitRigid(inSrc, inDst)
	if err != nil {
		return geometry.Transform{}, nil, err
	}
	return t, bestInliers, nil
}

// Options controls Fit.
type Options struct {
	RANSAC     bool
	Iterations int     // RANSAC iterations
	Threshold  float64 // RANSAC inlier distance, m
	Seed       uint64
}

// DefaultOptions returns plain least squares with RANSAC settings suited to
// head digitizations.
func DefaultOptions() Options {
	return Options{Iterations: 500, Threshold: 0.005, Seed: 1}
}

// Fit matches src and dst by name and returns the transform from src's
// frame to dst's frame.
func Fit(src, dst *PointSet, opts Options) (*Result, error) {
	from, err := geometry.ParseFrame(src.Frame)
	if err != nil {
		return nil, err
	}
	to, err := geometry.ParseFrame(dst.Frame)
	if err != nil {
		return nil, err
	}
	s, d, _ := Match(src, dst)

	res := &Result{}
	if opts.RANSAC {
		rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0xda3e39cb94b95bdb))
		res.Transform, res.Inliers, err = FitRigidRANSAC(s, d, opts.Iterations, opts.Threshold, rng)
	} else {
		res.Transform, err = FitRigid(s, d)
		res.Inliers = make([]int, len(s))
		for i := range res.Inliers {
			res.Inliers[i] = i
		}
	}
	if err != nil {
		return nil, err
	}
	res.Transform.From, res.Transform.To = from, to

	res.Errors = make([]float64, len(s))
	for i := range s {
		res.Errors[i] = res.Transform.Apply(s[i]).Distance(d[i])
	}
	for _, i := range res.Inliers {
		res.MeanError += res.Errors[i]
	}
	res.MeanError /= float64(len(res.Inliers))
	return res, nil
}
