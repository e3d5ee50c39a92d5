package geometry

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Inverse returns the inverse transform with From and To swapped.
func (t Transform) Inverse() (Transform, error) {
	m := t.ToMatrix()
	a := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			a.Set(i, j, m[i][j])
		}
	}

	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return Transform{}, fmt.Errorf("transform %s->%s is singular: %w", t.From, t.To, err)
	}

	var out [4][4]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = inv.At(i, j)
		}
	}
	return FromMatrix(t.To, t.From, out), nil
}

// ApplyFrames transforms points from one frame to another using t or its
// inverse, whichever matches. Unknown frames on the transform match anything.
func (t Transform) ApplyFrames(points []Vec3, from, to Frame) ([]Vec3, error) {
	if from == to {
		out := make([]Vec3, len(points))
		copy(out, points)
		return out, nil
	}
	if frameMatches(t.From, from) && frameMatches(t.To, to) {
		return t.ApplyAll(points), nil
	}
	if frameMatches(t.To, from) && frameMatches(t.From, to) {
		inv, err := t.Inverse()
		if err != nil {
			return nil, err
		}
		return inv.ApplyAll(points), nil
	}
	return nil, fmt.Errorf("transform %s->%s cannot map %s to %s", t.From, t.To, from, to)
}

func frameMatches(have, want Frame) bool {
	return have == FrameUnknown || have == want
}

// Matrix returns the linear part as a gonum matrix.
func (t Transform) Matrix() *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, t.R[i][j])
		}
	}
	return m
}
