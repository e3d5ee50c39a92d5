package fit

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"dipfit/internal/evoked"
)

const (
	projWarnNorm = 0.9
	projDropNorm = 1e-2
)

// buildProjector restricts the active projection vectors to names and
// returns P = I - U U^T with the number of removed dimensions. Inactive
// projectors are ignored.
func buildProjector(projs []evoked.Projector, names []string) (*mat.Dense, int, []string) {
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}
	var warnings []string
	var vecs [][]float64
	for _, p := range projs {
		if !p.Active {
			continue
		}
		v := make([]float64, len(names))
		for i, n := range p.Names {
			if j, ok := index[n]; ok {
				v[j] = p.Vector[i]
			}
		}
		norm := floats.Norm(v, 2)
		if norm < projDropNorm {
			warnings = append(warnings, fmt.Sprintf(
				"Projection vector %q has magnitude %0.2g on the fit channels and was dropped", p.Desc, norm))
			continue
		}
		if norm < projWarnNorm {
			warnings = append(warnings, fmt.Sprintf(
				"Projection vector %q has magnitude %0.2f on the fit channels (should be unity), "+
					"applying it with a subset of its channels may be dangerous", p.Desc, norm))
		}
		floats.Scale(1/norm, v)
		vecs = append(vecs, v)
	}

	n := len(names)
	proj := eye(n)
	if len(vecs) == 0 {
		return proj, 0, warnings
	}

	// Orthonormalize the vectors before forming the projector.
	stack := mat.NewDense(n, len(vecs), nil)
	for j, v := range vecs {
		stack.SetCol(j, v)
	}
	var svd mat.SVD
	if !svd.Factorize(stack, mat.SVDThin) {
		warnings = append(warnings, "Projection vectors could not be orthonormalized and were ignored")
		return proj, 0, warnings
	}
	s := svd.Values(nil)
	var u mat.Dense
	svd.UTo(&u)
	k := 0
	for _, v := range s {
		if v > 1e-8*s[0] {
			k++
		}
	}
	basis := u.Slice(0, n, 0, k)
	var uut mat.Dense
	uut.Mul(basis, basis.T())
	proj.Sub(proj, &uut)
	return proj, k, warnings
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
