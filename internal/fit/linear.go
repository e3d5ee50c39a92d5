package fit

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"dipfit/pkg/geometry"
)

// ncompRatio is the smallest s3/s1 at which all three moment components
// are kept. Below it the radial direction is treated as silent.
const ncompRatio = 0.2

// moment is the linear solution at a fixed location.
type moment struct {
	q     geometry.Vec3 // Dipole moment, Am
	gof   float64       // Explained fraction of the whitened power
	ncomp int
}

// basis is the orthonormal field basis of a whitened leadfield.
type basis struct {
	u     *mat.Dense // rank×ncomp
	s     []float64
	v     *mat.Dense // 3×ncomp
	ncomp int
}

func newBasis(lw *mat.Dense) (*basis, error) {
	var svd mat.SVD
	if !svd.Factorize(lw, mat.SVDThin) {
		return nil, fmt.Errorf("leadfield SVD failed")
	}
	s := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	ncomp := 3
	if len(s) < 3 || s[0] == 0 || s[2]/s[0] <= ncompRatio {
		ncomp = 2
	}
	if len(s) < ncomp {
		return nil, fmt.Errorf("leadfield has only %d singular values", len(s))
	}
	r, _ := u.Dims()
	return &basis{
		u:     mat.DenseCopyOf(u.Slice(0, r, 0, ncomp)),
		s:     s[:ncomp],
		v:     mat.DenseCopyOf(v.Slice(0, 3, 0, ncomp)),
		ncomp: ncomp,
	}, nil
}

// projections returns U^T b.
func (bs *basis) projections(b []float64) []float64 {
	var ub mat.VecDense
	ub.MulVec(bs.u.T(), mat.NewVecDense(len(b), b))
	return ub.RawVector().Data
}

// explained returns |U^T b|^2 / |b|^2.
func (bs *basis) explained(b []float64, b2 float64) float64 {
	p := bs.projections(b)
	return floats.Dot(p, p) / b2
}

// solveFree fits a moment of any orientation.
func solveFree(lw *mat.Dense, b []float64, b2 float64) (moment, error) {
	bs, err := newBasis(lw)
	if err != nil {
		return moment{}, err
	}
	p := bs.projections(b)
	var q geometry.Vec3
	for k := 0; k < bs.ncomp; k++ {
		c := p[k] / bs.s[k]
		q = q.Add(geometry.NewVec3(bs.v.At(0, k), bs.v.At(1, k), bs.v.At(2, k)).Scale(c))
	}
	return moment{q: q, gof: floats.Dot(p, p) / b2, ncomp: bs.ncomp}, nil
}

// solveFixed fits the signed amplitude of a dipole along ori. The moment
// returned is amplitude*ori.
func solveFixed(lw *mat.Dense, ori geometry.Vec3, b []float64, b2 float64) (moment, float64) {
	var f mat.VecDense
	f.MulVec(lw, mat.NewVecDense(3, ori.Slice()))
	fd := f.RawVector().Data
	ff := floats.Dot(fd, fd)
	if ff == 0 {
		return moment{ncomp: 3}, 0
	}
	fb := floats.Dot(fd, b)
	amp := fb / ff
	return moment{q: ori.Scale(amp), gof: fb * fb / (ff * b2), ncomp: 3}, amp
}
