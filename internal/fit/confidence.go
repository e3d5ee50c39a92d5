package fit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"dipfit/pkg/geometry"
)

const (
	confScale  = 1.96       // Two-sided 95% normal quantile
	chi2Cubed  = 476.379541 // 7.81^3, 95% chi-square quantile with 3 dof, cubed
	spaceDelta = 1e-4       // m
	pinvRtol   = 1e-14
)

// confidence returns the 95% limits at location r with moment q, ordered
// vol, depth, long, trans, qlong, qtrans. lw is the whitened leadfield at r.
//
// The limits come from linearizing the whitened field around the optimum
// in a frame with x along the moment, z radial from the inner skull center
// and y = z × x.
func (p *problem) confidence(r, q geometry.Vec3, lw *mat.Dense) ([6]float64, error) {
	var out [6]float64
	amp := q.Norm()
	if amp == 0 {
		return out, nil
	}
	ori := q.Scale(1 / amp)
	rvec := r.Sub(p.skull.Center())
	z := rvec.Sub(ori.Scale(ori.Dot(rvec)))
	if z.Norm() < 1e-12 {
		z = ori.Perpendicular()
	}
	z = z.Unit()
	frame := [3]geometry.Vec3{ori, z.Cross(ori), z}

	nrow, _ := lw.Dims()
	jac := mat.NewDense(nrow, 6, nil)
	for i, d := range frame {
		_, plus, err := p.leadfield(r.Add(d.Scale(spaceDelta)))
		if err != nil {
			return out, fmt.Errorf("confidence: %w", err)
		}
		_, minus, err := p.leadfield(r.Sub(d.Scale(spaceDelta)))
		if err != nil {
			return out, fmt.Errorf("confidence: %w", err)
		}
		fp := fieldOf(plus, q)
		fm := fieldOf(minus, q)
		floats.Sub(fp, fm)
		floats.Scale(1/(2*spaceDelta), fp)
		jac.SetCol(i, fp)
	}
	// The field is linear in the moment, so its derivative along d is L_w d.
	for i, d := range frame {
		jac.SetCol(3+i, fieldOf(lw, d))
	}

	// Columns are in very different units; normalize during inversion.
	spaceNorm, momentNorm := blockNorms(jac)
	norm := []float64{spaceNorm, spaceNorm, spaceNorm, momentNorm, momentNorm, momentNorm}
	for j, n := range norm {
		col := mat.Col(nil, j, jac)
		floats.Scale(1/n, col)
		jac.SetCol(j, col)
	}

	var jtj mat.SymDense
	jtj.SymOuterK(1, jac.T())
	c, err := pinvSym(&jtj)
	if err != nil {
		return out, err
	}
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			c.Set(i, j, c.At(i, j)/(norm[i]*norm[j]))
		}
	}

	var lim [6]float64
	for i := range lim {
		lim[i] = confScale * math.Sqrt(math.Max(c.At(i, i), 0))
	}

	sub := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			sub.SetSym(i, j, (c.At(i, j)+c.At(j, i))/2)
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(sub, false) {
		return out, fmt.Errorf("confidence volume eigendecomposition failed")
	}
	prod := floats.Prod(eig.Values(nil))
	vol := 4 * math.Pi / 3 * math.Sqrt(chi2Cubed*math.Max(prod, 0))

	// Frame axes are x=long, y=trans, z=depth.
	out = [6]float64{vol, lim[2], lim[0], lim[1], lim[3], lim[4]}
	return out, nil
}

// fieldOf returns lf·q.
func fieldOf(lf *mat.Dense, q geometry.Vec3) []float64 {
	var f mat.VecDense
	f.MulVec(lf, mat.NewVecDense(3, q.Slice()))
	return f.RawVector().Data
}

// pinvSym is the pseudo-inverse of a symmetric matrix, discarding
// eigenvalues below pinvRtol times the largest magnitude.
func pinvSym(a *mat.SymDense) (*mat.Dense, error) {
	var eig mat.EigenSym
	if !eig.Factorize(a, true) {
		return nil, fmt.Errorf("confidence: Jacobian eigendecomposition failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	largest := 0.0
	for _, v := range vals {
		largest = math.Max(largest, math.Abs(v))
	}
	n := len(vals)
	inv := make([]float64, n)
	for i, v := range vals {
		if math.Abs(v) > pinvRtol*largest {
			inv[i] = 1 / v
		}
	}
	var scaled, out mat.Dense
	scaled.Mul(&vecs, mat.NewDiagDense(n, inv))
	out.Mul(&scaled, vecs.T())
	return &out, nil
}

// blockNorms returns the Frobenius norms of the spatial and the moment
// column blocks of the nrow×6 Jacobian, with 1 standing in for zero.
func blockNorms(jac *mat.Dense) (space, moment float64) {
	nrow, _ := jac.Dims()
	space = mat.Norm(jac.Slice(0, nrow, 0, 3), 2)
	moment = mat.Norm(jac.Slice(0, nrow, 3, 6), 2)
	if space == 0 {
		space = 1
	}
	if moment == 0 {
		moment = 1
	}
	return space, moment
}
