package noise

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// RankMode selects how the whitener rank is chosen.
type RankMode int

const (
	// RankAuto keeps eigenvalues above RankTol times the largest.
	RankAuto RankMode = iota
	// RankExplicit uses a caller-supplied rank.
	RankExplicit
	// RankInfo uses the channel count minus the number of projectors.
	RankInfo
)

// RankTol is the relative eigenvalue threshold used by RankAuto.
const RankTol = 1e-6

// Rank is a rank policy.
type Rank struct {
	Mode  RankMode
	Value int // Used with RankExplicit
}

// ParseRank accepts "auto", "info" or a positive integer.
func ParseRank(s string) (Rank, error) {
	switch s {
	case "", "auto":
		return Rank{Mode: RankAuto}, nil
	case "info":
		return Rank{Mode: RankInfo}, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return Rank{}, fmt.Errorf("rank must be \"auto\", \"info\" or a positive integer, got %q", s)
	}
	return Rank{Mode: RankExplicit, Value: v}, nil
}

func (r Rank) String() string {
	switch r.Mode {
	case RankAuto:
		return "auto"
	case RankInfo:
		return "info"
	case RankExplicit:
		return strconv.Itoa(r.Value)
	}
	return fmt.Sprintf("rank(%d)", int(r.Mode))
}

// MarshalText encodes the policy as in ParseRank.
func (r Rank) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a policy written by MarshalText.
func (r *Rank) UnmarshalText(text []byte) error {
	parsed, err := ParseRank(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Whitener maps sensor data to unit-variance noise space. It includes the
// projection, so W applied to raw data yields projected, whitened data.
type Whitener struct {
	Names       []string
	Rank        int
	W           *mat.Dense // Rank×nchan
	Eigenvalues []float64  // Kept eigenvalues, descending, of the normalized covariance
}

// NewWhitener builds a whitener from a covariance already picked to the fit
// channels. proj is an nchan×nchan projector (nil for none) that removes
// nProj dimensions.
func NewWhitener(cov *Covariance, proj *mat.Dense, nProj int, rank Rank) (*Whitener, error) {
	if err := cov.Validate(); err != nil {
		return nil, err
	}
	n := len(cov.Names)
	if n == 0 {
		return nil, fmt.Errorf("no channels to whiten")
	}
	if proj == nil {
		proj = eye(n)
	} else if r, c := proj.Dims(); r != n || c != n {
		return nil, fmt.Errorf("projector is %dx%d, expected %dx%d", r, c, n, n)
	}

	// Normalize by the channel standard deviations so channel types with
	// very different units contribute comparably to the eigenvalue spectrum.
	scale := make([]float64, n)
	for i := 0; i < n; i++ {
		v := cov.Data[i][i]
		if v <= 0 {
			return nil, fmt.Errorf("channel %s has non-positive noise variance %g", cov.Names[i], v)
		}
		scale[i] = 1 / math.Sqrt(v)
	}
	d := mat.NewDiagDense(n, scale)

	// Project in the normalized space. Projection vectors that span channel
	// types would otherwise leak the largest-unit channels into all others.
	pn, err := normalizedProjector(proj, d, nProj)
	if err != nil {
		return nil, err
	}
	var dc, dcd, tmp, a mat.Dense
	dc.Mul(d, cov.Matrix())
	dcd.Mul(&dc, d)
	tmp.Mul(pn, &dcd)
	a.Mul(&tmp, pn.T())
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, (a.At(i, j)+a.At(j, i))/2)
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return nil, fmt.Errorf("noise covariance eigendecomposition failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return vals[order[i]] > vals[order[j]] })

	k, err := chooseRank(vals, order, n, nProj, rank)
	if err != nil {
		return nil, err
	}

	w := mat.NewDense(k, n, nil)
	kept := make([]float64, k)
	for row := 0; row < k; row++ {
		col := order[row]
		lambda := vals[col]
		if lambda <= 0 {
			return nil, fmt.Errorf("rank %d exceeds the number of positive eigenvalues", k)
		}
		kept[row] = lambda
		for j := 0; j < n; j++ {
			w.Set(row, j, vecs.At(j, col)/math.Sqrt(lambda))
		}
	}
	var pd, full mat.Dense
	pd.Mul(pn, d)
	full.Mul(w, &pd)

	return &Whitener{
		Names:       append([]string(nil), cov.Names...),
		Rank:        k,
		W:           &full,
		Eigenvalues: kept,
	}, nil
}

// normalizedProjector maps the projector proj = I - U Uᵀ, given in channel
// units, to the projector that removes span(D U) from scaled data. The
// whitener D-scales first and projects second, so raw vectors in span(U)
// still whiten to zero.
func normalizedProjector(proj *mat.Dense, d *mat.DiagDense, nProj int) (*mat.Dense, error) {
	n, _ := d.Dims()
	if nProj == 0 {
		return eye(n), nil
	}
	var uu, removed mat.Dense
	uu.Sub(eye(n), proj)
	removed.Mul(d, &uu)

	var svd mat.SVD
	if !svd.Factorize(&removed, mat.SVDThin) {
		return nil, fmt.Errorf("projector decomposition failed")
	}
	vals := svd.Values(nil)
	k := 0
	for _, v := range vals {
		if v > 1e-8*vals[0] {
			k++
		}
	}
	if k == 0 {
		return eye(n), nil
	}
	var u mat.Dense
	svd.UTo(&u)
	basis := u.Slice(0, n, 0, k)
	var outer mat.Dense
	outer.Mul(basis, basis.T())
	pn := eye(n)
	pn.Sub(pn, &outer)
	return pn, nil
}

func chooseRank(vals []float64, order []int, n, nProj int, rank Rank) (int, error) {
	limit := n - nProj
	switch rank.Mode {
	case RankExplicit:
		if rank.Value <= 0 || rank.Value > n {
			return 0, fmt.Errorf("rank %d out of range for %d channels", rank.Value, n)
		}
		return rank.Value, nil
	case RankInfo:
		if limit <= 0 {
			return 0, fmt.Errorf("%d projectors leave no rank for %d channels", nProj, n)
		}
		return limit, nil
	case RankAuto:
		largest := vals[order[0]]
		k := 0
		for _, i := range order {
			if vals[i] > RankTol*largest {
				k++
			}
		}
		if k > limit {
			k = limit
		}
		if k <= 0 {
			return 0, fmt.Errorf("noise covariance has rank 0")
		}
		return k, nil
	}
	return 0, fmt.Errorf("unknown rank mode %d", int(rank.Mode))
}

// Apply whitens one data vector.
func (w *Whitener) Apply(x []float64) []float64 {
	var out mat.VecDense
	out.MulVec(w.W, mat.NewVecDense(len(x), x))
	return out.RawVector().Data
}

// ApplyMatrix whitens every column of m.
func (w *Whitener) ApplyMatrix(m mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(w.W, m)
	return &out
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
