package noise

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"dipfit/internal/forward"
	"dipfit/pkg/geometry"
)

func testSensors() []forward.Sensor {
	center := geometry.NewVec3(0, 0, 0.04)
	return append(forward.HelmetArray(center, 0.12, 8), forward.EEGCap(center, 0.09, 6)...)
}

// correlated returns a full-rank covariance with off-diagonal terms.
func correlated(sensors []forward.Sensor) *Covariance {
	c := AdHoc(sensors)
	c.Diagonal = false
	for i := range c.Data {
		for j := range c.Data {
			if i != j {
				c.Data[i][j] = 0.3 * math.Sqrt(c.Data[i][i]*c.Data[j][j]) / float64(1+abs(i-j))
			}
		}
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func assertWhite(t *testing.T, w *Whitener, c *Covariance, rank int) {
	t.Helper()
	var tmp, out mat.Dense
	tmp.Mul(w.W, c.Matrix())
	out.Mul(&tmp, w.W.T())
	r, cols := out.Dims()
	require.Equal(t, rank, r)
	require.Equal(t, rank, cols)
	for i := 0; i < r; i++ {
		for j := 0; j < cols; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, out.At(i, j), 1e-8)
		}
	}
}

func TestAdHoc(t *testing.T) {
	sensors := testSensors()
	c := AdHoc(sensors)
	require.NoError(t, c.Validate())
	assert.True(t, c.Diagonal)
	assert.InDelta(t, 400e-30, c.Data[0][0], 1e-40)
	assert.InDelta(t, 4e-24, c.Data[1][1], 1e-34)
	last := len(sensors) - 1
	assert.InDelta(t, 4e-14, c.Data[last][last], 1e-24)
}

func TestWhitenerFullRank(t *testing.T) {
	sensors := testSensors()
	c := correlated(sensors)
	require.NoError(t, c.Validate())

	w, err := NewWhitener(c, nil, 0, Rank{Mode: RankAuto})
	require.NoError(t, err)
	assert.Equal(t, len(sensors), w.Rank)
	assertWhite(t, w, c, len(sensors))
	for i := 1; i < len(w.Eigenvalues); i++ {
		assert.GreaterOrEqual(t, w.Eigenvalues[i-1], w.Eigenvalues[i])
	}
}

func TestWhitenerWithProjector(t *testing.T) {
	sensors := testSensors()
	n := len(sensors)
	c := correlated(sensors)

	// Average reference style projector on all channels.
	u := make([]float64, n)
	for i := range u {
		u[i] = 1 / math.Sqrt(float64(n))
	}
	uv := mat.NewVecDense(n, u)
	proj := eye(n)
	var outer mat.Dense
	outer.Outer(1, uv, uv)
	proj.Sub(proj, &outer)

	auto, err := NewWhitener(c, proj, 1, Rank{Mode: RankAuto})
	require.NoError(t, err)
	assert.Equal(t, n-1, auto.Rank)

	info, err := NewWhitener(c, proj, 1, Rank{Mode: RankInfo})
	require.NoError(t, err)
	assert.Equal(t, n-1, info.Rank)

	// The projected-out direction whitens to zero, relative to a vector of
	// the same size that the projector keeps.
	alt := make([]float64, n)
	for i := range alt {
		alt[i] = u[i] * float64(1-2*(i%2))
	}
	assert.Less(t, floatsNorm(auto.Apply(u)), 1e-9*floatsNorm(auto.Apply(alt)))

	// The projector spans MEG and EEG, whose noise levels differ by orders
	// of magnitude. The rank must not collapse onto the EEG leakage.
	adhoc, err := NewWhitener(AdHoc(sensors), proj, 1, Rank{Mode: RankAuto})
	require.NoError(t, err)
	assert.Equal(t, n-1, adhoc.Rank)
	assert.Less(t, adhoc.Eigenvalues[0]/adhoc.Eigenvalues[n-2], 10.0)

	explicit, err := NewWhitener(c, proj, 1, Rank{Mode: RankExplicit, Value: 10})
	require.NoError(t, err)
	assert.Equal(t, 10, explicit.Rank)
	rows, _ := explicit.ApplyMatrix(mat.NewDense(n, 2, nil)).Dims()
	assert.Equal(t, 10, rows)

	_, err = NewWhitener(c, proj, 1, Rank{Mode: RankExplicit, Value: n + 1})
	require.Error(t, err)
	_, err = NewWhitener(c, eye(3), 0, Rank{})
	require.Error(t, err)
}

func floatsNorm(x []float64) float64 {
	s := 0.0
	for _, v := range x {
		s += v * v
	}
	return math.Sqrt(s)
}

func TestParseRank(t *testing.T) {
	cases := []struct {
		in   string
		want Rank
		ok   bool
	}{
		{"auto", Rank{Mode: RankAuto}, true},
		{"", Rank{Mode: RankAuto}, true},
		{"info", Rank{Mode: RankInfo}, true},
		{"64", Rank{Mode: RankExplicit, Value: 64}, true},
		{"0", Rank{}, false},
		{"full", Rank{}, false},
	}
	for _, tc := range cases {
		got, err := ParseRank(tc.in)
		if !tc.ok {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
		if tc.in != "" {
			assert.Equal(t, tc.in, got.String())
		}
	}
}

func TestPickAndPersist(t *testing.T) {
	sensors := testSensors()
	c := correlated(sensors)

	sub, err := c.Pick([]string{sensors[3].Name, sensors[0].Name})
	require.NoError(t, err)
	assert.Equal(t, c.Data[3][3], sub.Data[0][0])
	assert.Equal(t, c.Data[3][0], sub.Data[0][1])
	_, err = c.Pick([]string{"MISSING"})
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "noise-cov.json")
	require.NoError(t, c.Save(path))
	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, back)

	c.Data[0][1] = 1
	require.Error(t, c.Validate())
	c.Data = c.Data[:2]
	require.Error(t, c.Validate())
}
