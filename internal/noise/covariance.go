// Package noise holds sensor noise covariances and the whiteners built from them.
package noise

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"

	"dipfit/internal/forward"
)

// Covariance is a channel noise covariance matrix.
type Covariance struct {
	Names []string    `json:"names"`
	Data  [][]float64 `json:"data"`
	Nfree int         `json:"nfree"` // Degrees of freedom of the estimate
	// Diagonal marks an ad-hoc covariance with no cross terms.
	Diagonal bool `json:"diagonal,omitempty"`
}

// AdHoc standard deviations by sensor kind.
var AdHocStd = map[forward.SensorKind]float64{
	forward.SensorMag:  20e-15,
	forward.SensorGrad: 0.2e-11,
	forward.SensorEEG:  0.2e-6,
}

// AdHoc builds a diagonal covariance from standard noise levels.
func AdHoc(sensors []forward.Sensor) *Covariance {
	n := len(sensors)
	c := &Covariance{Names: make([]string, n), Data: make([][]float64, n), Nfree: 1, Diagonal: true}
	for i, s := range sensors {
		c.Names[i] = s.Name
		c.Data[i] = make([]float64, n)
		std := AdHocStd[s.Kind]
		c.Data[i][i] = std * std
	}
	return c
}

// Validate checks that the matrix is square, symmetric and finite.
func (c *Covariance) Validate() error {
	n := len(c.Names)
	if len(c.Data) != n {
		return fmt.Errorf("covariance has %d rows for %d channels", len(c.Data), n)
	}
	for i, row := range c.Data {
		if len(row) != n {
			return fmt.Errorf("covariance row %d has %d entries, expected %d", i, len(row), n)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("covariance entry (%d, %d) is not finite", i, j)
			}
			if j < i && math.Abs(v-c.Data[j][i]) > 1e-10*math.Max(math.Abs(v), math.Abs(c.Data[j][i])) {
				return fmt.Errorf("covariance is not symmetric at (%d, %d)", i, j)
			}
		}
	}
	return nil
}

// Index returns the position of each channel name.
func (c *Covariance) Index() map[string]int {
	idx := make(map[string]int, len(c.Names))
	for i, name := range c.Names {
		idx[name] = i
	}
	return idx
}

// Pick returns the sub-covariance for names, in that order.
func (c *Covariance) Pick(names []string) (*Covariance, error) {
	idx := c.Index()
	rows := make([]int, len(names))
	for i, name := range names {
		j, ok := idx[name]
		if !ok {
			return nil, fmt.Errorf("channel %s is not in the covariance", name)
		}
		rows[i] = j
	}
	out := &Covariance{Names: append([]string(nil), names...), Data: make([][]float64, len(names)), Nfree: c.Nfree, Diagonal: c.Diagonal}
	for i, ri := range rows {
		out.Data[i] = make([]float64, len(names))
		for j, rj := range rows {
			out.Data[i][j] = c.Data[ri][rj]
		}
	}
	return out, nil
}

// Matrix returns the covariance as a symmetric gonum matrix.
func (c *Covariance) Matrix() *mat.SymDense {
	n := len(c.Names)
	m := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			m.SetSym(i, j, c.Data[i][j])
		}
	}
	return m
}

// Load reads a covariance from a JSON file.
func Load(path string) (*Covariance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Covariance
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing covariance %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// Save writes the covariance as JSON.
func (c *Covariance) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
