// Package evoked holds averaged sensor measurements.
package evoked

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"

	"dipfit/internal/forward"
)

// Projector is a signal-space projection vector over named channels.
type Projector struct {
	Desc   string    `json:"desc"`
	Active bool      `json:"active"`
	Names  []string  `json:"names"`
	Vector []float64 `json:"vector"`
}

// Evoked is an averaged response: one row of Data per sensor.
type Evoked struct {
	Sensors []forward.Sensor `json:"chs"`
	Bads    []string         `json:"bads,omitempty"`
	Projs   []Projector      `json:"projs,omitempty"`
	Times   []float64        `json:"times"` // Seconds
	Data    [][]float64      `json:"data"`
	Nave    int              `json:"nave"`
	Comment string           `json:"comment,omitempty"`
}

// New creates an Evoked from sensor geometry and data rows.
func New(sensors []forward.Sensor, times []float64, data [][]float64, nave int) (*Evoked, error) {
	e := &Evoked{Sensors: sensors, Times: times, Data: data, Nave: nave}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the data shape and sensor geometry.
func (e *Evoked) Validate() error {
	if len(e.Data) != len(e.Sensors) {
		return fmt.Errorf("evoked has %d data rows for %d channels", len(e.Data), len(e.Sensors))
	}
	for i, row := range e.Data {
		if len(row) != len(e.Times) {
			return fmt.Errorf("channel %s has %d samples, expected %d", e.Sensors[i].Name, len(row), len(e.Times))
		}
	}
	for _, s := range e.Sensors {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	for _, p := range e.Projs {
		if len(p.Names) != len(p.Vector) {
			return fmt.Errorf("projector %q has %d names and %d values", p.Desc, len(p.Names), len(p.Vector))
		}
	}
	return nil
}

// Finite reports whether every data value is finite.
func (e *Evoked) Finite() bool {
	for _, row := range e.Data {
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// ChannelNames returns the sensor names in row order.
func (e *Evoked) ChannelNames() []string {
	names := make([]string, len(e.Sensors))
	for i, s := range e.Sensors {
		names[i] = s.Name
	}
	return names
}

// IsBad reports whether a channel is marked bad.
func (e *Evoked) IsBad(name string) bool {
	for _, b := range e.Bads {
		if b == name {
			return true
		}
	}
	return false
}

// Pick returns a copy holding only the named channels, in that order.
// Projectors and bad marks are carried along.
func (e *Evoked) Pick(names []string) (*Evoked, error) {
	idx := make(map[string]int, len(e.Sensors))
	for i, s := range e.Sensors {
		idx[s.Name] = i
	}
	out := &Evoked{
		Projs:   e.Projs,
		Times:   append([]float64(nil), e.Times...),
		Nave:    e.Nave,
		Comment: e.Comment,
	}
	for _, name := range names {
		i, ok := idx[name]
		if !ok {
			return nil, fmt.Errorf("channel %s not found", name)
		}
		out.Sensors = append(out.Sensors, e.Sensors[i])
		out.Data = append(out.Data, append([]float64(nil), e.Data[i]...))
		if e.IsBad(name) {
			out.Bads = append(out.Bads, name)
		}
	}
	return out, nil
}

// Copy returns a deep copy.
func (e *Evoked) Copy() *Evoked {
	out, _ := e.Pick(e.ChannelNames())
	out.Bads = append([]string(nil), e.Bads...)
	out.Projs = make([]Projector, len(e.Projs))
	for i, p := range e.Projs {
		p.Names = append([]string(nil), p.Names...)
		p.Vector = append([]float64(nil), p.Vector...)
		out.Projs[i] = p
	}
	return out
}

// Crop keeps the samples with tmin <= t <= tmax in place.
func (e *Evoked) Crop(tmin, tmax float64) (*Evoked, error) {
	if tmin > tmax {
		return e, fmt.Errorf("tmin (%g) must be less than or equal to tmax (%g)", tmin, tmax)
	}
	const eps = 1e-9
	var keep []int
	for i, t := range e.Times {
		if t >= tmin-eps && t <= tmax+eps {
			keep = append(keep, i)
		}
	}
	if len(keep) == 0 {
		return e, fmt.Errorf("no samples remain when using tmin=%g and tmax=%g", tmin, tmax)
	}
	times := make([]float64, len(keep))
	for j, i := range keep {
		times[j] = e.Times[i]
	}
	for c, row := range e.Data {
		cropped := make([]float64, len(keep))
		for j, i := range keep {
			cropped[j] = row[i]
		}
		e.Data[c] = cropped
	}
	e.Times = times
	return e, nil
}

// Column returns the data of all channels at sample i.
func (e *Evoked) Column(i int) []float64 {
	col := make([]float64, len(e.Data))
	for c, row := range e.Data {
		col[c] = row[i]
	}
	return col
}

// Matrix returns the data as an nchan×ntimes matrix.
func (e *Evoked) Matrix() *mat.Dense {
	m := mat.NewDense(len(e.Data), len(e.Times), nil)
	for i, row := range e.Data {
		m.SetRow(i, row)
	}
	return m
}

// Load reads an evoked response from a JSON file.
func Load(path string) (*Evoked, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Evoked
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parsing evoked %s: %w", path, err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &e, nil
}

// Save writes the evoked response as JSON.
func (e *Evoked) Save(path string) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
