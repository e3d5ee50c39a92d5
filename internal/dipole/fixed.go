package dipole

import (
	"fmt"

	"dipfit/pkg/geometry"
)

// Channel kinds, units and coil types stored with fixed dipoles.
// The values follow the FIFF constants used by reference fitters.
const (
	KindDipoleWave = 1000
	KindGoodness   = 1001

	UnitNone    = -1
	UnitAm      = 202
	UnitMulNone = 0

	CoilNone   = 0
	CoilDipole = 200

	CoordHead = 4
)

// Channel describes one row of a fixed dipole's data matrix.
type Channel struct {
	Name       string      `json:"ch_name"`
	Kind       int         `json:"kind"`
	Unit       int         `json:"unit"`
	UnitMul    int         `json:"unit_mul"`
	Range      float64     `json:"range"`
	Cal        float64     `json:"cal"`
	CoilType   int         `json:"coil_type"`
	CoordFrame int         `json:"coord_frame"`
	ScanNo     int         `json:"scanno"`
	LogNo      int         `json:"logno"`
	Loc        [12]float64 `json:"loc"`
}

// Fixed holds a dipole with a single position and orientation whose
// amplitude varies over time. Channel 0 carries the amplitude and stores
// position in Loc[0:3] and orientation in Loc[3:6]; channel 1 carries the
// goodness of fit in percent.
type Fixed struct {
	Channels []Channel   `json:"chs"`
	Data     [][]float64 `json:"data"` // One row per channel
	Times    []float64   `json:"times"`
	Nave     int         `json:"nave"`
	Comment  string      `json:"comment,omitempty"`
	Layout   string      `json:"xplotter_layout"`
}

// NewFixed builds a fixed dipole from its location, orientation and time courses.
func NewFixed(pos, ori geometry.Vec3, times, amplitude, gof []float64, nave int) (*Fixed, error) {
	if len(amplitude) != len(times) || len(gof) != len(times) {
		return nil, fmt.Errorf("fixed dipole fields out of step: %d times, %d amplitude, %d gof",
			len(times), len(amplitude), len(gof))
	}
	dip := Channel{
		Name:       "dip 01",
		Kind:       KindDipoleWave,
		Unit:       UnitAm,
		UnitMul:    UnitMulNone,
		Range:      1,
		Cal:        1,
		CoilType:   CoilDipole,
		CoordFrame: CoordHead,
		ScanNo:     1,
		LogNo:      1,
	}
	copy(dip.Loc[0:3], pos.Slice())
	copy(dip.Loc[3:6], ori.Slice())
	good := Channel{
		Name:       "goodness",
		Kind:       KindGoodness,
		Unit:       UnitNone,
		UnitMul:    UnitMulNone,
		Range:      1,
		Cal:        1,
		CoilType:   CoilNone,
		CoordFrame: CoordHead,
		ScanNo:     2,
		LogNo:      100,
	}
	return &Fixed{
		Channels: []Channel{dip, good},
		Data:     [][]float64{append([]float64(nil), amplitude...), append([]float64(nil), gof...)},
		Times:    append([]float64(nil), times...),
		Nave:     nave,
		Layout:   "dipole",
	}, nil
}

// Validate checks that the data matrix matches the channels and times.
func (f *Fixed) Validate() error {
	if len(f.Channels) < 2 {
		return fmt.Errorf("fixed dipole needs dipole and goodness channels, got %d", len(f.Channels))
	}
	if len(f.Data) != len(f.Channels) {
		return fmt.Errorf("fixed dipole has %d data rows for %d channels", len(f.Data), len(f.Channels))
	}
	for i, row := range f.Data {
		if len(row) != len(f.Times) {
			return fmt.Errorf("data row %d has %d samples, expected %d", i, len(row), len(f.Times))
		}
	}
	return nil
}

// Len returns the number of time samples.
func (f *Fixed) Len() int {
	return len(f.Times)
}

func (f *Fixed) String() string {
	if f.Len() == 0 {
		return "<DipoleFixed | n_times : 0>"
	}
	return fmt.Sprintf("<DipoleFixed | n_times : %d, tmin : %0.3f, tmax : %0.3f>", f.Len(), f.Times[0], f.Times[f.Len()-1])
}

// ChannelNames returns the channel names in row order.
func (f *Fixed) ChannelNames() []string {
	names := make([]string, len(f.Channels))
	for i, ch := range f.Channels {
		names[i] = ch.Name
	}
	return names
}

// Pos returns the fixed dipole location.
func (f *Fixed) Pos() geometry.Vec3 {
	return geometry.FromSlice(f.Channels[0].Loc[0:3])
}

// Ori returns the fixed dipole orientation.
func (f *Fixed) Ori() geometry.Vec3 {
	return geometry.FromSlice(f.Channels[0].Loc[3:6])
}

// Amplitude returns the amplitude time course. The slice aliases the data matrix.
func (f *Fixed) Amplitude() []float64 {
	return f.Data[0]
}

// GOF returns the goodness-of-fit time course. The slice aliases the data matrix.
func (f *Fixed) GOF() []float64 {
	return f.Data[1]
}

// Copy returns a deep copy.
func (f *Fixed) Copy() *Fixed {
	out := &Fixed{
		Channels: append([]Channel(nil), f.Channels...),
		Data:     make([][]float64, len(f.Data)),
		Times:    append([]float64(nil), f.Times...),
		Nave:     f.Nave,
		Comment:  f.Comment,
		Layout:   f.Layout,
	}
	for i, row := range f.Data {
		out.Data[i] = append([]float64(nil), row...)
	}
	return out
}

// Crop keeps the samples with tmin <= time <= tmax, modifying f in place.
// It returns f itself so calls can be chained.
func (f *Fixed) Crop(tmin, tmax float64) (*Fixed, error) {
	mask, err := timeMask(f.Times, tmin, tmax)
	if err != nil {
		return f, err
	}
	var idx []int
	for i, keep := range mask {
		if keep {
			idx = append(idx, i)
		}
	}
	f.Times = pickFloats(f.Times, idx)
	for i, row := range f.Data {
		f.Data[i] = pickFloats(row, idx)
	}
	return f, nil
}

// ShiftTime moves every time value in place and returns f itself.
// See Dipole.ShiftTime for the meaning of relative.
func (f *Fixed) ShiftTime(delta float64, relative bool) *Fixed {
	shiftTimes(f.Times, delta, relative)
	return f
}
