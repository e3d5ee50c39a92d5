// Package dipole provides the containers for fitted equivalent current dipoles.
package dipole

import (
	"fmt"
	"math"
	"sort"

	"dipfit/pkg/geometry"
)

// Dipole holds a time-varying dipole fit with free orientation.
// All per-sample slices have the same length.
type Dipole struct {
	Times     []float64       `json:"times"`     // Seconds
	Pos       []geometry.Vec3 `json:"pos"`       // Head coordinates, meters
	Ori       []geometry.Vec3 `json:"ori"`       // Unit vectors
	Amplitude []float64       `json:"amplitude"` // Am, positive along Ori
	GOF       []float64       `json:"gof"`       // Percent, 0-100

	// Optional fields. Nil when the source did not provide them.
	Khi2  []float64  `json:"khi2,omitempty"`
	NFree []int      `json:"nfree,omitempty"`
	Name  string     `json:"name,omitempty"` // Empty when unnamed
	Conf  Confidence `json:"conf"`           // Empty object when no limits were computed
}

// New creates a Dipole and checks that the per-sample fields line up.
func New(times []float64, pos []geometry.Vec3, amplitude []float64, ori []geometry.Vec3, gof []float64) (*Dipole, error) {
	d := &Dipole{
		Times:     times,
		Pos:       pos,
		Ori:       ori,
		Amplitude: amplitude,
		GOF:       gof,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks the lockstep invariant across all per-sample fields.
func (d *Dipole) Validate() error {
	n := len(d.Times)
	if len(d.Pos) != n || len(d.Ori) != n || len(d.Amplitude) != n || len(d.GOF) != n {
		return fmt.Errorf("dipole fields out of step: %d times, %d pos, %d ori, %d amplitude, %d gof",
			n, len(d.Pos), len(d.Ori), len(d.Amplitude), len(d.GOF))
	}
	if d.Khi2 != nil && len(d.Khi2) != n {
		return fmt.Errorf("khi2 has %d samples, expected %d", len(d.Khi2), n)
	}
	if d.NFree != nil && len(d.NFree) != n {
		return fmt.Errorf("nfree has %d samples, expected %d", len(d.NFree), n)
	}
	return d.Conf.validate(n)
}

// Len returns the number of time samples.
func (d *Dipole) Len() int {
	return len(d.Times)
}

func (d *Dipole) String() string {
	if d.Len() == 0 {
		return "<Dipole | n_times : 0>"
	}
	s := fmt.Sprintf("<Dipole | n_times : %d, tmin : %0.3f, tmax : %0.3f", d.Len(), d.Times[0], d.Times[d.Len()-1])
	if d.Name != "" {
		s += fmt.Sprintf(", name : %s", d.Name)
	}
	return s + ">"
}

// At returns a one-sample Dipole for index i. Negative indices count from the end.
func (d *Dipole) At(i int) (*Dipole, error) {
	if i < 0 {
		i += d.Len()
	}
	if i < 0 || i >= d.Len() {
		return nil, fmt.Errorf("index %d out of range for %d samples", i, d.Len())
	}
	return d.Select([]int{i})
}

// Slice returns the samples in [start, end).
func (d *Dipole) Slice(start, end int) (*Dipole, error) {
	if start < 0 || end > d.Len() || start > end {
		return nil, fmt.Errorf("slice [%d:%d] out of range for %d samples", start, end, d.Len())
	}
	idx := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		idx = append(idx, i)
	}
	return d.Select(idx)
}

// Mask returns the samples where mask is true. The mask must cover every sample.
func (d *Dipole) Mask(mask []bool) (*Dipole, error) {
	if len(mask) != d.Len() {
		return nil, fmt.Errorf("mask has %d entries, expected %d", len(mask), d.Len())
	}
	var idx []int
	for i, keep := range mask {
		if keep {
			idx = append(idx, i)
		}
	}
	return d.Select(idx)
}

// Select returns a new Dipole holding the samples at idx, in that order.
// Every per-sample field is filtered identically; the result shares no memory with d.
func (d *Dipole) Select(idx []int) (*Dipole, error) {
	for _, i := range idx {
		if i < 0 || i >= d.Len() {
			return nil, fmt.Errorf("index %d out of range for %d samples", i, d.Len())
		}
	}
	out := &Dipole{
		Times:     pickFloats(d.Times, idx),
		Pos:       pickVecs(d.Pos, idx),
		Ori:       pickVecs(d.Ori, idx),
		Amplitude: pickFloats(d.Amplitude, idx),
		GOF:       pickFloats(d.GOF, idx),
		Khi2:      pickFloats(d.Khi2, idx),
		Name:      d.Name,
		Conf:      d.Conf.pick(idx),
	}
	if d.NFree != nil {
		out.NFree = make([]int, len(idx))
		for j, i := range idx {
			out.NFree[j] = d.NFree[i]
		}
	}
	return out, nil
}

// Copy returns a deep copy.
func (d *Dipole) Copy() *Dipole {
	idx := make([]int, d.Len())
	for i := range idx {
		idx[i] = i
	}
	out, _ := d.Select(idx)
	return out
}

// Crop keeps the samples with tmin <= time <= tmax, modifying d in place.
// It returns d itself so calls can be chained.
func (d *Dipole) Crop(tmin, tmax float64) (*Dipole, error) {
	mask, err := timeMask(d.Times, tmin, tmax)
	if err != nil {
		return d, err
	}
	cropped, err := d.Mask(mask)
	if err != nil {
		return d, err
	}
	*d = *cropped
	return d, nil
}

// ShiftTime moves every time value in place and returns d itself. With
// relative set, delta is added to each time; otherwise the first sample is
// moved to delta and the rest keep their spacing.
func (d *Dipole) ShiftTime(delta float64, relative bool) *Dipole {
	shiftTimes(d.Times, delta, relative)
	return d
}

// Tolerance holds the per-field limits used by AllClose.
type Tolerance struct {
	Time         float64 // Absolute, seconds
	Pos          float64 // Absolute, meters
	Ori          float64 // Absolute
	GOF          float64 // Absolute, percent
	Khi2         float64 // Absolute
	AmplitudeRel float64 // Relative
	ConfRel      float64 // Relative
}

// DefaultTolerance returns limits suitable for text-file round trips.
func DefaultTolerance() Tolerance {
	return Tolerance{
		Time:         1e-3,
		Pos:          1e-5,
		Ori:          1e-3,
		GOF:          1e-2,
		Khi2:         1e-1,
		AmplitudeRel: 1e-3,
		ConfRel:      1e-2,
	}
}

// AllClose compares two dipoles field by field and describes the first mismatch.
// Optional fields are only compared when both sides carry them.
func (d *Dipole) AllClose(other *Dipole, tol Tolerance) error {
	if d.Len() != other.Len() {
		return fmt.Errorf("length %d != %d", d.Len(), other.Len())
	}
	for i := 0; i < d.Len(); i++ {
		if math.Abs(d.Times[i]-other.Times[i]) > tol.Time {
			return fmt.Errorf("times[%d]: %g != %g", i, d.Times[i], other.Times[i])
		}
		if d.Pos[i].Distance(other.Pos[i]) > tol.Pos*math.Sqrt(3) {
			return fmt.Errorf("pos[%d]: %v != %v", i, d.Pos[i], other.Pos[i])
		}
		if d.Ori[i].Distance(other.Ori[i]) > tol.Ori*math.Sqrt(3) {
			return fmt.Errorf("ori[%d]: %v != %v", i, d.Ori[i], other.Ori[i])
		}
		if !closeRel(d.Amplitude[i], other.Amplitude[i], tol.AmplitudeRel) {
			return fmt.Errorf("amplitude[%d]: %g != %g", i, d.Amplitude[i], other.Amplitude[i])
		}
		if math.Abs(d.GOF[i]-other.GOF[i]) > tol.GOF {
			return fmt.Errorf("gof[%d]: %g != %g", i, d.GOF[i], other.GOF[i])
		}
		if d.Khi2 != nil && other.Khi2 != nil && math.Abs(d.Khi2[i]-other.Khi2[i]) > tol.Khi2 {
			return fmt.Errorf("khi2[%d]: %g != %g", i, d.Khi2[i], other.Khi2[i])
		}
		if d.NFree != nil && other.NFree != nil && d.NFree[i] != other.NFree[i] {
			return fmt.Errorf("nfree[%d]: %d != %d", i, d.NFree[i], other.NFree[i])
		}
	}
	if d.Conf.Empty() || other.Conf.Empty() {
		return nil
	}
	for _, k := range ConfKinds {
		a, b := d.Conf.Get(k), other.Conf.Get(k)
		if (a == nil) != (b == nil) {
			return fmt.Errorf("conf %s present on one side only", k)
		}
		for i := range a {
			if !closeRel(a[i], b[i], tol.ConfRel) {
				return fmt.Errorf("conf %s[%d]: %g != %g", k, i, a[i], b[i])
			}
		}
	}
	return nil
}

func closeRel(a, b, rtol float64) bool {
	return math.Abs(a-b) <= rtol*math.Abs(b)+1e-30
}

// timeMask selects times within [tmin, tmax], widened by half a sample around
// the nearest sample boundary when the sampling rate can be inferred.
func timeMask(times []float64, tmin, tmax float64) ([]bool, error) {
	if tmin > tmax {
		return nil, fmt.Errorf("tmin (%g) must be less than or equal to tmax (%g)", tmin, tmax)
	}
	lo, hi := tmin, tmax
	if sfreq := inferSfreq(times); sfreq > 0 {
		lo = math.Round(tmin*sfreq)/sfreq - 0.5/sfreq
		hi = math.Round(tmax*sfreq)/sfreq + 0.5/sfreq
	}
	mask := make([]bool, len(times))
	found := false
	for i, t := range times {
		mask[i] = t >= lo && t <= hi
		found = found || mask[i]
	}
	if !found {
		return nil, fmt.Errorf("no samples remain when using tmin=%g and tmax=%g", tmin, tmax)
	}
	return mask, nil
}

// inferSfreq returns 1/median(diff(times)), or 0 when it cannot be determined.
func inferSfreq(times []float64) float64 {
	if len(times) < 2 {
		return 0
	}
	diffs := make([]float64, len(times)-1)
	for i := range diffs {
		diffs[i] = times[i+1] - times[i]
	}
	sort.Float64s(diffs)
	med := diffs[len(diffs)/2]
	if len(diffs)%2 == 0 {
		med = (diffs[len(diffs)/2-1] + diffs[len(diffs)/2]) / 2
	}
	if med <= 0 {
		return 0
	}
	return 1 / med
}

func shiftTimes(times []float64, delta float64, relative bool) {
	if len(times) == 0 {
		return
	}
	offset := delta
	if !relative {
		offset = delta - times[0]
	}
	for i := range times {
		times[i] += offset
	}
}

func pickFloats(src []float64, idx []int) []float64 {
	if src == nil {
		return nil
	}
	out := make([]float64, len(idx))
	for j, i := range idx {
		out[j] = src[i]
	}
	return out
}

func pickVecs(src []geometry.Vec3, idx []int) []geometry.Vec3 {
	if src == nil {
		return nil
	}
	out := make([]geometry.Vec3, len(idx))
	for j, i := range idx {
		out[j] = src[i]
	}
	return out
}
