package dipole

import "fmt"

// ConfKind names one of the confidence limits a dipole fit can carry.
type ConfKind int

const (
	// ConfVol is the 95% confidence volume of the location (m^3).
	ConfVol ConfKind = iota
	// ConfDepth is the location limit along the radial direction (m).
	ConfDepth
	// ConfLong is the location limit along the dipole orientation (m).
	ConfLong
	// ConfTrans is the location limit transverse to the orientation (m).
	ConfTrans
	// ConfQLong is the moment limit along the orientation (Am).
	ConfQLong
	// ConfQTrans is the moment limit transverse to the orientation (Am).
	ConfQTrans
)

// ConfKinds lists every kind in file column order.
var ConfKinds = []ConfKind{ConfVol, ConfDepth, ConfLong, ConfTrans, ConfQLong, ConfQTrans}

// BDIPErrorKinds is the order of the error limits stored in binary dipole files.
// The volume is stored separately after the error covariance block.
var BDIPErrorKinds = []ConfKind{ConfDepth, ConfLong, ConfTrans, ConfQLong, ConfQTrans}

func (k ConfKind) String() string {
	switch k {
	case ConfVol:
		return "vol"
	case ConfDepth:
		return "depth"
	case ConfLong:
		return "long"
	case ConfTrans:
		return "trans"
	case ConfQLong:
		return "qlong"
	case ConfQTrans:
		return "qtrans"
	default:
		return "unknown"
	}
}

// ParseConfKind maps a limit name back to its kind.
func ParseConfKind(s string) (ConfKind, error) {
	for _, k := range ConfKinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown confidence limit %q", s)
}

// Confidence holds the optional per-sample confidence limits of a fit.
// A nil series means the limit was not computed or not stored.
type Confidence struct {
	Vol    []float64 `json:"vol,omitempty"`
	Depth  []float64 `json:"depth,omitempty"`
	Long   []float64 `json:"long,omitempty"`
	Trans  []float64 `json:"trans,omitempty"`
	QLong  []float64 `json:"qlong,omitempty"`
	QTrans []float64 `json:"qtrans,omitempty"`
}

func (c *Confidence) field(k ConfKind) *[]float64 {
	switch k {
	case ConfVol:
		return &c.Vol
	case ConfDepth:
		return &c.Depth
	case ConfLong:
		return &c.Long
	case ConfTrans:
		return &c.Trans
	case ConfQLong:
		return &c.QLong
	case ConfQTrans:
		return &c.QTrans
	}
	panic(fmt.Sprintf("dipole: invalid confidence kind %d", int(k)))
}

// Get returns the series for k, or nil if absent.
func (c Confidence) Get(k ConfKind) []float64 {
	return *c.field(k)
}

// Set replaces the series for k.
func (c *Confidence) Set(k ConfKind, values []float64) {
	*c.field(k) = values
}

// Kinds returns the kinds that are present, in file column order.
func (c Confidence) Kinds() []ConfKind {
	var kinds []ConfKind
	for _, k := range ConfKinds {
		if c.Get(k) != nil {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Empty reports whether no limits are present.
func (c Confidence) Empty() bool {
	return len(c.Kinds()) == 0
}

// pick returns a copy holding only the samples at idx.
func (c Confidence) pick(idx []int) Confidence {
	var out Confidence
	for _, k := range c.Kinds() {
		out.Set(k, pickFloats(c.Get(k), idx))
	}
	return out
}

func (c Confidence) validate(n int) error {
	for _, k := range c.Kinds() {
		if len(c.Get(k)) != n {
			return fmt.Errorf("confidence %s has %d samples, expected %d", k, len(c.Get(k)), n)
		}
	}
	return nil
}
