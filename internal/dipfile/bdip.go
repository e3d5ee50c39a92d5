package dipfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"dipfit/internal/dipole"
	"dipfit/pkg/geometry"
)

// BDIPRecordSize is the size in bytes of one binary dipole record.
const BDIPRecordSize = 196

// bdipRecord mirrors the big-endian on-disk layout.
type bdipRecord struct {
	Dipole      int32
	Begin       float32
	End         float32
	R0          [3]float32
	Pos         [3]float32
	Q           [3]float32
	Goodness    float32
	HasErrors   int32
	NoiseLevel  float32
	Limits      [5]float32 // depth, long, trans, qlong, qtrans
	ErrorMatrix [25]float32
	Vol         float32
	Khi2        float32
	Prob        float32
	NoiseEst    float32
}

// ReadBinary decodes a binary dipole file. Names and degrees of freedom are
// not stored in this format and come back absent.
func ReadBinary(r io.Reader) (*dipole.Dipole, error) {
	br := bufio.NewReader(r)
	d := &dipole.Dipole{}
	var conf [6][]float64
	hasErrors := false

	for idx := 0; ; idx++ {
		var rec bdipRecord
		err := binary.Read(br, binary.BigEndian, &rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: record %d is truncated", ErrFormat, idx)
		}
		if err != nil {
			return nil, fmt.Errorf("reading dipole record %d: %w", idx, err)
		}

		q := geometry.NewVec3(float64(rec.Q[0]), float64(rec.Q[1]), float64(rec.Q[2]))
		amp := q.Norm()
		ori := q
		if amp > 0 {
			ori = q.Scale(1 / amp)
		}
		d.Times = append(d.Times, float64(rec.Begin))
		d.Pos = append(d.Pos, geometry.NewVec3(float64(rec.Pos[0]), float64(rec.Pos[1]), float64(rec.Pos[2])))
		d.Ori = append(d.Ori, ori)
		d.Amplitude = append(d.Amplitude, amp)
		d.GOF = append(d.GOF, 100*float64(rec.Goodness))
		d.Khi2 = append(d.Khi2, float64(rec.Khi2))

		hasErrors = hasErrors || rec.HasErrors != 0
		for j, k := range dipole.BDIPErrorKinds {
			conf[k] = append(conf[k], float64(rec.Limits[j]))
		}
		conf[dipole.ConfVol] = append(conf[dipole.ConfVol], float64(rec.Vol))
	}
	if d.Len() == 0 {
		return nil, fmt.Errorf("%w: no dipole records", ErrFormat)
	}
	// Limits are kept when any record carries them.
	if hasErrors {
		for _, k := range dipole.ConfKinds {
			d.Conf.Set(k, conf[k])
		}
	}
	return d, nil
}

// WriteBinary encodes d as binary dipole records.
func WriteBinary(w io.Writer, d *dipole.Dipole) error {
	if err := d.Validate(); err != nil {
		return err
	}
	hasErrors := !d.Conf.Empty()
	bw := bufio.NewWriter(w)
	for i := 0; i < d.Len(); i++ {
		q := d.Ori[i].Scale(d.Amplitude[i])
		rec := bdipRecord{
			Begin:    float32(d.Times[i]),
			Pos:      [3]float32{float32(d.Pos[i].X), float32(d.Pos[i].Y), float32(d.Pos[i].Z)},
			Q:        [3]float32{float32(q.X), float32(q.Y), float32(q.Z)},
			Goodness: float32(d.GOF[i] / 100),
		}
		if hasErrors {
			rec.HasErrors = 1
			for j, k := range dipole.BDIPErrorKinds {
				rec.Limits[j] = confAt(d.Conf, k, i)
			}
			rec.Vol = confAt(d.Conf, dipole.ConfVol, i)
		}
		if d.Khi2 != nil {
			rec.Khi2 = float32(d.Khi2[i])
		}
		if err := binary.Write(bw, binary.BigEndian, &rec); err != nil {
			return fmt.Errorf("writing dipole record %d: %w", i, err)
		}
	}
	return bw.Flush()
}

func confAt(c dipole.Confidence, k dipole.ConfKind, i int) float32 {
	vals := c.Get(k)
	if vals == nil {
		return 0
	}
	return float32(vals[i])
}
