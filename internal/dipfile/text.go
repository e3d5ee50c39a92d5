package dipfile

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"dipfit/internal/dipole"
	"dipfit/pkg/geometry"
)

var (
	reAxisMM  = regexp.MustCompile(`([XYZ]) \(mm\)`)
	reParens  = regexp.MustCompile(`\((.*?)\)`)
	reBeginEn = regexp.MustCompile(`(begin|end)(\s|$)`)
	reName    = regexp.MustCompile(`Name "(.*) dipoles"`)
)

// Text columns, in the order they are written.
var requiredFields = []string{"begin/ms", "x/mm", "y/mm", "z/mm", "q/nam", "qx/nam", "qy/nam", "qz/nam", "g/%"}

type optionalField struct {
	key    string  // normalized header name
	header string  // as written
	format string  // row format
	scale  float64 // file units per SI unit
}

var (
	khi2Field  = optionalField{"khi^2", "    khi^2", " %8.1f", 1}
	nfreeField = optionalField{"free", "  free", " %5d", 1}

	confFields = map[dipole.ConfKind]optionalField{
		dipole.ConfVol:    {"vol/mm^3", "  vol/mm^3", " %9.3f", 1e9},
		dipole.ConfDepth:  {"depth/mm", "  depth/mm", " %9.3f", 1e3},
		dipole.ConfLong:   {"long/mm", "  long/mm", " %8.3f", 1e3},
		dipole.ConfTrans:  {"trans/mm", "  trans/mm", " %9.3f", 1e3},
		dipole.ConfQLong:  {"qlong/nam", "  Qlong/nAm", " %10.3f", 1e9},
		dipole.ConfQTrans: {"qtrans/nam", "  Qtrans/nAm", " %11.3f", 1e9},
	}
)

const (
	textCoordLine = `# CoordinateSystem "Head"`
	textHeader    = "#   begin     end   X (mm)   Y (mm)   Z (mm)   Q(nAm)  Qx(nAm)  Qy(nAm)  Qz(nAm)    g/%"
	textRowFormat = "  %7.1f %7.1f %8.2f %8.2f %8.2f %8.3f %8.3f %8.3f %8.3f %6.2f"
)

// textSchema maps each known field to its column in a text dipole file.
type textSchema struct {
	fields  []string
	column  map[string]int
	ignored []string
}

// normalizeHeader turns a field definition line into lower-case field keys,
// e.g. "X (mm)" becomes "x/mm" and "Q(nAm)" becomes "q/nam".
func normalizeHeader(line string) []string {
	line = strings.TrimLeft(line, "#% ")
	line = reAxisMM.ReplaceAllString(line, "$1/mm")
	line = reParens.ReplaceAllString(line, "/$1")
	line = reBeginEn.ReplaceAllString(line, "$1/ms$2")
	return strings.Fields(strings.ToLower(line))
}

func detectSchema(defLine string) (*textSchema, error) {
	s := &textSchema{fields: normalizeHeader(defLine), column: make(map[string]int)}
	for i, f := range s.fields {
		s.column[f] = i
	}

	var missing []string
	for _, f := range requiredFields {
		if _, ok := s.column[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required fields %v in header %q", ErrFormat, missing, strings.TrimSpace(defLine))
	}

	known := map[string]bool{"end/ms": true, khi2Field.key: true, nfreeField.key: true}
	for _, f := range requiredFields {
		known[f] = true
	}
	for _, cf := range confFields {
		known[cf.key] = true
	}
	for _, f := range s.fields {
		if !known[f] {
			s.ignored = append(s.ignored, f)
		}
	}
	return s, nil
}

func (s *textSchema) has(field string) bool {
	_, ok := s.column[field]
	return ok
}

// ReadText decodes a text dipole file. Recoverable oddities are returned as
// warnings alongside the dipole.
func ReadText(r io.Reader) (*dipole.Dipole, []string, error) {
	var (
		defLine  string
		name     string
		rows     [][]float64
		rowLines []int
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "%") {
			if m := reName.FindStringSubmatch(line); m != nil {
				name = m[1]
				continue
			}
			if rows == nil {
				defLine = line
			}
			continue
		}
		fields := strings.Fields(line)
		row := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: line %d column %d: %v", ErrFormat, lineNo, i+1, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
		rowLines = append(rowLines, lineNo)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading dipole text: %w", err)
	}
	if defLine == "" {
		return nil, nil, fmt.Errorf("%w: no field definition line found", ErrFormat)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("%w: no dipole data found", ErrFormat)
	}

	schema, err := detectSchema(defLine)
	if err != nil {
		return nil, nil, err
	}

	var warnings []string
	if len(schema.ignored) > 0 {
		warnings = append(warnings, fmt.Sprintf("Ignoring extra fields in dipole file: [%s]", strings.Join(schema.ignored, ", ")))
	}
	for i, row := range rows {
		if len(row) != len(schema.fields) {
			return nil, nil, fmt.Errorf("%w: line %d has %d columns, header defines %d fields",
				ErrFormat, rowLines[i], len(row), len(schema.fields))
		}
	}

	col := func(field string) []float64 {
		j := schema.column[field]
		out := make([]float64, len(rows))
		for i, row := range rows {
			out[i] = row[j]
		}
		return out
	}

	begin := col("begin/ms")
	if schema.has("end/ms") {
		end := col("end/ms")
		for i := range begin {
			if begin[i] != end[i] {
				warnings = append(warnings, "begin and end fields differed, but only begin will be used to store time values")
				break
			}
		}
	}

	n := len(rows)
	x, y, z := col("x/mm"), col("y/mm"), col("z/mm")
	q, qx, qy, qz := col("q/nam"), col("qx/nam"), col("qy/nam"), col("qz/nam")
	d := &dipole.Dipole{
		Times:     make([]float64, n),
		Pos:       make([]geometry.Vec3, n),
		Ori:       make([]geometry.Vec3, n),
		Amplitude: make([]float64, n),
		GOF:       col("g/%"),
		Name:      name,
	}
	for i := 0; i < n; i++ {
		d.Times[i] = begin[i] / 1000
		d.Pos[i] = geometry.NewVec3(x[i], y[i], z[i]).Scale(1e-3)
		norm := q[i]
		if norm == 0 {
			norm = 1
		}
		d.Ori[i] = geometry.NewVec3(qx[i], qy[i], qz[i]).Scale(1 / norm)
		d.Amplitude[i] = q[i] / 1e9
	}

	if schema.has(khi2Field.key) {
		d.Khi2 = col(khi2Field.key)
	}
	if schema.has(nfreeField.key) {
		free := col(nfreeField.key)
		d.NFree = make([]int, n)
		for i, v := range free {
			d.NFree[i] = int(math.Round(v))
		}
	}
	for _, k := range dipole.ConfKinds {
		cf := confFields[k]
		if !schema.has(cf.key) {
			continue
		}
		vals := col(cf.key)
		for i := range vals {
			vals[i] /= cf.scale
		}
		d.Conf.Set(k, vals)
	}
	return d, warnings, nil
}

// WriteText encodes d in the text dipole format.
func WriteText(w io.Writer, d *dipole.Dipole) error {
	if err := d.Validate(); err != nil {
		return err
	}
	header := textHeader
	format := textRowFormat
	if d.Khi2 != nil {
		header += khi2Field.header
		format += khi2Field.format
	}
	if d.NFree != nil {
		header += nfreeField.header
		format += nfreeField.format
	}
	kinds := d.Conf.Kinds()
	for _, k := range kinds {
		header += confFields[k].header
		format += confFields[k].format
	}
	format += "\n"

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, textCoordLine)
	fmt.Fprintln(bw, header)
	for i := 0; i < d.Len(); i++ {
		t := d.Times[i] * 1000
		amp := d.Amplitude[i] * 1e9
		pos := d.Pos[i].Scale(1e3)
		q := d.Ori[i].Scale(amp)
		args := []any{t, t, pos.X, pos.Y, pos.Z, amp, q.X, q.Y, q.Z, d.GOF[i]}
		if d.Khi2 != nil {
			args = append(args, d.Khi2[i])
		}
		if d.NFree != nil {
			args = append(args, d.NFree[i])
		}
		for _, k := range kinds {
			args = append(args, d.Conf.Get(k)[i]*confFields[k].scale)
		}
		fmt.Fprintf(bw, format, args...)
	}
	if d.Name != "" {
		fmt.Fprintf(bw, "## Name \"%s dipoles\" Style \"Dipoles\"", d.Name)
	}
	return bw.Flush()
}
