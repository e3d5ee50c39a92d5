package dipfile

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dipfit/internal/dipole"
	"dipfit/pkg/geometry"
)

// fittedDipole builds a 17-sample dipole shaped like a real sequential fit.
func fittedDipole(withConf bool) *dipole.Dipole {
	const n = 17
	d := &dipole.Dipole{Name: "set1"}
	for i := 0; i < n; i++ {
		phase := float64(i) / n * math.Pi
		d.Times = append(d.Times, 0.040+float64(i)*0.00333)
		d.Pos = append(d.Pos, geometry.NewVec3(0.0412+0.001*math.Cos(phase), -0.0123, 0.0651+0.0005*float64(i%3)))
		d.Ori = append(d.Ori, geometry.NewVec3(math.Cos(phase), math.Sin(phase), 0.3).Unit())
		d.Amplitude = append(d.Amplitude, (20+float64(i))*1e-9)
		d.GOF = append(d.GOF, 60+float64(i)*1.7)
		d.Khi2 = append(d.Khi2, 250.5+float64(i)*3.1)
		d.NFree = append(d.NFree, 298)
	}
	if withConf {
		for _, k := range dipole.ConfKinds {
			vals := make([]float64, n)
			for i := range vals {
				switch k {
				case dipole.ConfVol:
					vals[i] = (120 + float64(i)) * 1e-9
				case dipole.ConfQLong, dipole.ConfQTrans:
					vals[i] = (3.5 + 0.1*float64(i)) * 1e-9
				default:
					vals[i] = (4.2 + 0.2*float64(i)) * 1e-3
				}
			}
			d.Conf.Set(k, vals)
		}
	}
	return d
}

func TestTextRoundTrip(t *testing.T) {
	for _, withConf := range []bool{false, true} {
		orig := fittedDipole(withConf)
		var buf bytes.Buffer
		require.NoError(t, WriteText(&buf, orig))

		got, warnings, err := ReadText(&buf)
		require.NoError(t, err)
		assert.Empty(t, warnings)
		assert.Equal(t, "set1", got.Name)
		assert.Equal(t, orig.NFree, got.NFree)
		assert.Equal(t, orig.Conf.Kinds(), got.Conf.Kinds())
		require.NoError(t, got.AllClose(orig, dipole.DefaultTolerance()))
	}
}

func TestWriteTextLayout(t *testing.T) {
	d := fittedDipole(true)
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, d))
	lines := strings.Split(buf.String(), "\n")

	assert.Equal(t, `# CoordinateSystem "Head"`, lines[0])
	assert.Equal(t, "#   begin     end   X (mm)   Y (mm)   Z (mm)   Q(nAm)  Qx(nAm)  Qy(nAm)  Qz(nAm)    g/%"+
		"    khi^2  free  vol/mm^3  depth/mm  long/mm  trans/mm  Qlong/nAm  Qtrans/nAm", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "     40.0    40.0    42.20   -12.30    65.10   20.000"), lines[2])
	assert.Equal(t, `## Name "set1 dipoles" Style "Dipoles"`, lines[len(lines)-1])
	assert.Len(t, lines, 2+17+1)
}

func TestReadTextSchema(t *testing.T) {
	src := `# CoordinateSystem "Head"
# begin end X (mm) Y (mm) Z (mm) Q(nAm) Qx(nAm) Qy(nAm) Qz(nAm) g/% khi^2 prob
  10.0 12.0 1.0 2.0 3.0 10.0 0.0 0.0 10.0 95.0 5.5 0.9
  20.0 20.0 1.0 2.0 3.0 0.0 0.0 0.0 0.0 0.0 0.0 0.1
`
	d, warnings, err := ReadText(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, warnings, 2)
	assert.Equal(t, "Ignoring extra fields in dipole file: [prob]", warnings[0])
	assert.Contains(t, warnings[1], "begin and end")

	assert.Equal(t, 2, d.Len())
	assert.InDelta(t, 0.010, d.Times[0], 1e-12)
	assert.InDelta(t, 0.003, d.Pos[0].Z, 1e-12)
	assert.InDelta(t, 1e-8, d.Amplitude[0], 1e-20)
	assert.Equal(t, geometry.NewVec3(0, 0, 1), d.Ori[0])
	// A zero moment keeps a zero orientation instead of dividing by zero.
	assert.Equal(t, geometry.Vec3{}, d.Ori[1])
	assert.Equal(t, []float64{5.5, 0}, d.Khi2)
	assert.Nil(t, d.NFree)
	assert.True(t, d.Conf.Empty())
	assert.Equal(t, "", d.Name)
}

func TestReadTextErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
	}{
		{"missing field", "# begin end X (mm) Y (mm) Z (mm) Q(nAm) Qx(nAm) Qy(nAm) g/%\n 1 1 1 1 1 1 1 1 1\n"},
		{"column count", "# begin X (mm) Y (mm) Z (mm) Q(nAm) Qx(nAm) Qy(nAm) Qz(nAm) g/%\n 1 1 1 1 1 1 1 1\n"},
		{"not a number", "# begin X (mm) Y (mm) Z (mm) Q(nAm) Qx(nAm) Qy(nAm) Qz(nAm) g/%\n 1 1 1 1 1 1 1 1 x\n"},
		{"no header", " 1 1 1 1 1 1 1 1 1\n"},
		{"no data", "# begin X (mm) Y (mm) Z (mm) Q(nAm) Qx(nAm) Qy(nAm) Qz(nAm) g/%\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ReadText(strings.NewReader(tc.src))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrFormat), err.Error())
		})
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	orig := fittedDipole(true)
	var buf bytes.Buffer
	require.NoError(t, WriteBinary(&buf, orig))
	require.Equal(t, 17*BDIPRecordSize, buf.Len())
	size := buf.Len()

	got, err := ReadBinary(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "", got.Name)
	assert.Nil(t, got.NFree)
	assert.Equal(t, dipole.ConfKinds, got.Conf.Kinds())

	tol := dipole.Tolerance{Time: 5e-5, Pos: 5e-5, Ori: 5e-3, GOF: 0.5e-1, Khi2: 1e-2, AmplitudeRel: 1e-5, ConfRel: 1e-5}
	require.NoError(t, got.AllClose(orig, tol))

	// Writing what was read reproduces the file size.
	var again bytes.Buffer
	require.NoError(t, WriteBinary(&again, got))
	assert.Equal(t, size, again.Len())
	assert.Equal(t, buf.Bytes(), again.Bytes())
}

func TestBinaryWithoutErrors(t *testing.T) {
	orig := fittedDipole(false)
	var buf bytes.Buffer
	require.NoError(t, WriteBinary(&buf, orig))
	got, err := ReadBinary(&buf)
	require.NoError(t, err)
	assert.True(t, got.Conf.Empty())
	assert.Len(t, got.Khi2, 17)
}

func TestBinaryMalformed(t *testing.T) {
	orig := fittedDipole(true)
	var buf bytes.Buffer
	require.NoError(t, WriteBinary(&buf, orig))

	_, err := ReadBinary(bytes.NewReader(buf.Bytes()[:BDIPRecordSize+10]))
	require.ErrorIs(t, err, ErrFormat)

	_, err = ReadBinary(bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrFormat)
}

func TestBinaryMixedErrorFlags(t *testing.T) {
	orig := fittedDipole(true)
	var buf bytes.Buffer
	require.NoError(t, WriteBinary(&buf, orig))

	// Clear the has-errors flag of the second record only.
	data := append([]byte(nil), buf.Bytes()...)
	data[BDIPRecordSize+52+3] = 0
	got, err := ReadBinary(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, dipole.ConfKinds, got.Conf.Kinds())
	assert.InEpsilon(t, orig.Conf.Depth[1], got.Conf.Depth[1], 1e-5)

	// With every flag cleared the limits are dropped.
	for i := 0; i < orig.Len(); i++ {
		data[i*BDIPRecordSize+52+3] = 0
	}
	got, err = ReadBinary(bytes.NewReader(data))
	require.NoError(t, err)
	assert.True(t, got.Conf.Empty())
}

func TestTextAndBinaryAgree(t *testing.T) {
	dir := t.TempDir()
	orig := fittedDipole(true)
	textPath := filepath.Join(dir, "set1.dip")
	binPath := filepath.Join(dir, "set1.bdip")
	require.NoError(t, Write(textPath, orig))
	require.NoError(t, Write(binPath, orig))

	text, err := Read(textPath)
	require.NoError(t, err)
	bin, err := Read(binPath)
	require.NoError(t, err)
	assert.Equal(t, FormatText, text.Format)
	assert.Equal(t, FormatBinary, bin.Format)
	require.Equal(t, 17, text.Dipole.Len())
	require.Equal(t, 17, bin.Dipole.Len())

	tol := dipole.Tolerance{Time: 5e-5, Pos: 5e-5, Ori: 5e-3, GOF: 0.5e-1, Khi2: 1e-1, AmplitudeRel: 1e-3, ConfRel: 0.12}
	require.NoError(t, bin.Dipole.AllClose(text.Dipole, tol))
	assert.Equal(t, "set1", text.Dipole.Name)
	assert.Equal(t, "", bin.Dipole.Name)
	assert.Nil(t, bin.Dipole.NFree)

	info, err := os.Stat(binPath)
	require.NoError(t, err)
	assert.Equal(t, int64(17*BDIPRecordSize), info.Size())

	one, err := bin.Dipole.At(0)
	require.NoError(t, err)
	assert.Equal(t, 1, one.Len())
}

func TestGzipAndFixed(t *testing.T) {
	dir := t.TempDir()
	orig := fittedDipole(true)

	gzPath := filepath.Join(dir, "set1.dip.gz")
	require.NoError(t, Write(gzPath, orig))
	f, err := Read(gzPath)
	require.NoError(t, err)
	require.NoError(t, f.Dipole.AllClose(orig, dipole.DefaultTolerance()))

	fd, err := dipole.NewFixed(geometry.NewVec3(0.01, 0.02, 0.05), geometry.NewVec3(0, 1, 0),
		[]float64{0, 0.001, 0.002}, []float64{1e-8, 2e-8, 3e-8}, []float64{80, 85, 90}, 12)
	require.NoError(t, err)
	fd.Comment = "fixed fit"

	for _, name := range []string{"fixed.json", "fixed.json.gz"} {
		path := filepath.Join(dir, name)
		require.NoError(t, WriteFixed(path, fd))
		got, err := Read(path)
		require.NoError(t, err)
		require.NotNil(t, got.Fixed)
		assert.Nil(t, got.Dipole)
		assert.Equal(t, fd, got.Fixed)
	}

	require.ErrorIs(t, WriteFixed(filepath.Join(dir, "fixed.dip"), fd), ErrUnsupported)
	require.ErrorIs(t, Write(filepath.Join(dir, "x.json"), orig), ErrUnsupported)
	_, err = Read(filepath.Join(dir, "x.fif"))
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		path       string
		format     Format
		compressed bool
	}{
		{"a.dip", FormatText, false},
		{"A.TXT", FormatText, false},
		{"dir.d/a.bdip.gz", FormatBinary, true},
		{"a.json", FormatFixed, false},
	}
	for _, tc := range cases {
		format, compressed, err := DetectFormat(tc.path)
		require.NoError(t, err, tc.path)
		assert.Equal(t, tc.format, format, tc.path)
		assert.Equal(t, tc.compressed, compressed, tc.path)
	}
}
