package plot

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"dipfit/internal/dipole"
	"dipfit/pkg/colorutil"
	"dipfit/pkg/geometry"
)

func sampleDipole(t *testing.T) *dipole.Dipole {
	t.Helper()
	n := 20
	times := make([]float64, n)
	pos := make([]geometry.Vec3, n)
	ori := make([]geometry.Vec3, n)
	amp := make([]float64, n)
	gof := make([]float64, n)
	for i := 0; i < n; i++ {
		times[i] = float64(i) * 0.005
		pos[i] = geometry.NewVec3(0.01*float64(i%3), -0.02, 0.05)
		ori[i] = geometry.NewVec3(0, 1, 0)
		amp[i] = float64(i) * 5e-9
		gof[i] = 50 + float64(i)
	}
	d, err := dipole.New(times, pos, amp, ori, gof)
	require.NoError(t, err)
	d.Name = "N100"
	return d
}

func countNonWhite(img image.Image) int {
	n := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			if r != 0xffff || g != 0xffff || bl != 0xffff {
				n++
			}
		}
	}
	return n
}

func TestRenderDipole(t *testing.T) {
	c := DipoleChart(sampleDipole(t))
	assert.Equal(t, "N100", c.Title)
	require.Len(t, c.Panels, 3)
	assert.Len(t, c.Panels[2].Series, 3)
	assert.InDelta(t, 10.0, c.Panels[2].Series[0].Values[1], 1e-9)

	img, err := c.Render(640, 480)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 640, 480), img.Bounds())
	assert.Greater(t, countNonWhite(img), 1000)
	// Panel frames are drawn in the axis color.
	assert.Equal(t, colorutil.Axis, img.RGBAAt(marginLeft, marginTop))
}

func TestRenderFixed(t *testing.T) {
	fd, err := dipole.NewFixed(geometry.NewVec3(0, 0, 0.05), geometry.NewVec3(1, 0, 0),
		[]float64{0, 0.01, 0.02}, []float64{1e-8, -2e-8, 3e-8}, []float64{80, 85, 90}, 10)
	require.NoError(t, err)
	c := FixedChart(fd)
	assert.Equal(t, "fixed dipole", c.Title)
	assert.InDeltaSlice(t, []float64{10, -20, 30}, c.Panels[0].Series[0].Values, 1e-9)
	_, err = c.Render(400, 300)
	require.NoError(t, err)
}

func TestRenderErrors(t *testing.T) {
	c := &Chart{Times: []float64{0, 1}, Panels: []Panel{{Series: []Series{{Name: "a", Values: []float64{1}}}}}}
	_, err := c.Render(400, 300)
	require.Error(t, err)

	_, err = (&Chart{}).Render(400, 300)
	require.Error(t, err)

	_, err = DipoleChart(sampleDipole(t)).Render(100, 60)
	require.Error(t, err)
}

func TestSaveFormats(t *testing.T) {
	c := DipoleChart(sampleDipole(t))
	dir := t.TempDir()

	pngPath := filepath.Join(dir, "dip.png")
	require.NoError(t, c.Save(pngPath, 320, 240))
	f, err := os.Open(pngPath)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())

	tifPath := filepath.Join(dir, "dip.tiff")
	require.NoError(t, c.Save(tifPath, 320, 240))
	data, err := os.ReadFile(tifPath)
	require.NoError(t, err)
	timg, err := tiff.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 240, timg.Bounds().Dy())

	require.Error(t, c.Save(filepath.Join(dir, "dip.bmp"), 320, 240))
}
