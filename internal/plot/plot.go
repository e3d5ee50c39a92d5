// Package plot renders dipole time courses as raster images.
package plot

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/tiff"
	"golang.org/x/image/vector"

	"dipfit/internal/dipole"
	"dipfit/pkg/colorutil"
)

const (
	marginLeft   = 70
	marginRight  = 110
	marginTop    = 24
	marginBottom = 30
	panelGap     = 18
	lineWidth    = 1.5
)

// Series is one named curve.
type Series struct {
	Name   string
	Values []float64
}

// Panel is a set of curves sharing a y axis.
type Panel struct {
	Label  string // y axis label, including unit
	Series []Series
}

// Chart is a vertical stack of panels sharing the time axis.
type Chart struct {
	Title  string
	Times  []float64 // Seconds
	Panels []Panel
}

// DipoleChart plots amplitude, goodness of fit and position of a dipole.
func DipoleChart(d *dipole.Dipole) *Chart {
	n := d.Len()
	x, y, z := make([]float64, n), make([]float64, n), make([]float64, n)
	amp := make([]float64, n)
	for i, p := range d.Pos {
		x[i], y[i], z[i] = p.X*1e3, p.Y*1e3, p.Z*1e3
		amp[i] = d.Amplitude[i] * 1e9
	}
	title := d.Name
	if title == "" {
		title = "dipole"
	}
	return &Chart{
		Title: title,
		Times: d.Times,
		Panels: []Panel{
			{Label: "Amplitude (nAm)", Series: []Series{{Name: "Q", Values: amp}}},
			{Label: "GOF (%)", Series: []Series{{Name: "g", Values: d.GOF}}},
			{Label: "Position (mm)", Series: []Series{{Name: "x", Values: x}, {Name: "y", Values: y}, {Name: "z", Values: z}}},
		},
	}
}

// FixedChart plots the amplitude and goodness of fit of a fixed dipole.
func FixedChart(fd *dipole.Fixed) *Chart {
	amp := make([]float64, fd.Len())
	for i, a := range fd.Amplitude() {
		amp[i] = a * 1e9
	}
	title := fd.Comment
	if title == "" {
		title = "fixed dipole"
	}
	return &Chart{
		Title: title,
		Times: fd.Times,
		Panels: []Panel{
			{Label: "Amplitude (nAm)", Series: []Series{{Name: "Q", Values: amp}}},
			{Label: "GOF (%)", Series: []Series{{Name: "g", Values: fd.GOF()}}},
		},
	}
}

// Validate checks that every series matches the time axis.
func (c *Chart) Validate() error {
	if len(c.Panels) == 0 {
		return fmt.Errorf("chart has no panels")
	}
	for _, p := range c.Panels {
		for _, s := range p.Series {
			if len(s.Values) != len(c.Times) {
				return fmt.Errorf("series %s has %d values for %d times", s.Name, len(s.Values), len(c.Times))
			}
		}
	}
	return nil
}

// Render draws the chart on a white canvas of the given size.
func (c *Chart) Render(width, height int) (*image.RGBA, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	plotH := height - marginTop - marginBottom - panelGap*(len(c.Panels)-1)
	panelH := plotH / len(c.Panels)
	plotW := width - marginLeft - marginRight
	if panelH < 20 || plotW < 20 {
		return nil, fmt.Errorf("image %dx%d is too small for %d panels", width, height, len(c.Panels))
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(colorutil.White), image.Point{}, draw.Src)
	drawText(img, marginLeft, marginTop-8, c.Title, colorutil.Black)

	tmin, tmax := span(c.Times)
	for i, p := range c.Panels {
		top := marginTop + i*(panelH+panelGap)
		area := image.Rect(marginLeft, top, marginLeft+plotW, top+panelH)
		c.drawPanel(img, area, p, tmin, tmax)
	}

	bottom := marginTop + len(c.Panels)*(panelH+panelGap) - panelGap
	drawText(img, marginLeft, bottom+14, fmt.Sprintf("%.1f ms", tmin*1e3), colorutil.Axis)
	right := fmt.Sprintf("%.1f ms", tmax*1e3)
	drawText(img, marginLeft+plotW-textWidth(right), bottom+14, right, colorutil.Axis)
	drawText(img, marginLeft+plotW/2-textWidth("Time")/2, bottom+26, "Time", colorutil.Black)
	return img, nil
}

func (c *Chart) drawPanel(img *image.RGBA, area image.Rectangle, p Panel, tmin, tmax float64) {
	var all []float64
	for _, s := range p.Series {
		all = append(all, s.Values...)
	}
	vmin, vmax := span(all)

	fill(img, image.Rect(area.Min.X, (area.Min.Y+area.Max.Y)/2, area.Max.X, (area.Min.Y+area.Max.Y)/2+1), colorutil.Grid)
	outline(img, area, colorutil.Axis)
	drawText(img, 4, area.Min.Y+10, fmt.Sprintf("%.3g", vmax), colorutil.Axis)
	drawText(img, 4, area.Max.Y, fmt.Sprintf("%.3g", vmin), colorutil.Axis)
	drawText(img, 4, (area.Min.Y+area.Max.Y)/2+4, p.Label, colorutil.Black)

	colors := colorutil.Palette(len(p.Series))
	for k, s := range p.Series {
		pts := make([][2]float32, 0, len(s.Values))
		for j, v := range s.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			x := float64(area.Min.X) + scale(c.Times[j], tmin, tmax)*float64(area.Dx())
			y := float64(area.Max.Y) - scale(v, vmin, vmax)*float64(area.Dy())
			pts = append(pts, [2]float32{float32(x), float32(y)})
		}
		stroke(img, pts, colors[k])
		drawText(img, area.Max.X+8, area.Min.Y+12+14*k, s.Name, colors[k])
	}
}

// span returns the finite range of v, widened when it is empty or flat.
func span(v []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		lo, hi = math.Min(lo, x), math.Max(hi, x)
	}
	if lo > hi {
		return 0, 1
	}
	if lo == hi {
		pad := math.Max(math.Abs(lo)*0.1, 1e-12)
		return lo - pad, hi + pad
	}
	return lo, hi
}

func scale(v, lo, hi float64) float64 {
	return (v - lo) / (hi - lo)
}

// stroke draws a polyline of lineWidth pixels with the vector rasterizer.
func stroke(img *image.RGBA, pts [][2]float32, c color.Color) {
	if len(pts) == 0 {
		return
	}
	b := img.Bounds()
	z := vector.NewRasterizer(b.Dx(), b.Dy())
	half := float32(lineWidth / 2)
	if len(pts) == 1 {
		p := pts[0]
		z.MoveTo(p[0]-half, p[1]-half)
		z.LineTo(p[0]+half, p[1]-half)
		z.LineTo(p[0]+half, p[1]+half)
		z.LineTo(p[0]-half, p[1]+half)
		z.ClosePath()
	}
	for i := 1; i < len(pts); i++ {
		a, e := pts[i-1], pts[i]
		dx, dy := e[0]-a[0], e[1]-a[1]
		n := float32(math.Hypot(float64(dx), float64(dy)))
		if n == 0 {
			continue
		}
		nx, ny := -dy/n*half, dx/n*half
		z.MoveTo(a[0]+nx, a[1]+ny)
		z.LineTo(e[0]+nx, e[1]+ny)
		z.LineTo(e[0]-nx, e[1]-ny)
		z.LineTo(a[0]-nx, a[1]-ny)
		z.ClosePath()
	}
	z.Draw(img, b, image.NewUniform(c), image.Point{})
}

func fill(img *image.RGBA, r image.Rectangle, c color.Color) {
	draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
}

func outline(img *image.RGBA, r image.Rectangle, c color.Color) {
	fill(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+1), c)
	fill(img, image.Rect(r.Min.X, r.Max.Y-1, r.Max.X, r.Max.Y), c)
	fill(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+1, r.Max.Y), c)
	fill(img, image.Rect(r.Max.X-1, r.Min.Y, r.Max.X, r.Max.Y), c)
}

func drawText(img *image.RGBA, x, y int, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func textWidth(s string) int {
	return font.MeasureString(basicfont.Face7x13, s).Ceil()
}

// Encode writes img as "png" or "tiff".
func Encode(w io.Writer, img image.Image, format string) error {
	switch format {
	case "png":
		return png.Encode(w, img)
	case "tiff", "tif":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	}
	return fmt.Errorf("unsupported image format %q (want png or tiff)", format)
}

// Save renders the chart and writes it to path, choosing the format from
// the extension.
func (c *Chart) Save(path string, width, height int) error {
	img, err := c.Render(width, height)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if err := Encode(f, img, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
