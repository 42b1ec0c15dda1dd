// Package preview renders a composite as a grayscale image for quick
// inspection. Colour mapping and annotation belong to the renderer that
// consumes composites, not here.
package preview

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/gographics/imagick.v3/imagick"

	"solararchive/internal/frame"
	"solararchive/internal/fusion"
)

// Stretch controls the asinh display stretch.
type Stretch struct {
	LowPercentile  float64
	HighPercentile float64
	Softening      float64
}

// DefaultStretch clips the faintest and brightest half percent.
var DefaultStretch = Stretch{LowPercentile: 0.5, HighPercentile: 99.5, Softening: 10}

// Apply maps grid samples into [0,1]. Non-finite samples map to 0.
func (s Stretch) Apply(g frame.Grid) []float32 {
	out := make([]float32, len(g.Data))
	finite := make([]float64, 0, len(g.Data))
	for _, v := range g.Data {
		f := float64(v)
		if !math.IsNaN(f) && !math.IsInf(f, 0) {
			finite = append(finite, f)
		}
	}
	if len(finite) == 0 {
		return out
	}
	sort.Float64s(finite)
	lo := percentile(finite, s.LowPercentile)
	hi := percentile(finite, s.HighPercentile)
	if hi <= lo {
		hi = lo + 1
	}
	a := s.Softening
	if a <= 0 {
		a = 1
	}
	norm := math.Asinh(a)
	for i, v := range g.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		x := (f - lo) / (hi - lo)
		x = math.Min(math.Max(x, 0), 1)
		out[i] = float32(math.Asinh(a*x) / norm)
	}
	return out
}

func percentile(sorted []float64, p float64) float64 {
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Round(p / 100 * float64(len(sorted)-1)))
	return sorted[idx]
}

// flipRows turns FITS bottom-up row order into image top-down order.
func flipRows(data []float32, width, height int) []float32 {
	out := make([]float32, len(data))
	for y := 0; y < height; y++ {
		copy(out[y*width:(y+1)*width], data[(height-1-y)*width:(height-y)*width])
	}
	return out
}

// Export writes c as an 8-bit grayscale image. The format follows the file
// extension and defaults to PNG.
func Export(c fusion.Composite, path string) error {
	if err := c.Grid.Valid(); err != nil {
		return fmt.Errorf("preview: %w", err)
	}
	if path == "" {
		return errors.New("preview: output path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("preview: %w", err)
	}

	pixels := flipRows(DefaultStretch.Apply(c.Grid), c.Grid.Width, c.Grid.Height)

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(c.Grid.Width), uint(c.Grid.Height), "I", imagick.PIXEL_FLOAT, pixels); err != nil {
		return fmt.Errorf("preview: constitute image: %w", err)
	}
	if err := mw.SetImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
		return fmt.Errorf("preview: colorspace: %w", err)
	}
	format := strings.TrimPrefix(strings.ToUpper(filepath.Ext(path)), ".")
	if format == "" {
		format = "PNG"
	}
	if err := mw.SetImageFormat(format); err != nil {
		return fmt.Errorf("preview: format %s: %w", format, err)
	}
	if err := mw.SetImageDepth(8); err != nil {
		return fmt.Errorf("preview: depth: %w", err)
	}
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("preview: write %s: %w", path, err)
	}
	return nil
}

// FileName is the conventional preview name for a composite.
func FileName(key string) string {
	return key + ".png"
}
