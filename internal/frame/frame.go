// Package frame holds the in-memory representation of single observations and
// the FITS codec used to move them on and off disk.
package frame

import (
	"fmt"
	"math"
	"time"
)

// Grid is a row-major 2-D array of intensity samples. Width is the fast axis.
type Grid struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Data   []float32 `json:"-"`
}

// NewGrid allocates a zeroed grid.
func NewGrid(width, height int) Grid {
	return Grid{Width: width, Height: height, Data: make([]float32, width*height)}
}

// At returns the sample at column x, row y.
func (g Grid) At(x, y int) float32 {
	return g.Data[y*g.Width+x]
}

// Set stores v at column x, row y.
func (g Grid) Set(x, y int, v float32) {
	g.Data[y*g.Width+x] = v
}

// SameShape reports whether both grids have identical dimensions.
func (g Grid) SameShape(o Grid) bool {
	return g.Width == o.Width && g.Height == o.Height
}

// Valid reports whether the backing slice matches the declared dimensions.
func (g Grid) Valid() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("invalid grid shape %dx%d", g.Width, g.Height)
	}
	if len(g.Data) != g.Width*g.Height {
		return fmt.Errorf("grid %dx%d has %d samples", g.Width, g.Height, len(g.Data))
	}
	return nil
}

// Clone returns a deep copy.
func (g Grid) Clone() Grid {
	out := Grid{Width: g.Width, Height: g.Height, Data: make([]float32, len(g.Data))}
	copy(out.Data, g.Data)
	return out
}

// Finite counts samples that are neither NaN nor infinite.
func (g Grid) Finite() int {
	n := 0
	for _, v := range g.Data {
		f := float64(v)
		if !math.IsNaN(f) && !math.IsInf(f, 0) {
			n++
		}
	}
	return n
}

// Geometry is the spatial metadata needed to register a frame.
type Geometry struct {
	ScaleX   float64 `json:"scale_x"`  // arcsec per pixel along x
	ScaleY   float64 `json:"scale_y"`  // arcsec per pixel along y
	RefX     float64 `json:"ref_x"`    // 0-based pixel of the disk centre
	RefY     float64 `json:"ref_y"`    // 0-based pixel of the disk centre
	Rotation float64 `json:"rotation"` // degrees, CROTA2 convention
}

// HasScale reports whether plate scale metadata is present.
func (g Geometry) HasScale() bool {
	return g.ScaleX > 0 && g.ScaleY > 0
}

// Frame is one decoded observation.
type Frame struct {
	Grid       Grid      `json:"grid"`
	Path       string    `json:"path"`
	Time       time.Time `json:"time"`
	Exposure   float64   `json:"exposure"` // seconds; <= 0 when unknown
	Source     string    `json:"source"`
	Instrument string    `json:"instrument"`
	Band       int       `json:"band"`
	Detector   string    `json:"detector,omitempty"`
	Geometry   Geometry  `json:"geometry"`
	Normalized bool      `json:"normalized"`
	Degraded   []string  `json:"degraded,omitempty"` // correction steps that were skipped
}

// Clone returns a deep copy that shares no mutable state with f.
func (f Frame) Clone() Frame {
	out := f
	out.Grid = f.Grid.Clone()
	if f.Degraded != nil {
		out.Degraded = append([]string(nil), f.Degraded...)
	}
	return out
}
