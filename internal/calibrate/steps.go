package calibrate

import (
	"context"
	"errors"
	"fmt"
	"math"

	"solararchive/internal/frame"
)

// PointingProvider supplies corrected pointing for a frame.
type PointingProvider interface {
	Pointing(ctx context.Context, fr frame.Frame) (frame.Geometry, error)
}

// HeaderPointing trusts the reference pixel recorded in the file header.
type HeaderPointing struct{}

func (HeaderPointing) Pointing(_ context.Context, fr frame.Frame) (frame.Geometry, error) {
	g := fr.Geometry
	if math.IsNaN(g.RefX) || math.IsNaN(g.RefY) {
		return g, errors.New("reference pixel missing from header")
	}
	return g, nil
}

// PointingStep recentres the grid so the reference pixel lands on the
// image centre. The shift is a whole-pixel roll.
type PointingStep struct {
	Provider PointingProvider
}

func (PointingStep) Name() string { return "pointing" }

func (s PointingStep) Apply(ctx context.Context, fr frame.Frame) (frame.Frame, error) {
	if s.Provider == nil {
		return fr, errors.New("no pointing provider")
	}
	geom, err := s.Provider.Pointing(ctx, fr)
	if err != nil {
		return fr, err
	}
	w, h := fr.Grid.Width, fr.Grid.Height
	if geom.RefX < 0 || geom.RefY < 0 || geom.RefX > float64(w-1) || geom.RefY > float64(h-1) {
		return fr, fmt.Errorf("reference pixel (%.1f, %.1f) outside %dx%d grid", geom.RefX, geom.RefY, w, h)
	}

	cx, cy := float64(w-1)/2, float64(h-1)/2
	dx := int(math.Round(cx - geom.RefX))
	dy := int(math.Round(cy - geom.RefY))

	out := fr.Clone()
	out.Grid = roll(fr.Grid, dx, dy)
	geom.RefX += float64(dx)
	geom.RefY += float64(dy)
	out.Geometry = geom
	return out, nil
}

func roll(g frame.Grid, dx, dy int) frame.Grid {
	out := frame.NewGrid(g.Width, g.Height)
	if dx == 0 && dy == 0 {
		copy(out.Data, g.Data)
		return out
	}
	for y := 0; y < g.Height; y++ {
		ty := mod(y+dy, g.Height)
		for x := 0; x < g.Width; x++ {
			out.Set(mod(x+dx, g.Width), ty, g.At(x, y))
		}
	}
	return out
}

func mod(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}
	return a
}

// RegisterStep resamples onto a common plate scale and, optionally,
// rotates solar north to the top of the grid. Output keeps the input shape.
type RegisterStep struct {
	PlateScale float64 // arcsec per pixel
	NorthUp    bool
}

func (RegisterStep) Name() string { return "register" }

func (s RegisterStep) Apply(_ context.Context, fr frame.Frame) (frame.Frame, error) {
	geom := fr.Geometry
	if !geom.HasScale() {
		return fr, errors.New("plate scale missing from header")
	}
	if s.PlateScale <= 0 {
		return fr, errors.New("target plate scale not configured")
	}

	theta := 0.0
	if s.NorthUp {
		theta = geom.Rotation * math.Pi / 180
	}
	sin, cos := math.Sincos(theta)

	w, h := fr.Grid.Width, fr.Grid.Height
	cx, cy := float64(w-1)/2, float64(h-1)/2
	out := fr.Clone()
	out.Grid = frame.NewGrid(w, h)
	for y := 0; y < h; y++ {
		ay := (float64(y) - cy) * s.PlateScale
		for x := 0; x < w; x++ {
			ax := (float64(x) - cx) * s.PlateScale
			sx := geom.RefX + (cos*ax-sin*ay)/geom.ScaleX
			sy := geom.RefY + (sin*ax+cos*ay)/geom.ScaleY
			out.Grid.Set(x, y, bilinear(fr.Grid, sx, sy))
		}
	}

	out.Geometry = frame.Geometry{
		ScaleX:   s.PlateScale,
		ScaleY:   s.PlateScale,
		RefX:     cx,
		RefY:     cy,
		Rotation: geom.Rotation,
	}
	if s.NorthUp {
		out.Geometry.Rotation = 0
	}
	return out, nil
}

// bilinear samples g at a fractional position; outside the grid is 0.
func bilinear(g frame.Grid, x, y float64) float32 {
	if x < 0 || y < 0 || x > float64(g.Width-1) || y > float64(g.Height-1) {
		return 0
	}
	x0, y0 := int(x), int(y)
	x1, y1 := min(x0+1, g.Width-1), min(y0+1, g.Height-1)
	fx, fy := x-float64(x0), y-float64(y0)
	if fx == 0 && fy == 0 {
		return g.At(x0, y0)
	}

	v00 := float64(g.At(x0, y0))
	v10 := float64(g.At(x1, y0))
	v01 := float64(g.At(x0, y1))
	v11 := float64(g.At(x1, y1))
	top := v00*(1-fx) + v10*fx
	bottom := v01*(1-fx) + v11*fx
	return float32(top*(1-fy) + bottom*fy)
}

// NormalizeStep divides samples by the exposure time.
type NormalizeStep struct{}

func (NormalizeStep) Name() string { return "normalize" }

func (NormalizeStep) Apply(_ context.Context, fr frame.Frame) (frame.Frame, error) {
	if fr.Normalized {
		return fr, nil
	}
	if math.IsNaN(fr.Exposure) || fr.Exposure <= 0 {
		return fr, fmt.Errorf("exposure %v unusable", fr.Exposure)
	}
	out := fr.Clone()
	inv := 1 / fr.Exposure
	for i, v := range out.Grid.Data {
		out.Grid.Data[i] = float32(float64(v) * inv)
	}
	out.Normalized = true
	return out, nil
}
