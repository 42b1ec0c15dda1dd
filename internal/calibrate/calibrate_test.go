package calibrate

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"slices"
	"testing"

	"solararchive/internal/config"
	"solararchive/internal/frame"
	"solararchive/internal/logging"
)

type failingPointing struct{}

func (failingPointing) Pointing(context.Context, frame.Frame) (frame.Geometry, error) {
	return frame.Geometry{}, errors.New("pointing table unreachable")
}

func rawFrame() frame.Frame {
	g := frame.NewGrid(5, 5)
	for i := range g.Data {
		g.Data[i] = float32(i)
	}
	return frame.Frame{
		Grid:     g,
		Path:     "raw.fits",
		Exposure: 2,
		Geometry: frame.Geometry{ScaleX: 0.6, ScaleY: 0.6, RefX: 2, RefY: 2},
	}
}

func TestPointingFailureStillCalibrates(t *testing.T) {
	c := NewWithSteps(logging.Discard(),
		PointingStep{Provider: failingPointing{}},
		RegisterStep{PlateScale: 0.6, NorthUp: true},
		NormalizeStep{},
	)
	c.WithDecoder(func(string) (frame.Frame, error) { return rawFrame(), nil })

	fr, err := c.Calibrate(context.Background(), "raw.fits")
	if err != nil {
		t.Fatalf("expected a frame, got %v", err)
	}
	if !slices.Equal(fr.Degraded, []string{"pointing"}) {
		t.Fatalf("expected only pointing degraded, got %v", fr.Degraded)
	}
	if !fr.Normalized {
		t.Fatalf("expected normalization to run after pointing failure")
	}
	if got := fr.Grid.At(3, 1); math.Abs(float64(got)-8.0/2) > 1e-5 {
		t.Fatalf("expected registered+normalized sample 4, got %v", got)
	}
}

func TestEveryStepCanFail(t *testing.T) {
	raw := rawFrame()
	raw.Geometry.ScaleX = 0
	raw.Exposure = 0
	c := NewWithSteps(logging.Discard(),
		PointingStep{Provider: failingPointing{}},
		RegisterStep{PlateScale: 0.6},
		NormalizeStep{},
	)
	got := c.Apply(context.Background(), raw)
	if !slices.Equal(got.Degraded, []string{"pointing", "register", "normalize"}) {
		t.Fatalf("unexpected degraded list %v", got.Degraded)
	}
	if !slices.Equal(got.Grid.Data, raw.Grid.Data) {
		t.Fatalf("expected untouched samples when every step fails")
	}
	if raw.Degraded != nil {
		t.Fatalf("input frame was mutated: %v", raw.Degraded)
	}
}

func TestCalibrateUnreadableFileIsFatal(t *testing.T) {
	c := New(config.Default().Calibration, logging.Discard())
	_, err := c.Calibrate(context.Background(), filepath.Join(t.TempDir(), "nope.fits"))
	if !errors.Is(err, frame.ErrUnreadable) {
		t.Fatalf("expected ErrUnreadable, got %v", err)
	}
}

func TestPointingRecentres(t *testing.T) {
	raw := rawFrame()
	raw.Geometry.RefX = 1
	raw.Geometry.RefY = 2

	out, err := PointingStep{Provider: HeaderPointing{}}.Apply(context.Background(), raw)
	if err != nil {
		t.Fatalf("pointing failed: %v", err)
	}
	if out.Geometry.RefX != 2 || out.Geometry.RefY != 2 {
		t.Fatalf("expected centred reference, got (%v, %v)", out.Geometry.RefX, out.Geometry.RefY)
	}
	// sample at old reference (1,2) now sits at (2,2)
	if out.Grid.At(2, 2) != raw.Grid.At(1, 2) {
		t.Fatalf("expected rolled sample %v, got %v", raw.Grid.At(1, 2), out.Grid.At(2, 2))
	}
	if raw.Grid.At(2, 2) != 12 {
		t.Fatalf("input grid was mutated")
	}
}

func TestRegisterRescales(t *testing.T) {
	raw := rawFrame()
	raw.Geometry.ScaleX, raw.Geometry.ScaleY = 1.2, 1.2

	out, err := RegisterStep{PlateScale: 0.6}.Apply(context.Background(), raw)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if out.Geometry.ScaleX != 0.6 {
		t.Fatalf("expected target scale, got %v", out.Geometry.ScaleX)
	}
	// half-size pixels: output (4,2) maps to source (3,2)
	if got := out.Grid.At(4, 2); got != raw.Grid.At(3, 2) {
		t.Fatalf("expected %v, got %v", raw.Grid.At(3, 2), got)
	}
	if got := out.Grid.At(2, 2); got != raw.Grid.At(2, 2) {
		t.Fatalf("expected centre preserved, got %v", got)
	}
}

func TestRegisterNorthUpRotates(t *testing.T) {
	raw := rawFrame()
	raw.Geometry.Rotation = 90

	out, err := RegisterStep{PlateScale: 0.6, NorthUp: true}.Apply(context.Background(), raw)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if out.Geometry.Rotation != 0 {
		t.Fatalf("expected rotation cleared, got %v", out.Geometry.Rotation)
	}
	// a 90 degree rotation maps output (3,2) onto source (2,3)
	if got := out.Grid.At(3, 2); math.Abs(float64(got-raw.Grid.At(2, 3))) > 1e-4 {
		t.Fatalf("expected %v, got %v", raw.Grid.At(2, 3), got)
	}
}

func TestNormalizeSkipsAlreadyNormalized(t *testing.T) {
	raw := rawFrame()
	raw.Normalized = true
	out, err := NormalizeStep{}.Apply(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}
	if out.Grid.At(4, 4) != 24 {
		t.Fatalf("expected untouched sample 24, got %v", out.Grid.At(4, 4))
	}
}

func TestNewHonoursPointingNone(t *testing.T) {
	cfg := config.Default().Calibration
	cfg.Pointing = "none"
	c := New(cfg, logging.Discard())
	if !slices.Equal(c.Steps(), []string{"register", "normalize"}) {
		t.Fatalf("unexpected steps %v", c.Steps())
	}
	if got := New(config.Default().Calibration, nil).Steps(); !slices.Equal(got, []string{"pointing", "register", "normalize"}) {
		t.Fatalf("unexpected default steps %v", got)
	}
}
