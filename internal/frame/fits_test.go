package frame

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
)

func sampleFrame() Frame {
	g := NewGrid(3, 2)
	copy(g.Data, []float32{0, 1, 1e30, float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))})
	return Frame{
		Grid:       g,
		Time:       time.Date(2024, 6, 1, 0, 0, 12, 0, time.UTC),
		Exposure:   2.9,
		Source:     "SDO",
		Instrument: "AIA",
		Band:       171,
		Geometry:   Geometry{ScaleX: 0.6, ScaleY: 0.6, RefX: 1, RefY: 0.5, Rotation: 0.1},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		var buf bytes.Buffer
		var err error
		if compressed {
			err = EncodeGzip(&buf, sampleFrame())
		} else {
			err = Encode(&buf, sampleFrame())
		}
		if err != nil {
			t.Fatalf("encode (gzip=%v): %v", compressed, err)
		}

		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("decode (gzip=%v): %v", compressed, err)
		}
		want := sampleFrame()
		if !got.Grid.SameShape(want.Grid) {
			t.Fatalf("expected %dx%d, got %dx%d", want.Grid.Width, want.Grid.Height, got.Grid.Width, got.Grid.Height)
		}
		for i, v := range want.Grid.Data {
			g := got.Grid.Data[i]
			if math.IsNaN(float64(v)) {
				if !math.IsNaN(float64(g)) {
					t.Fatalf("sample %d: expected NaN, got %v", i, g)
				}
				continue
			}
			if g != v {
				t.Fatalf("sample %d: expected %v, got %v", i, v, g)
			}
		}
		if math.Abs(got.Exposure-want.Exposure) > 1e-9 {
			t.Fatalf("expected exposure %v, got %v", want.Exposure, got.Exposure)
		}
		if got.Band != 171 || got.Instrument != "AIA" || got.Source != "SDO" {
			t.Fatalf("unexpected identity %+v", got)
		}
		if !got.Time.Equal(want.Time) {
			t.Fatalf("expected time %s, got %s", want.Time, got.Time)
		}
		if math.Abs(got.Geometry.RefX-1) > 1e-9 || math.Abs(got.Geometry.ScaleX-0.6) > 1e-9 {
			t.Fatalf("unexpected geometry %+v", got.Geometry)
		}
	}
}

func TestDecodeFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.fits")
	if err := os.WriteFile(path, []byte("definitely not fits"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeFile(path); !errors.Is(err, ErrUnreadable) {
		t.Fatalf("expected ErrUnreadable, got %v", err)
	}
	if _, err := DecodeFile(filepath.Join(t.TempDir(), "missing.fits")); !errors.Is(err, ErrUnreadable) {
		t.Fatalf("expected ErrUnreadable for missing file, got %v", err)
	}
}

func TestEncodeFileSetsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.fits.gz")
	if err := EncodeFile(path, sampleFrame()); err != nil {
		t.Fatalf("encode: %v", err)
	}
	fr, err := DecodeFile(path)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fr.Path != path {
		t.Fatalf("expected path %s, got %s", path, fr.Path)
	}
}

func TestParseDetector(t *testing.T) {
	cases := map[string]int{"C2": 2, "c3": 3, "2": 2}
	for in, want := range cases {
		got, err := ParseDetector(in)
		if err != nil || got != want {
			t.Fatalf("ParseDetector(%q): expected %d, got %d (%v)", in, want, got, err)
		}
	}
	if _, err := ParseDetector("EIT"); err == nil {
		t.Fatalf("expected error for non-detector name")
	}
}

func TestFrameCloneIsDeep(t *testing.T) {
	a := sampleFrame()
	a.Degraded = []string{"pointing"}
	b := a.Clone()
	b.Grid.Data[0] = 42
	b.Degraded[0] = "register"
	if a.Grid.Data[0] == 42 || a.Degraded[0] != "pointing" {
		t.Fatalf("clone shares state with original")
	}
}

func TestDecodeIntegerImageAppliesScaling(t *testing.T) {
	var buf bytes.Buffer
	f, err := fitsio.Create(&buf)
	if err != nil {
		t.Fatal(err)
	}
	img := fitsio.NewImage(16, []int{2, 2})
	defer img.Close()
	if err := img.Header().Append(
		fitsio.Card{Name: "BSCALE", Value: 0.5},
		fitsio.Card{Name: "BZERO", Value: 32768},
		fitsio.Card{Name: "BLANK", Value: -32768},
		fitsio.Card{Name: "EXPTIME", Value: 12.0},
	); err != nil {
		t.Fatal(err)
	}
	data := []int16{-32767, 0, 100, -32768}
	if err := img.Write(&data); err != nil {
		t.Fatal(err)
	}
	if err := f.Write(img); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	fr, err := Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []float32{-32767*0.5 + 32768, 32768, 100*0.5 + 32768}
	for i, w := range want {
		if fr.Grid.Data[i] != w {
			t.Fatalf("sample %d: expected %v, got %v", i, w, fr.Grid.Data[i])
		}
	}
	if !math.IsNaN(float64(fr.Grid.Data[3])) {
		t.Fatalf("expected BLANK sample as NaN, got %v", fr.Grid.Data[3])
	}
	if fr.Exposure != 12 {
		t.Fatalf("expected exposure 12, got %v", fr.Exposure)
	}
}

func TestDecodeKeepsExtremeFloats(t *testing.T) {
	g := NewGrid(2, 2)
	copy(g.Data, []float32{0, 3e38, float32(math.NaN()), float32(math.Inf(1))})
	var buf bytes.Buffer
	if err := EncodeGzip(&buf, Frame{Grid: g}); err != nil {
		t.Fatal(err)
	}
	fr, err := Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fr.Grid.Data[1] != 3e38 || !math.IsNaN(float64(fr.Grid.Data[2])) || !math.IsInf(float64(fr.Grid.Data[3]), 1) {
		t.Fatalf("unexpected samples %v", fr.Grid.Data)
	}
}
