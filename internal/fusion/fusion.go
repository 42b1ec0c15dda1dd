// Package fusion combines calibrated frames into a single exposure-weighted
// composite.
//
// Frames are streamed through an Accumulator one at a time, so memory use is
// one float64 plane regardless of how many frames contribute.
package fusion

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"solararchive/internal/frame"
)

// DefaultMinExposure is the exposure floor, in seconds, applied before a
// frame's exposure is used as a weight.
const DefaultMinExposure = 1e-3

// denominator floor for pixels whose total weight is zero.
const weightEpsilon = 1e-12

var (
	// ErrNoFrames is returned when no frame was accepted.
	ErrNoFrames = errors.New("no frames to fuse")
	// ErrShapeMismatch marks a frame excluded because its grid differs from the reference.
	ErrShapeMismatch = errors.New("frame shape does not match reference")
)

// Options tune an Accumulator.
type Options struct {
	MinExposure float64
	SNR         bool // compute the SNR gain diagnostic
	SNRPatch    int  // side of the central patch used by the diagnostic
	Logger      *slog.Logger
}

// Composite is the immutable result of fusing one or more frames.
type Composite struct {
	Grid       frame.Grid     `json:"grid"`
	FrameCount int            `json:"frame_count"`
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end"`
	Source     string         `json:"source"`
	Instrument string         `json:"instrument,omitempty"`
	Band       int            `json:"band"`
	Detector   string         `json:"detector,omitempty"`
	Geometry   frame.Geometry `json:"geometry"`
	Exposure   float64        `json:"exposure"`   // sum of clamped exposures
	Normalized bool           `json:"normalized"` // every fused frame was exposure-normalized
	SNRGain    *float64       `json:"snr_gain,omitempty"`
}

// Accumulator keeps a running exposure-weighted sum.
type Accumulator struct {
	opts    Options
	log     *slog.Logger
	sum     []float64
	weight  float64
	ref     frame.Frame
	refData []float32 // reference plane kept only for the SNR diagnostic
	count   int
	skipped int
	raw     int // accepted frames still in counts, not counts per second
	start   time.Time
	end     time.Time
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator(opts Options) *Accumulator {
	if opts.MinExposure <= 0 {
		opts.MinExposure = DefaultMinExposure
	}
	if opts.SNRPatch <= 0 {
		opts.SNRPatch = 64
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Accumulator{opts: opts, log: log}
}

// Add folds fr into the running sum. The first accepted frame fixes the
// reference shape; later frames with another shape are excluded and
// reported with ErrShapeMismatch. Exclusion is not fatal to the accumulator.
func (a *Accumulator) Add(fr frame.Frame) error {
	if err := fr.Grid.Valid(); err != nil {
		a.skipped++
		a.log.Warn("frame excluded from fusion", "path", fr.Path, "error", err)
		return fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}

	if a.count == 0 {
		a.sum = make([]float64, len(fr.Grid.Data))
		a.ref = fr
		a.ref.Grid = frame.Grid{Width: fr.Grid.Width, Height: fr.Grid.Height}
		if a.opts.SNR {
			a.refData = append([]float32(nil), fr.Grid.Data...)
		}
	} else if !fr.Grid.SameShape(a.ref.Grid) {
		a.skipped++
		a.log.Warn("frame excluded from fusion",
			"path", fr.Path,
			"shape", fmt.Sprintf("%dx%d", fr.Grid.Width, fr.Grid.Height),
			"reference", fmt.Sprintf("%dx%d", a.ref.Grid.Width, a.ref.Grid.Height),
		)
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrShapeMismatch,
			fr.Grid.Width, fr.Grid.Height, a.ref.Grid.Width, a.ref.Grid.Height)
	}

	w := a.clamp(fr.Exposure)
	for i, v := range fr.Grid.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		a.sum[i] += f * w
	}
	a.weight += w
	a.count++
	if !fr.Normalized {
		a.raw++
	}

	if !fr.Time.IsZero() {
		if a.start.IsZero() || fr.Time.Before(a.start) {
			a.start = fr.Time
		}
		if fr.Time.After(a.end) {
			a.end = fr.Time
		}
	}
	return nil
}

func (a *Accumulator) clamp(exposure float64) float64 {
	if math.IsNaN(exposure) || exposure < a.opts.MinExposure {
		return a.opts.MinExposure
	}
	return exposure
}

// Count is the number of frames accepted so far.
func (a *Accumulator) Count() int { return a.count }

// Skipped is the number of frames excluded so far.
func (a *Accumulator) Skipped() int { return a.skipped }

// Composite produces the weighted mean of everything added. It may be
// called more than once.
func (a *Accumulator) Composite() (Composite, error) {
	if a.count == 0 {
		return Composite{}, ErrNoFrames
	}

	denom := a.weight
	if denom < weightEpsilon {
		denom = weightEpsilon
	}
	grid := frame.NewGrid(a.ref.Grid.Width, a.ref.Grid.Height)
	for i, s := range a.sum {
		grid.Data[i] = float32(s / denom)
	}

	c := Composite{
		Grid:       grid,
		FrameCount: a.count,
		Start:      a.start,
		End:        a.end,
		Source:     a.ref.Source,
		Instrument: a.ref.Instrument,
		Band:       a.ref.Band,
		Detector:   a.ref.Detector,
		Geometry:   a.ref.Geometry,
		Exposure:   a.weight,
		Normalized: a.raw == 0,
	}

	if a.opts.SNR && a.refData != nil {
		gain, err := SNRGain(a.refData, grid, a.opts.SNRPatch)
		if err != nil {
			a.log.Debug("snr diagnostic unavailable", "error", err)
		} else {
			c.SNRGain = &gain
		}
	}
	return c, nil
}

// Fuse runs frames through a fresh Accumulator.
func Fuse(frames []frame.Frame, opts Options) (Composite, error) {
	acc := NewAccumulator(opts)
	for _, fr := range frames {
		_ = acc.Add(fr)
	}
	return acc.Composite()
}
