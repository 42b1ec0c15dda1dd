// Package calibrate turns a downloaded raw file into a corrected frame.
//
// Correction runs as an ordered list of Steps. A failing step is logged,
// recorded on the frame and skipped; only an undecodable file is an error.
package calibrate

import (
	"context"
	"fmt"
	"log/slog"

	"solararchive/internal/config"
	"solararchive/internal/frame"
	"solararchive/internal/logging"
)

// Step is one independently-failable correction. Apply must not mutate its
// input; it returns a new frame.
type Step interface {
	Name() string
	Apply(ctx context.Context, fr frame.Frame) (frame.Frame, error)
}

// DecodeFunc reads a raw file into an uncorrected frame.
type DecodeFunc func(path string) (frame.Frame, error)

// Calibrator decodes files and runs the correction steps.
type Calibrator struct {
	steps  []Step
	decode DecodeFunc
	log    *slog.Logger
}

// New builds the standard pointing, registration and normalization chain.
func New(cfg config.Calibration, logger *slog.Logger) *Calibrator {
	var steps []Step
	switch cfg.Pointing {
	case "none":
	default:
		steps = append(steps, PointingStep{Provider: HeaderPointing{}})
	}
	steps = append(steps,
		RegisterStep{PlateScale: cfg.PlateScale, NorthUp: cfg.NorthUp},
		NormalizeStep{},
	)
	return NewWithSteps(logger, steps...)
}

// NewWithSteps builds a calibrator with an explicit step list.
func NewWithSteps(logger *slog.Logger, steps ...Step) *Calibrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calibrator{
		steps:  steps,
		decode: frame.DecodeFile,
		log:    logger.With("component", "calibrate"),
	}
}

// WithDecoder replaces the file decoder.
func (c *Calibrator) WithDecoder(fn DecodeFunc) *Calibrator {
	c.decode = fn
	return c
}

// Steps returns the configured step names in order.
func (c *Calibrator) Steps() []string {
	names := make([]string, len(c.steps))
	for i, s := range c.steps {
		names[i] = s.Name()
	}
	return names
}

// Calibrate decodes path and corrects it. The error is non-nil only when
// the file cannot be decoded.
func (c *Calibrator) Calibrate(ctx context.Context, path string) (frame.Frame, error) {
	raw, err := c.decode(path)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("calibrate: %w", err)
	}
	if raw.Path == "" {
		raw.Path = path
	}
	return c.Apply(ctx, raw), nil
}

// Apply runs every step over fr, skipping failures.
func (c *Calibrator) Apply(ctx context.Context, fr frame.Frame) frame.Frame {
	cur := fr
	for _, step := range c.steps {
		next, err := step.Apply(ctx, cur)
		if err != nil {
			logging.LogDegraded(c.log, fr.Path, step.Name(), err)
			cur = cur.Clone()
			cur.Degraded = append(cur.Degraded, step.Name())
			continue
		}
		cur = next
	}
	return cur
}
