package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"solararchive/internal/acquire"
	"solararchive/internal/frame"
	"solararchive/internal/fsutil"
	"solararchive/internal/fusion"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log        *slog.Logger
	acquirer   acquirer
	calib      acquire.Calibrator
	fusion     fusion.Options
	exportFn   exportFunc
	listFn     func(root string) ([]string, error)
	previewDir string
}

type acquirer interface {
	Run(ctx context.Context, req acquire.Request) (acquire.Result, error)
}

type exportFunc func(c fusion.Composite, path string) error

// RouterConfig wires the handlers behind a Processor.
type RouterConfig struct {
	Acquirer   *acquire.Orchestrator
	Calibrator acquire.Calibrator
	Fusion     fusion.Options
	Preview    func(c fusion.Composite, path string) error
	PreviewDir string
	Logger     *slog.Logger
}

// NewRouter returns the Processor used by the service and CLI.
func NewRouter(cfg RouterConfig) Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &router{
		log:        logger.With("component", "router"),
		calib:      cfg.Calibrator,
		fusion:     cfg.Fusion,
		exportFn:   cfg.Preview,
		listFn:     fsutil.ListFrames,
		previewDir: cfg.PreviewDir,
	}
	if cfg.Acquirer != nil {
		r.acquirer = cfg.Acquirer
	}
	return r
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobAcquire:
		return r.handleAcquire(ctx, job)
	case JobStack:
		return r.handleStack(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleAcquire(ctx context.Context, job Job) Result {
	if r.acquirer == nil {
		return Result{Job: job, Error: errors.New("acquisition is not configured")}
	}
	req := job.Request
	req.ID = job.ID
	res, err := r.acquirer.Run(ctx, req)
	meta := map[string]any{
		"key":      res.Key,
		"source":   res.Source,
		"band":     res.Band,
		"attempts": len(res.Attempts),
	}
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta, Acquisition: &res}
	}
	meta["from_cache"] = res.FromCache
	meta["frame_count"] = res.Composite.FrameCount
	meta["start"] = res.Composite.Start
	meta["end"] = res.Composite.End
	if res.Composite.SNRGain != nil {
		meta["snr_gain"] = *res.Composite.SNRGain
	}

	if out := r.previewPath(job, res.Key); out != "" {
		if perr := r.exportFn(res.Composite, out); perr != nil {
			r.log.Warn("preview export failed", "job", job.ID, "output", out, "error", perr)
			meta["preview_error"] = perr.Error()
		} else {
			meta["preview"] = out
		}
	}
	return Result{Job: job, Meta: meta, Acquisition: &res}
}

// previewPath is job.Output, or previewDir/<key>.png when the job asks for a
// preview without naming a file. Empty means no preview.
func (r *router) previewPath(job Job, key string) string {
	if r.exportFn == nil {
		return ""
	}
	if job.Output != "" {
		return job.Output
	}
	if getBoolOption(job.Options, "preview") && r.previewDir != "" {
		return filepath.Join(r.previewDir, key+".png")
	}
	return ""
}

// handleStack calibrates and fuses every FITS file under job.InputPath
// into job.Output (a FITS file).
func (r *router) handleStack(ctx context.Context, job Job) Result {
	if r.calib == nil {
		return Result{Job: job, Error: errors.New("calibration is not configured")}
	}
	files, err := r.listFn(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("list frames: %w", err)}
	}
	if len(files) == 0 {
		return Result{Job: job, Error: fmt.Errorf("no FITS files under %s", job.InputPath)}
	}

	acc := fusion.NewAccumulator(r.fusion)
	unreadable := 0
	for _, f := range files {
		fr, err := r.calib.Calibrate(ctx, f)
		if err != nil {
			unreadable++
			r.log.Warn("frame unavailable", "job", job.ID, "path", f, "error", err)
			continue
		}
		_ = acc.Add(fr)
	}
	meta := map[string]any{
		"files":      len(files),
		"unreadable": unreadable,
		"skipped":    acc.Skipped(),
	}
	c, err := acc.Composite()
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	meta["frame_count"] = c.FrameCount
	if c.SNRGain != nil {
		meta["snr_gain"] = *c.SNRGain
	}

	output := job.Output
	if output == "" {
		output = filepath.Clean(job.InputPath) + "_stack.fits"
	}
	err = frame.EncodeFile(output, frame.Frame{
		Grid:       c.Grid,
		Time:       c.Start,
		Exposure:   c.Exposure,
		Source:     c.Source,
		Instrument: c.Instrument,
		Band:       c.Band,
		Detector:   c.Detector,
		Geometry:   c.Geometry,
		Normalized: c.Normalized,
	})
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("write %s: %w", output, err), Meta: meta}
	}
	meta["output"] = output

	if p, _ := job.Options["preview"].(string); p != "" && r.exportFn != nil {
		if perr := r.exportFn(c, p); perr != nil {
			meta["preview_error"] = perr.Error()
		} else {
			meta["preview"] = p
		}
	}
	return Result{Job: job, Meta: meta}
}

func getBoolOption(opts map[string]any, key string) bool {
	v, _ := opts[key].(bool)
	return v
}
