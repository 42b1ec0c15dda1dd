// Package acquire turns a (date, source, band) request into a fused
// composite: cache lookup, widening archive searches with source fallback,
// per-frame calibration, fusion and cache write.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"solararchive/internal/archive"
	"solararchive/internal/cache"
	"solararchive/internal/config"
	"solararchive/internal/events"
	"solararchive/internal/frame"
	"solararchive/internal/fusion"
	"solararchive/internal/logging"
	"solararchive/internal/metrics"
	"solararchive/internal/storage"
)

// State is a step of an acquisition.
type State string

const (
	StateCheckCache    State = "CHECK_CACHE"
	StateSearch        State = "SEARCH"
	StateDownload      State = "DOWNLOAD"
	StateCalibrateEach State = "CALIBRATE_EACH"
	StateFuse          State = "FUSE"
	StateCacheWrite    State = "CACHE_WRITE"
	StateDone          State = events.StateDone
	StateFailed        State = events.StateFailed
)

// ErrNotFound means every window of every planned source came up empty.
var ErrNotFound = errors.New("no data available")

// Archive is the search and download surface the orchestrator needs.
type Archive interface {
	Search(ctx context.Context, q archive.Query) ([]archive.Record, error)
	Download(ctx context.Context, records []archive.Record, dir string) ([]string, error)
}

// Calibrator turns one downloaded file into a corrected frame.
type Calibrator interface {
	Calibrate(ctx context.Context, path string) (frame.Frame, error)
}

// Request asks for the composite of one day.
type Request struct {
	ID       string    `json:"id,omitempty"`
	Date     time.Time `json:"date"`
	Source   string    `json:"source,omitempty"` // empty or "auto" selects by date
	Band     int       `json:"band,omitempty"`
	Detector string    `json:"detector,omitempty"`
	Force    bool      `json:"force,omitempty"` // skip the cache read and overwrite the entry
}

// FrameReport is the fate of one downloaded file.
type FrameReport struct {
	Path     string    `json:"path"`
	Time     time.Time `json:"time"`
	Exposure float64   `json:"exposure"`
	Included bool      `json:"included"`
	Degraded []string  `json:"degraded,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Attempt is one search window tried against one target.
type Attempt struct {
	Source     string `json:"source"`
	Band       int    `json:"band"`
	Window     string `json:"window"`
	Candidates int    `json:"candidates"`
	Downloaded int    `json:"downloaded"`
	Fused      int    `json:"fused"`
	Error      string `json:"error,omitempty"`
}

// Result is the outcome of Run.
type Result struct {
	ID        string           `json:"id"`
	Key       string           `json:"key"`
	Source    string           `json:"source"`
	Band      int              `json:"band"`
	FromCache bool             `json:"from_cache"`
	Composite fusion.Composite `json:"composite"`
	Frames    []FrameReport    `json:"frames,omitempty"`
	Attempts  []Attempt        `json:"attempts,omitempty"`
	Duration  time.Duration    `json:"duration"`
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Archive    Archive
	Calibrator Calibrator
	Cache      cache.Store
	Store      *storage.Store
	Events     events.Publisher
	Logger     *slog.Logger
}

// Orchestrator runs acquisitions. It holds no per-request state and is safe
// for concurrent use; concurrent runs for the same key race to the last
// cache write.
type Orchestrator struct {
	cfg     *config.Config
	archive Archive
	calib   Calibrator
	cache   cache.Store
	store   *storage.Store
	events  events.Publisher
	spans   []time.Duration
	fusion  fusion.Options
	log     *slog.Logger
}

// New validates deps and the search windows in cfg.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("acquire: config is required")
	}
	if deps.Archive == nil || deps.Calibrator == nil || deps.Cache == nil {
		return nil, errors.New("acquire: archive, calibrator and cache are required")
	}
	spans, err := cfg.Search.Spans()
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}
	if len(spans) == 0 {
		return nil, errors.New("acquire: no search windows configured")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "acquire")
	return &Orchestrator{
		cfg:     cfg,
		archive: deps.Archive,
		calib:   deps.Calibrator,
		cache:   deps.Cache,
		store:   deps.Store,
		events:  deps.Events,
		spans:   spans,
		fusion: fusion.Options{
			MinExposure: cfg.Fusion.MinExposure,
			SNR:         cfg.Fusion.SNRDiagnostic,
			SNRPatch:    cfg.Fusion.SNRPatch,
			Logger:      log,
		},
		log: log,
	}, nil
}

type run struct {
	o       *Orchestrator
	id      string
	key     string
	date    time.Time
	started time.Time
	result  Result
}

func (r *run) emit(ctx context.Context, state State, msg string, fields map[string]any) {
	logging.LogStep(r.o.log, r.id, string(state), fields)
	if r.o.events == nil {
		return
	}
	r.o.events.Publish(ctx, events.Event{
		AcquisitionID: r.id,
		Key:           r.key,
		State:         string(state),
		Message:       msg,
		Time:          time.Now().UTC(),
		Fields:        fields,
	})
}

// Run executes one acquisition. The only "no data" outcome is ErrNotFound;
// other errors are invalid requests or cancellation.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	if req.Date.IsZero() {
		return Result{}, errors.New("acquire: date is required")
	}
	r := &run{o: o, id: req.ID, date: req.Date.UTC(), started: time.Now()}
	if r.id == "" {
		r.id = uuid.NewString()
	}
	r.result.ID = r.id

	plan, skipped, err := Plan(o.cfg, req)
	if err != nil {
		return r.result, err
	}
	for _, s := range skipped {
		o.log.Info("source skipped", "id", r.id, "reason", s)
	}
	if len(plan) == 0 {
		return r.fail(ctx, "", ErrNotFound)
	}
	r.key = plan[0].Key(r.date).String()
	r.result.Key = r.key
	r.result.Source = plan[0].Source.Name
	r.result.Band = plan[0].Band

	logging.LogAcquisitionStart(o.log, r.id, r.key, map[string]any{
		"date":  r.date.Format(time.DateOnly),
		"plan":  targetNames(plan),
		"force": req.Force,
	})

	r.emit(ctx, StateCheckCache, "", map[string]any{"force": req.Force})
	if !req.Force {
		for _, t := range plan {
			key := t.Key(r.date)
			c, ok := o.cache.Get(ctx, key)
			if !ok {
				continue
			}
			r.setTarget(t)
			r.result.FromCache = true
			r.result.Composite = c
			return r.done(ctx)
		}
	}

	for _, t := range plan {
		if c, ok := r.acquireTarget(ctx, t); ok {
			r.setTarget(t)
			r.result.Composite = c
			r.writeCache(ctx, t.Key(r.date), c)
			return r.done(ctx)
		}
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, "cancelled", err)
		}
		o.log.Info("target exhausted", "id", r.id, "target", t.String())
	}
	return r.fail(ctx, "all sources and windows exhausted", ErrNotFound)
}

func (r *run) setTarget(t Target) {
	r.key = t.Key(r.date).String()
	r.result.Key = r.key
	r.result.Source = t.Source.Name
	r.result.Band = t.Band
}

// acquireTarget walks the widening windows for t until one yields a composite.
func (r *run) acquireTarget(ctx context.Context, t Target) (fusion.Composite, bool) {
	o := r.o
	dir := filepath.Join(o.cfg.Paths.DownloadDir, t.Key(r.date).String())
	for _, window := range archive.Windows(r.date, o.spans) {
		if ctx.Err() != nil {
			return fusion.Composite{}, false
		}
		attempt := Attempt{Source: t.Source.Name, Band: t.Band, Window: window.String()}

		r.emit(ctx, StateSearch, t.String(), map[string]any{"source": t.Source.Name, "band": t.Band, "window": window.String()})
		records, err := o.archive.Search(ctx, archive.Query{
			Source:     t.Source.Name,
			Instrument: t.Source.Instrument,
			Band:       t.Band,
			Range:      window,
		})
		if err != nil {
			o.log.Warn("search failed, treating as no candidates", "id", r.id, "target", t.String(), "window", window.String(), "error", err)
			attempt.Error = err.Error()
		}
		attempt.Candidates = len(records)
		if len(records) == 0 {
			r.result.Attempts = append(r.result.Attempts, attempt)
			continue
		}

		r.emit(ctx, StateDownload, "", map[string]any{"candidates": len(records)})
		paths, err := o.archive.Download(ctx, records, dir)
		if err != nil {
			o.log.Warn("download failed", "id", r.id, "dir", dir, "error", err)
			attempt.Error = err.Error()
		}
		attempt.Downloaded = len(paths)
		if want := min(len(records), max(o.cfg.Archive.MaxFrames, 1)); len(paths) < want {
			derr := &archive.DownloadError{Requested: want, Obtained: len(paths)}
			o.log.Warn("continuing with partial download", "id", r.id, "error", derr)
		}
		if len(paths) == 0 {
			r.result.Attempts = append(r.result.Attempts, attempt)
			continue
		}

		c, ok := r.calibrateAndFuse(ctx, paths)
		attempt.Fused = c.FrameCount
		r.result.Attempts = append(r.result.Attempts, attempt)
		if !ok {
			continue
		}
		c.Source = t.Source.Name
		c.Band = t.Band
		c.Detector = t.Detector
		if c.Instrument == "" {
			c.Instrument = t.Source.Instrument
		}
		return c, true
	}
	return fusion.Composite{}, false
}

// calibrateAndFuse streams each file through the calibrator into one
// accumulator. Fusion is not cancelled once started.
func (r *run) calibrateAndFuse(ctx context.Context, paths []string) (fusion.Composite, bool) {
	o := r.o
	r.emit(ctx, StateCalibrateEach, "", map[string]any{"files": len(paths)})
	acc := fusion.NewAccumulator(o.fusion)
	reports := make([]FrameReport, 0, len(paths))
	for _, p := range paths {
		fr, err := o.calib.Calibrate(context.WithoutCancel(ctx), p)
		if err != nil {
			o.log.Warn("frame unavailable", "id", r.id, "path", p, "error", err)
			reports = append(reports, FrameReport{Path: p, Reason: err.Error()})
			continue
		}
		rep := FrameReport{Path: p, Time: fr.Time, Exposure: fr.Exposure, Degraded: fr.Degraded}
		if err := acc.Add(fr); err != nil {
			rep.Reason = err.Error()
		} else {
			rep.Included = true
		}
		reports = append(reports, rep)
	}
	r.result.Frames = append(r.result.Frames, reports...)
	r.recordFrames(reports)

	r.emit(ctx, StateFuse, "", map[string]any{"accepted": acc.Count(), "skipped": acc.Skipped()})
	c, err := acc.Composite()
	if err != nil {
		o.log.Warn("nothing to fuse", "id", r.id, "error", err)
		return fusion.Composite{}, false
	}
	metrics.ObserveFused(c.FrameCount)
	return c, true
}

func (r *run) writeCache(ctx context.Context, key cache.Key, c fusion.Composite) {
	r.emit(ctx, StateCacheWrite, "", map[string]any{"key": key.String()})
	if err := r.o.cache.Put(context.WithoutCancel(ctx), key, c); err != nil {
		r.o.log.Warn("cache write failed, returning composite anyway", "id", r.id, "key", key.String(), "error", err)
	}
}

func (r *run) recordFrames(reports []FrameReport) {
	if r.o.store == nil || len(reports) == 0 {
		return
	}
	recs := make([]storage.FrameRecord, 0, len(reports))
	for _, rep := range reports {
		recs = append(recs, storage.FrameRecord{
			AcquisitionID: r.id,
			Path:          rep.Path,
			Time:          rep.Time,
			Exposure:      rep.Exposure,
			Included:      rep.Included,
			Degraded:      rep.Degraded,
			Reason:        rep.Reason,
		})
	}
	if err := r.o.store.RecordFrames(recs); err != nil {
		r.o.log.Warn("record frames failed", "id", r.id, "error", err)
	}
}

func (r *run) done(ctx context.Context) (Result, error) {
	d := time.Since(r.started)
	r.result.Duration = d
	c := r.result.Composite
	fields := map[string]any{
		"source":      r.result.Source,
		"band":        r.result.Band,
		"frame_count": c.FrameCount,
		"from_cache":  r.result.FromCache,
	}
	if c.SNRGain != nil {
		fields["snr_gain"] = *c.SNRGain
	}
	r.emit(ctx, StateDone, "", fields)
	logging.LogAcquisitionComplete(r.o.log, r.id, r.key, d, fields)

	outcome := "fused"
	if r.result.FromCache {
		outcome = "cached"
	}
	metrics.ObserveAcquisition(r.result.Source, outcome, d)
	return r.result, nil
}

func (r *run) fail(ctx context.Context, msg string, err error) (Result, error) {
	d := time.Since(r.started)
	r.result.Duration = d
	r.emit(ctx, StateFailed, msg, map[string]any{"error": err.Error(), "attempts": len(r.result.Attempts)})
	logging.LogAcquisitionError(r.o.log, r.id, r.key, d, err, map[string]any{"attempts": len(r.result.Attempts)})
	metrics.ObserveAcquisition(r.result.Source, "failed", d)
	return r.result, err
}

func targetNames(plan []Target) []string {
	out := make([]string, len(plan))
	for i, t := range plan {
		out[i] = t.String()
	}
	return out
}
