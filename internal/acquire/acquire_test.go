package acquire

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"solararchive/internal/archive"
	"solararchive/internal/cache"
	"solararchive/internal/calibrate"
	"solararchive/internal/config"
	"solararchive/internal/events"
	"solararchive/internal/frame"
	"solararchive/internal/fusion"
	"solararchive/internal/logging"
	"solararchive/internal/storage"
)

var day = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

// fakeArchive serves records per source once the search window is at
// least minSpan wide on each side.
type fakeArchive struct {
	mu        sync.Mutex
	records   map[string][]archive.Record
	minSpan   map[string]time.Duration
	searchErr map[string]error
	searches  []string
	downloads int
}

func (f *fakeArchive) Search(_ context.Context, q archive.Query) ([]archive.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, fmt.Sprintf("%s/%d", q.Source, q.Band))
	if err := f.searchErr[q.Source]; err != nil {
		return nil, err
	}
	half := q.Range.End.Sub(q.Range.Start) / 2
	if half < f.minSpan[q.Source] {
		return []archive.Record{}, nil
	}
	return append([]archive.Record(nil), f.records[q.Source]...), nil
}

func (f *fakeArchive) Download(_ context.Context, recs []archive.Record, dir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	paths := make([]string, 0, len(recs))
	for _, r := range recs {
		paths = append(paths, r.URL)
	}
	return paths, nil
}

func (f *fakeArchive) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searches), f.downloads
}

// frameFiles decodes "paths" from an in-memory table.
type frameFiles map[string]frame.Frame

func (ff frameFiles) decode(path string) (frame.Frame, error) {
	fr, ok := ff[path]
	if !ok {
		return frame.Frame{}, fmt.Errorf("%w: %s", frame.ErrUnreadable, path)
	}
	return fr.Clone(), nil
}

func gridOf(w, h int, values ...float32) frame.Grid {
	g := frame.NewGrid(w, h)
	copy(g.Data, values)
	return g
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Sources = []config.Source{
		{Name: "A", Instrument: "AIA", Catalog: config.CatalogIndex, BandKind: config.BandWavelength, DefaultBand: 171, Fallback: "B", FallbackBand: 195},
		{Name: "B", Instrument: "EIT", Catalog: config.CatalogIndex, BandKind: config.BandWavelength, DefaultBand: 195},
	}
	cfg.Paths.DownloadDir = t.TempDir()
	cfg.Fusion.SNRDiagnostic = false
	return cfg
}

type harness struct {
	orch    *Orchestrator
	archive *fakeArchive
	files   frameFiles
	store   cache.Store
}

func newHarness(t *testing.T, cfg *config.Config, store cache.Store, pub events.Publisher) *harness {
	t.Helper()
	if store == nil {
		mem, err := cache.NewMemoryStore(8, logging.Discard())
		if err != nil {
			t.Fatal(err)
		}
		store = mem
	}
	fa := &fakeArchive{
		records:   map[string][]archive.Record{},
		minSpan:   map[string]time.Duration{},
		searchErr: map[string]error{},
	}
	files := frameFiles{}
	calib := calibrate.NewWithSteps(logging.Discard()).WithDecoder(files.decode)
	orch, err := New(cfg, Deps{Archive: fa, Calibrator: calib, Cache: store, Events: pub, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &harness{orch: orch, archive: fa, files: files, store: store}
}

// serve registers frames for source and the records pointing at them.
func (h *harness) serve(source string, frames ...frame.Frame) {
	for i, fr := range frames {
		path := fmt.Sprintf("%s-%d.fits", source, i)
		fr.Path = path
		h.files[path] = fr
		h.archive.records[source] = append(h.archive.records[source], archive.Record{ID: path, URL: path, Source: source})
	}
}

func TestEndToEndFusesMatchingFrames(t *testing.T) {
	h := newHarness(t, testConfig(t), nil, nil)
	h.serve("A",
		frame.Frame{Grid: gridOf(2, 2, 1, 2, 3, 4), Exposure: 10, Time: day.Add(10 * time.Second)},
		frame.Frame{Grid: gridOf(2, 2, 3, 4, 5, 6), Exposure: 10, Time: day.Add(22 * time.Second)},
		frame.Frame{Grid: gridOf(2, 2, 5, 6, 7, 8), Exposure: 10, Time: day.Add(34 * time.Second)},
	)

	res, err := h.orch.Run(context.Background(), Request{Date: day, Source: "A", Band: 171})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Composite.FrameCount != 3 {
		t.Fatalf("expected 3 frames, got %d", res.Composite.FrameCount)
	}
	want := []float32{3, 4, 5, 6}
	for i, v := range want {
		if math.Abs(float64(res.Composite.Grid.Data[i]-v)) > 1e-5 {
			t.Fatalf("pixel %d: expected %v, got %v", i, v, res.Composite.Grid.Data[i])
		}
	}
	if res.Key != "A_171_20240601" || res.Composite.Source != "A" || res.Composite.Band != 171 {
		t.Fatalf("unexpected identity key=%s source=%s band=%d", res.Key, res.Composite.Source, res.Composite.Band)
	}
	if !res.Composite.Start.Equal(day.Add(10*time.Second)) || !res.Composite.End.Equal(day.Add(34*time.Second)) {
		t.Fatalf("unexpected span %s..%s", res.Composite.Start, res.Composite.End)
	}
	if res.FromCache {
		t.Fatalf("first run should not come from cache")
	}
	if _, ok := h.store.Get(context.Background(), cache.NewKey("A", 171, day)); !ok {
		t.Fatalf("expected composite cached")
	}
}

func TestEndToEndFromFITSFilesThroughBothCacheTiers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Calibration = config.Calibration{PlateScale: 0.5, Pointing: "header"}
	dir := t.TempDir()

	db, err := storage.New(filepath.Join(dir, "acq.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	fa := &fakeArchive{
		records:   map[string][]archive.Record{},
		minSpan:   map[string]time.Duration{},
		searchErr: map[string]error{},
	}
	raw := [][]float32{
		{10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 110, 120, 130, 140, 150, 160},
		{30, 40, 50, 60, 70, 80, 90, 100, 110, 120, 130, 140, 150, 160, 170, 180},
		{50, 60, 70, 80, 90, 100, 110, 120, 130, 140, 150, 160, 170, 180, 190, 200},
	}
	for i, values := range raw {
		path := filepath.Join(dir, fmt.Sprintf("aia_%d.fits", i))
		err := frame.EncodeFile(path, frame.Frame{
			Grid:     gridOf(4, 4, values...),
			Time:     day.Add(time.Duration(10+12*i) * time.Second),
			Exposure: 10,
			Source:   "A",
			Band:     171,
			Geometry: frame.Geometry{ScaleX: 0.5, ScaleY: 0.5, RefX: 1.5, RefY: 1.5},
		})
		if err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		fa.records["A"] = append(fa.records["A"], archive.Record{ID: path, URL: path, Source: "A", Band: 171})
	}

	run := func() Result {
		t.Helper()
		tiered, _, err := cache.Open(filepath.Join(dir, "cache"), 4, 0, db, logging.Discard())
		if err != nil {
			t.Fatalf("open cache: %v", err)
		}
		orch, err := New(cfg, Deps{
			Archive:    fa,
			Calibrator: calibrate.New(cfg.Calibration, logging.Discard()),
			Cache:      tiered,
			Store:      db,
			Logger:     logging.Discard(),
		})
		if err != nil {
			t.Fatalf("new orchestrator: %v", err)
		}
		res, err := orch.Run(context.Background(), Request{Date: day, Source: "A", Band: 171})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return res
	}

	check := func(res Result) {
		t.Helper()
		if res.Composite.FrameCount != 3 {
			t.Fatalf("expected 3 frames, got %d", res.Composite.FrameCount)
		}
		if !res.Composite.Normalized {
			t.Fatalf("expected normalized composite")
		}
		for i := range raw[0] {
			// calibration divides by the 10 s exposure before the mean
			want := (raw[0][i] + raw[1][i] + raw[2][i]) / 3 / 10
			if got := res.Composite.Grid.Data[i]; math.Abs(float64(got-want)) > 1e-4 {
				t.Fatalf("pixel %d: expected %v, got %v", i, want, got)
			}
		}
	}

	first := run()
	if first.FromCache {
		t.Fatalf("first run should not come from cache")
	}
	check(first)
	frames, err := db.Frames(first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frame records, got %d", len(frames))
	}
	for _, fr := range frames {
		if !fr.Included || len(fr.Degraded) != 0 {
			t.Fatalf("expected every file fused with all corrections, got %+v", fr)
		}
	}
	searches, downloads := fa.calls()

	// a fresh memory tier forces the hit onto the disk tier
	second := run()
	if !second.FromCache {
		t.Fatalf("expected second run served from the disk tier")
	}
	check(second)
	if s2, d2 := fa.calls(); s2 != searches || d2 != downloads {
		t.Fatalf("expected no archive calls on cache hit, got %d/%d extra", s2-searches, d2-downloads)
	}
}

func TestSecondRunServedFromCacheWithoutArchiveCalls(t *testing.T) {
	h := newHarness(t, testConfig(t), nil, nil)
	h.serve("A",
		frame.Frame{Grid: gridOf(2, 1, 1, float32(math.NaN())), Exposure: 2},
		frame.Frame{Grid: gridOf(2, 1, 3, 5), Exposure: 6},
	)
	req := Request{Date: day.Add(13 * time.Hour), Source: "A"}

	first, err := h.orch.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	searches, downloads := h.archive.calls()

	second, err := h.orch.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.FromCache {
		t.Fatalf("expected second run from cache")
	}
	s2, d2 := h.archive.calls()
	if s2 != searches || d2 != downloads {
		t.Fatalf("expected no archive calls on cache hit, got %d/%d extra", s2-searches, d2-downloads)
	}
	for i := range first.Composite.Grid.Data {
		if math.Float32bits(first.Composite.Grid.Data[i]) != math.Float32bits(second.Composite.Grid.Data[i]) {
			t.Fatalf("pixel %d differs between runs", i)
		}
	}
}

func TestForceBypassesCache(t *testing.T) {
	h := newHarness(t, testConfig(t), nil, nil)
	h.serve("A", frame.Frame{Grid: gridOf(1, 1, 4), Exposure: 1})
	req := Request{Date: day, Source: "A"}
	if _, err := h.orch.Run(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	_, downloads := h.archive.calls()

	req.Force = true
	res, err := h.orch.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.FromCache {
		t.Fatalf("forced run should not come from cache")
	}
	if _, d := h.archive.calls(); d != downloads+1 {
		t.Fatalf("expected forced run to download again")
	}
}

func TestFallbackSourceTagsComposite(t *testing.T) {
	h := newHarness(t, testConfig(t), nil, nil)
	h.serve("B", frame.Frame{Grid: gridOf(2, 2, 1, 1, 1, 1), Exposure: 12})

	res, err := h.orch.Run(context.Background(), Request{Date: day, Source: "A", Band: 171})
	if err != nil {
		t.Fatalf("expected fallback success, got %v", err)
	}
	if res.Source != "B" || res.Composite.Source != "B" || res.Composite.Band != 195 {
		t.Fatalf("expected composite tagged B/195, got %s/%d", res.Composite.Source, res.Composite.Band)
	}
	if res.Key != "B_195_20240601" {
		t.Fatalf("expected fallback key, got %s", res.Key)
	}
	if len(res.Attempts) != 4 {
		t.Fatalf("expected 3 primary windows and 1 fallback window, got %d", len(res.Attempts))
	}
	if _, ok := h.store.Get(context.Background(), cache.NewKey("B", 195, day)); !ok {
		t.Fatalf("expected fallback composite cached under fallback key")
	}

	searches, _ := h.archive.calls()
	again, err := h.orch.Run(context.Background(), Request{Date: day, Source: "A", Band: 171})
	if err != nil || !again.FromCache {
		t.Fatalf("expected cached fallback on repeat, got %v fromCache=%v", err, again.FromCache)
	}
	if s, _ := h.archive.calls(); s != searches {
		t.Fatalf("expected repeat to skip the archive, got %d new searches", s-searches)
	}
}

func TestNoCandidatesAnywhereIsNotFound(t *testing.T) {
	bus := events.NewBus(logging.Discard())
	ch, cancel := bus.Subscribe(64)
	defer cancel()
	h := newHarness(t, testConfig(t), nil, bus)

	_, err := h.orch.Run(context.Background(), Request{Date: day, Source: "A"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s, d := h.archive.calls(); s != 6 || d != 0 {
		t.Fatalf("expected 6 searches and no downloads, got %d/%d", s, d)
	}

	var states []string
	for len(ch) > 0 {
		states = append(states, (<-ch).State)
	}
	if len(states) == 0 || states[0] != string(StateCheckCache) || states[len(states)-1] != string(StateFailed) {
		t.Fatalf("unexpected state sequence %v", states)
	}
}

func TestWindowsWidenUntilCandidatesAppear(t *testing.T) {
	h := newHarness(t, testConfig(t), nil, nil)
	h.serve("A", frame.Frame{Grid: gridOf(1, 1, 7), Exposure: 3})
	h.archive.minSpan["A"] = 10 * time.Minute

	res, err := h.orch.Run(context.Background(), Request{Date: day, Source: "A"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("expected success on second window, got %d attempts", len(res.Attempts))
	}
	if res.Attempts[0].Candidates != 0 || res.Attempts[1].Fused != 1 {
		t.Fatalf("unexpected attempts %+v", res.Attempts)
	}
}

func TestTransportErrorMovesToFallback(t *testing.T) {
	h := newHarness(t, testConfig(t), nil, nil)
	h.serve("A", frame.Frame{Grid: gridOf(1, 1, 1), Exposure: 1})
	h.serve("B", frame.Frame{Grid: gridOf(1, 1, 2), Exposure: 1})
	h.archive.searchErr["A"] = &archive.TransportError{Op: "search", Source: "A", Err: errors.New("connection refused")}

	res, err := h.orch.Run(context.Background(), Request{Date: day, Source: "A"})
	if err != nil {
		t.Fatalf("expected fallback after transport failure, got %v", err)
	}
	if res.Source != "B" {
		t.Fatalf("expected fallback B, got %s", res.Source)
	}
	if res.Attempts[0].Error == "" {
		t.Fatalf("expected transport error recorded on attempt")
	}
}

func TestUnreadableAndMismatchedFramesAreExcluded(t *testing.T) {
	h := newHarness(t, testConfig(t), nil, nil)
	h.serve("A",
		frame.Frame{Grid: gridOf(2, 1, 2, 4), Exposure: 1},
		frame.Frame{Grid: gridOf(1, 2, 9, 9), Exposure: 1},
		frame.Frame{Grid: gridOf(2, 1, 4, 8), Exposure: 1},
	)
	h.archive.records["A"] = append(h.archive.records["A"], archive.Record{ID: "corrupt", URL: "corrupt.fits"})

	res, err := h.orch.Run(context.Background(), Request{Date: day, Source: "A"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Composite.FrameCount != 2 {
		t.Fatalf("expected 2 fused frames, got %d", res.Composite.FrameCount)
	}
	if res.Composite.Grid.Data[0] != 3 || res.Composite.Grid.Data[1] != 6 {
		t.Fatalf("unexpected composite %v", res.Composite.Grid.Data)
	}
	included := 0
	for _, f := range res.Frames {
		if f.Included {
			included++
		} else if f.Reason == "" {
			t.Fatalf("excluded frame %s has no reason", f.Path)
		}
	}
	if included != 2 || len(res.Frames) != 4 {
		t.Fatalf("expected 2 of 4 frames included, got %d of %d", included, len(res.Frames))
	}
}

type brokenCache struct{ cache.Store }

func (brokenCache) Get(context.Context, cache.Key) (fusion.Composite, bool) {
	return fusion.Composite{}, false
}

func (brokenCache) Put(_ context.Context, key cache.Key, _ fusion.Composite) error {
	return &cache.WriteError{Key: key, Err: errors.New("disk full")}
}

func TestCacheWriteFailureStillReturnsComposite(t *testing.T) {
	h := newHarness(t, testConfig(t), brokenCache{}, nil)
	h.serve("A", frame.Frame{Grid: gridOf(1, 1, 5), Exposure: 1})

	res, err := h.orch.Run(context.Background(), Request{Date: day, Source: "A"})
	if err != nil {
		t.Fatalf("expected success despite cache failure, got %v", err)
	}
	if res.Composite.Grid.Data[0] != 5 {
		t.Fatalf("unexpected composite value %v", res.Composite.Grid.Data[0])
	}
}

func TestFrameProvenanceRecorded(t *testing.T) {
	db, err := storage.New(filepath.Join(t.TempDir(), "acq.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	cfg := testConfig(t)
	h := newHarness(t, cfg, nil, nil)
	h.orch.store = db
	h.serve("A", frame.Frame{Grid: gridOf(1, 1, 1), Exposure: 1}, frame.Frame{Grid: gridOf(1, 1, 3), Exposure: 1})

	res, err := h.orch.Run(context.Background(), Request{ID: "acq-1", Date: day, Source: "A"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ID != "acq-1" {
		t.Fatalf("expected caller id kept, got %s", res.ID)
	}
	frames, err := db.Frames("acq-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || !frames[0].Included {
		t.Fatalf("expected 2 included frames recorded, got %+v", frames)
	}
}

func TestCancelledContextStopsBeforeSearching(t *testing.T) {
	h := newHarness(t, testConfig(t), nil, nil)
	h.serve("A", frame.Frame{Grid: gridOf(1, 1, 1), Exposure: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.Run(ctx, Request{Date: day, Source: "A"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s, _ := h.archive.calls(); s != 0 {
		t.Fatalf("expected no searches after cancellation, got %d", s)
	}
}

func TestUnknownSourceRejected(t *testing.T) {
	h := newHarness(t, testConfig(t), nil, nil)
	_, err := h.orch.Run(context.Background(), Request{Date: day, Source: "nope"})
	if !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}
