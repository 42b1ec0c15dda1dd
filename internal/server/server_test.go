package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"solararchive/internal/acquire"
	"solararchive/internal/cache"
	"solararchive/internal/events"
	"solararchive/internal/frame"
	"solararchive/internal/fusion"
	"solararchive/internal/logging"
	"solararchive/internal/pipeline"
	"solararchive/internal/storage"
)

type stubSources map[string]bool

func (s stubSources) Sources() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

func (s stubSources) Available(name string) bool { return s[name] }

type funcProcessor func(ctx context.Context, job pipeline.Job) pipeline.Result

func (f funcProcessor) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	return f(ctx, job)
}

// acquireStub resolves requests by source name: "none" is not found,
// "bogus" is unknown, anything else yields a 2x2 composite.
func acquireStub(_ context.Context, job pipeline.Job) pipeline.Result {
	switch job.Request.Source {
	case "none":
		return pipeline.Result{Job: job, Error: acquire.ErrNotFound}
	case "bogus":
		return pipeline.Result{Job: job, Error: acquire.ErrUnknownSource}
	}
	g := frame.NewGrid(2, 2)
	copy(g.Data, []float32{1, 2, 3, 4})
	key := cache.NewKey("SDO", 171, job.Request.Date).String()
	res := &acquire.Result{
		ID:     job.ID,
		Key:    key,
		Source: "SDO",
		Band:   171,
		Composite: fusion.Composite{
			Grid:       g,
			FrameCount: 3,
			Source:     "SDO",
			Band:       171,
			Exposure:   6,
			Start:      job.Request.Date,
			End:        job.Request.Date.Add(time.Minute),
		},
	}
	return pipeline.Result{Job: job, Acquisition: res, Meta: map[string]any{"key": key}}
}

type fixture struct {
	srv   *Server
	http  *httptest.Server
	store *storage.Store
	cache *cache.MemoryStore
	bus   *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mem, err := cache.NewMemoryStore(8, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	pipe := pipeline.New(context.Background(), 2, logging.Discard(), store, funcProcessor(acquireStub))
	t.Cleanup(pipe.Stop)

	bus := events.NewBus(logging.Discard())
	srv := New(Options{
		Store:     store,
		Pipeline:  pipe,
		Cache:     mem,
		Events:    bus,
		Sources:   stubSources{"SDO": true, "SOHO-EIT": false},
		AccessLog: io.Discard,
		Logger:    logging.Discard(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.run(ctx)
	go srv.hub.relay(ctx, bus)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, http: ts, store: store, cache: mem, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthReportsSources(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "GET", "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status  string          `json:"status"`
		Sources map[string]bool `json:"sources"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || !body.Sources["SDO"] || body.Sources["SOHO-EIT"] {
		t.Fatalf("unexpected health body %+v", body)
	}
}

func TestGenerateReturnsSummary(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "POST", "/generate", `{"date":"2024-06-01","source":"SDO","band":171}`)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, b)
	}
	var got GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Key != "SDO_171_20240601" || got.FrameCount != 3 || got.Width != 2 || got.ID == "" {
		t.Fatalf("unexpected summary %+v", got)
	}
	if got.Start != "2024-06-01T00:00:00Z" || got.End != "2024-06-01T00:01:00Z" {
		t.Fatalf("unexpected range %s..%s", got.Start, got.End)
	}
}

func TestGenerateFITSFormat(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "POST", "/generate?format=fits", `{"date":"2024-06-01"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/fits" {
		t.Fatalf("expected application/fits, got %q", ct)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	fr, err := frame.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode composite: %v", err)
	}
	if fr.Grid.Width != 2 || fr.Grid.Data[3] != 4 || fr.Band != 171 {
		t.Fatalf("unexpected composite %+v", fr.Grid)
	}
}

func TestGenerateErrors(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		body string
		code int
		msg  string
	}{
		{"not found", `{"date":"2024-06-01","source":"none"}`, http.StatusNotFound, "no data available"},
		{"unknown source", `{"date":"2024-06-01","source":"bogus"}`, http.StatusBadRequest, "unknown source"},
		{"bad date", `{"date":"yesterday"}`, http.StatusBadRequest, "invalid date"},
		{"bad json", `{`, http.StatusBadRequest, "invalid request body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, "POST", "/generate", tc.body)
			if resp.StatusCode != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, resp.StatusCode)
			}
			var body map[string]string
			_ = json.NewDecoder(resp.Body).Decode(&body)
			if !strings.Contains(body["error"], tc.msg) {
				t.Fatalf("expected error containing %q, got %q", tc.msg, body["error"])
			}
		})
	}
}

func TestSubmitAndListAcquisitions(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "POST", "/acquisitions", `{"date":"2024-06-01","source":"SDO","band":171}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var sub map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil || sub["id"] == "" {
		t.Fatalf("expected id in response, got %v (%v)", sub, err)
	}

	list := f.do(t, "GET", "/acquisitions?limit=5", "")
	var recs []storage.AcquisitionRecord
	if err := json.NewDecoder(list.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != sub["id"] || recs[0].Source != "SDO" {
		t.Fatalf("expected submitted acquisition listed, got %+v", recs)
	}

	if bad := f.do(t, "GET", "/acquisitions?limit=zero", ""); bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", bad.StatusCode)
	}
}

func TestAcquisitionFramesEmpty(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "GET", "/acquisitions/unknown/frames", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(raw)) != "[]" {
		t.Fatalf("expected empty list, got %s", raw)
	}
}

func TestCompositeListInvalidateClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, k := range []cache.Key{cache.NewKey("SDO", 171, day), cache.NewKey("SDO", 193, day)} {
		if err := f.cache.Put(ctx, k, fusion.Composite{Grid: frame.NewGrid(1, 1), FrameCount: 1}); err != nil {
			t.Fatal(err)
		}
	}

	var entries []cache.Entry
	if err := json.NewDecoder(f.do(t, "GET", "/composites", "").Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	if resp := f.do(t, "DELETE", "/composites/SDO_171_20240601", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if _, ok := f.cache.Get(ctx, cache.NewKey("SDO", 171, day)); ok {
		t.Fatalf("expected SDO_171 invalidated")
	}
	if resp := f.do(t, "DELETE", "/composites/not-a-key", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed key, got %d", resp.StatusCode)
	}
	if resp := f.do(t, "DELETE", "/composites", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if _, ok := f.cache.Get(ctx, cache.NewKey("SDO", 193, day)); ok {
		t.Fatalf("expected cache cleared")
	}
}

func TestStreamFiltersByAcquisition(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, "GET", "/stream?id=a", "")
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	ctx := context.Background()
	f.bus.Publish(ctx, events.Event{AcquisitionID: "b", State: "SEARCH"})
	f.bus.Publish(ctx, events.Event{AcquisitionID: "a", State: "SEARCH", Key: "SDO_171_20240601"})
	f.bus.Publish(ctx, events.Event{AcquisitionID: "a", State: events.StateDone})

	var names []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"acquisition_id":"b"`) {
			t.Fatalf("unexpected event for other acquisition: %s", line)
		}
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	if strings.Join(names, ",") != "SEARCH,DONE" {
		t.Fatalf("expected SEARCH,DONE, got %v", names)
	}
}

// streamEvents reads an SSE body to its end and returns event names and data lines.
func streamEvents(t *testing.T, body io.Reader) ([]string, []string) {
	t.Helper()
	var names, data []string
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
		if d, ok := strings.CutPrefix(line, "data: "); ok {
			data = append(data, d)
		}
	}
	return names, data
}

func waitFinished(t *testing.T, store *storage.Store, id string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok, _ := store.Acquisition(id); ok && storage.Finished(rec.Status) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("acquisition %s did not finish", id)
}

func TestStreamOfFinishedAcquisitionEndsWithTerminalEvent(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		source string
		state  string
	}{
		{"SDO", events.StateDone},
		{"none", events.StateFailed},
	}
	for _, tc := range cases {
		t.Run(tc.source, func(t *testing.T) {
			resp := f.do(t, "POST", "/acquisitions", `{"date":"2024-06-01","source":"`+tc.source+`","band":171}`)
			var sub map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil || sub["id"] == "" {
				t.Fatalf("expected id in response, got %v (%v)", sub, err)
			}
			waitFinished(t, f.store, sub["id"])

			stream := f.do(t, "GET", "/stream?id="+sub["id"], "")
			names, data := streamEvents(t, stream.Body)
			if len(names) != 1 || names[0] != tc.state {
				t.Fatalf("expected a single %s event, got %v", tc.state, names)
			}
			var ev events.Event
			if err := json.Unmarshal([]byte(data[0]), &ev); err != nil {
				t.Fatal(err)
			}
			if ev.AcquisitionID != sub["id"] {
				t.Fatalf("expected event for %s, got %+v", sub["id"], ev)
			}
			if tc.state == events.StateDone && ev.Key != "SDO_171_20240601" {
				t.Fatalf("expected composite key on terminal event, got %q", ev.Key)
			}
		})
	}
}

func TestStreamNoticesFinishWithoutEvent(t *testing.T) {
	old := streamPoll
	streamPoll = 20 * time.Millisecond
	defer func() { streamPoll = old }()

	f := newFixture(t)
	if err := f.store.RecordAcquisitionQueued(storage.AcquisitionRecord{ID: "quiet", Source: "SDO", Band: 171, Date: "2024-06-01", Status: "queued"}); err != nil {
		t.Fatal(err)
	}
	stream := f.do(t, "GET", "/stream?id=quiet", "")
	if err := f.store.RecordAcquisitionResult("quiet", "completed", true, 2, map[string]any{"key": "SDO_171_20240601"}, ""); err != nil {
		t.Fatal(err)
	}

	names, _ := streamEvents(t, stream.Body)
	if strings.Join(names, ",") != events.StateDone {
		t.Fatalf("expected DONE once the store records completion, got %v", names)
	}
}

func TestWebSocketRelaysEvents(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// registration races the first publish, so keep publishing until read
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.bus.Publish(context.Background(), events.Event{AcquisitionID: "ws", State: "FUSE"})
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev events.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.AcquisitionID != "ws" || ev.State != "FUSE" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestUpdateHealthMarksOpenSources(t *testing.T) {
	hs := health.NewServer()
	updateHealth(hs, stubSources{"SDO": true, "SOHO-EIT": false})

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("check %q: %v", service, err)
		}
		return resp.Status
	}
	if got := check(""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected overall SERVING, got %v", got)
	}
	if got := check(SourceService("SDO")); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SDO SERVING, got %v", got)
	}
	if got := check(SourceService("SOHO-EIT")); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected SOHO-EIT NOT_SERVING, got %v", got)
	}
}
