package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"solararchive/internal/cache"
	"solararchive/internal/events"
	"solararchive/internal/metrics"
	"solararchive/internal/pipeline"
	"solararchive/internal/storage"
)

// SourceStatus reports which archive sources are currently reachable.
type SourceStatus interface {
	Sources() []string
	Available(source string) bool
}

// Options wires a Server.
type Options struct {
	Addr      string
	GRPCAddr  string
	Store     *storage.Store
	Pipeline  *pipeline.Pipeline
	Cache     cache.Store
	Events    *events.Bus
	Sources   SourceStatus
	AccessLog io.Writer // combined log format; nil means stdout
	Logger    *slog.Logger
}

// Server exposes acquisitions, the composite cache and progress streams over HTTP.
type Server struct {
	addr      string
	grpcAddr  string
	store     *storage.Store
	pipeline  *pipeline.Pipeline
	cache     cache.Store
	bus       *events.Bus
	sources   SourceStatus
	accessLog io.Writer
	hub       *hub
	log       *slog.Logger
	server    *http.Server
}

// New creates a server. Start must be called to listen.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	accessLog := opts.AccessLog
	if accessLog == nil {
		accessLog = os.Stdout
	}
	logger = logger.With("component", "server")
	return &Server{
		addr:      opts.Addr,
		grpcAddr:  opts.GRPCAddr,
		store:     opts.Store,
		pipeline:  opts.Pipeline,
		cache:     opts.Cache,
		bus:       opts.Events,
		sources:   opts.Sources,
		accessLog: accessLog,
		hub:       newHub(logger),
		log:       logger,
	}
}

// Start serves HTTP (and gRPC health when configured) until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)
	if s.bus != nil {
		go s.hub.relay(ctx, s.bus)
	}

	if s.grpcAddr != "" {
		stopGRPC, err := s.startGRPC(ctx)
		if err != nil {
			return err
		}
		defer stopGRPC()
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the routed handler with recovery, access logging and metrics.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	s.setupAcquisitionRoutes(r)

	var h http.Handler = r
	h = metrics.Middleware(h)
	h = handlers.CombinedLoggingHandler(s.accessLog, h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(slogRecovery{s.log}), handlers.PrintRecoveryStack(true))(h)
	return h
}

// setupRoutes configures basic HTTP routes
func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.handleWebSocket).Methods("GET")
}

// Serve is a convenience wrapper around New and Start.
func Serve(ctx context.Context, opts Options) error {
	return New(opts).Start(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.sources != nil {
		avail := map[string]bool{}
		for _, name := range s.sources.Sources() {
			avail[name] = s.sources.Available(name)
		}
		status["sources"] = avail
	}
	writeJSON(w, http.StatusOK, status)
}

// streamPoll is how often /stream?id= rechecks the store for a finished
// acquisition whose terminal event it did not see.
var streamPoll = time.Second

// handleStream is a server-sent event feed of acquisition state changes.
// ?id= restricts it to one acquisition and ends after its terminal event.
// An acquisition that already finished gets one synthesized terminal event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	only := r.URL.Query().Get("id")
	evCh, unsubscribe := s.bus.Subscribe(64)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev events.Event) {
		payload, _ := json.Marshal(ev)
		_, _ = w.Write([]byte("event: " + ev.State + "\ndata: " + string(payload) + "\n\n"))
		flusher.Flush()
	}

	var poll <-chan time.Time
	if only != "" && s.store != nil {
		if ev, done := s.finishedEvent(only); done {
			send(ev)
			return
		}
		ticker := time.NewTicker(streamPoll)
		defer ticker.Stop()
		poll = ticker.C
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-poll:
			if ev, done := s.finishedEvent(only); done {
				send(ev)
				return
			}
		case ev, ok := <-evCh:
			if !ok {
				return
			}
			if only != "" && ev.AcquisitionID != only {
				continue
			}
			send(ev)
			if only != "" && ev.Terminal() {
				return
			}
		}
	}
}

// finishedEvent builds the terminal event for an acquisition the store
// already records as finished.
func (s *Server) finishedEvent(id string) (events.Event, bool) {
	rec, ok, err := s.store.Acquisition(id)
	if err != nil {
		s.log.Warn("stream status lookup failed", "id", id, "error", err)
		return events.Event{}, false
	}
	if !ok || !storage.Finished(rec.Status) {
		return events.Event{}, false
	}
	ev := events.Event{
		AcquisitionID: id,
		State:         events.StateFailed,
		Message:       rec.Error,
		Time:          time.Now().UTC(),
		Fields: map[string]any{
			"status":      rec.Status,
			"from_cache":  rec.FromCache,
			"frame_count": rec.FrameCount,
		},
	}
	if rec.Status == "completed" {
		ev.State = events.StateDone
	}
	if rec.CompletedAt != nil {
		ev.Time = rec.CompletedAt.UTC()
	}
	if meta, err := s.store.AcquisitionMeta(id); err == nil {
		if key, ok := meta["key"].(string); ok {
			ev.Key = key
		}
	}
	return ev, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// slogRecovery adapts a slog.Logger to handlers.RecoveryHandlerLogger.
type slogRecovery struct{ log *slog.Logger }

func (l slogRecovery) Println(v ...any) {
	l.log.Error("panic in handler", "panic", v)
}
