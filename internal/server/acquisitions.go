package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"solararchive/internal/acquire"
	"solararchive/internal/cache"
	"solararchive/internal/frame"
	"solararchive/internal/pipeline"
	"solararchive/internal/storage"
)

// GenerateRequest is the body of POST /generate and POST /acquisitions.
type GenerateRequest struct {
	Date     string `json:"date"`
	Source   string `json:"source,omitempty"`
	Band     int    `json:"band,omitempty"`
	Detector string `json:"detector,omitempty"`
	Force    bool   `json:"force,omitempty"`
	Preview  bool   `json:"preview,omitempty"`
}

// GenerateResponse summarises a finished acquisition.
type GenerateResponse struct {
	ID         string            `json:"id"`
	Key        string            `json:"key"`
	Source     string            `json:"source"`
	Band       int               `json:"band"`
	Detector   string            `json:"detector,omitempty"`
	FromCache  bool              `json:"from_cache"`
	FrameCount int               `json:"frame_count"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	Start      string            `json:"start,omitempty"`
	End        string            `json:"end,omitempty"`
	SNRGain    *float64          `json:"snr_gain,omitempty"`
	Preview    string            `json:"preview,omitempty"`
	Attempts   []acquire.Attempt `json:"attempts,omitempty"`
}

func (s *Server) setupAcquisitionRoutes(r *mux.Router) {
	r.HandleFunc("/generate", s.handleGenerate).Methods("POST")
	r.HandleFunc("/acquisitions", s.handleSubmit).Methods("POST")
	r.HandleFunc("/acquisitions", s.handleAcquisitions).Methods("GET")
	r.HandleFunc("/acquisitions/{id}/frames", s.handleAcquisitionFrames).Methods("GET")
	r.HandleFunc("/composites", s.handleComposites).Methods("GET")
	r.HandleFunc("/composites", s.handleClearComposites).Methods("DELETE")
	r.HandleFunc("/composites/{key}", s.handleInvalidateComposite).Methods("DELETE")
}

func (s *Server) decodeJob(w http.ResponseWriter, r *http.Request) (pipeline.Job, bool) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return pipeline.Job{}, false
	}
	date, err := acquire.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return pipeline.Job{}, false
	}
	return pipeline.Job{
		Type: pipeline.JobAcquire,
		Request: acquire.Request{
			Date:     date,
			Source:   req.Source,
			Band:     req.Band,
			Detector: req.Detector,
			Force:    req.Force,
		},
		Options: map[string]any{"preview": req.Preview},
	}, true
}

// handleGenerate runs one acquisition synchronously. ?format=fits returns
// the composite itself instead of the JSON summary.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "acquisition pipeline unavailable")
		return
	}
	job, ok := s.decodeJob(w, r)
	if !ok {
		return
	}

	res, err := s.pipeline.Run(r.Context(), job)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	if res.Acquisition == nil {
		writeError(w, http.StatusInternalServerError, "acquisition returned no result")
		return
	}

	if r.URL.Query().Get("format") == "fits" {
		c := res.Acquisition.Composite
		w.Header().Set("Content-Type", "application/fits")
		w.Header().Set("Content-Disposition", `attachment; filename="`+res.Acquisition.Key+`.fits"`)
		err := frame.Encode(w, frame.Frame{
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
			s.log.Error("write composite", "key", res.Acquisition.Key, "error", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, summarize(res))
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, acquire.ErrNotFound):
		writeError(w, http.StatusNotFound, acquire.ErrNotFound.Error())
	case errors.Is(err, acquire.ErrUnknownSource):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.log.Error("acquisition failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func summarize(res pipeline.Result) GenerateResponse {
	a := res.Acquisition
	c := a.Composite
	out := GenerateResponse{
		ID:         res.Job.ID,
		Key:        a.Key,
		Source:     a.Source,
		Band:       a.Band,
		Detector:   c.Detector,
		FromCache:  a.FromCache,
		FrameCount: c.FrameCount,
		Width:      c.Grid.Width,
		Height:     c.Grid.Height,
		SNRGain:    c.SNRGain,
		Attempts:   a.Attempts,
	}
	if !c.Start.IsZero() {
		out.Start = c.Start.UTC().Format(timeLayout)
		out.End = c.End.UTC().Format(timeLayout)
	}
	if p, ok := res.Meta["preview"].(string); ok {
		out.Preview = p
	}
	return out
}

const timeLayout = "2006-01-02T15:04:05Z"

// handleSubmit queues an acquisition and returns its id; progress is on
// /stream?id=<id>.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "acquisition pipeline unavailable")
		return
	}
	job, ok := s.decodeJob(w, r)
	if !ok {
		return
	}
	job.ID = pipeline.NewJobID()
	if err := s.pipeline.Submit(job); err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleAcquisitions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.store.RecentAcquisitions(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []storage.AcquisitionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleAcquisitionFrames(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	recs, err := s.store.Frames(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []storage.FrameRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleComposites(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	entries, err := s.cache.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleInvalidateComposite(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	key, err := cache.ParseKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cache.Invalidate(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearComposites(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	if err := s.cache.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
