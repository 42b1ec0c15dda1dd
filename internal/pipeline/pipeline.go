package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"solararchive/internal/acquire"
	"solararchive/internal/logging"
	"solararchive/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobAcquire JobType = "acquire"
	JobStack   JobType = "stack"
)

// ErrQueueFull is returned by Submit when every worker is busy and the
// queue has no room.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned by Run when the pipeline stops before the job finishes.
var ErrStopped = errors.New("pipeline stopped")

// Job represents a single processing request.
type Job struct {
	ID        string
	Type      JobType
	Request   acquire.Request // JobAcquire
	InputPath string          // JobStack
	Output    string
	Options   map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job         Job
	Error       error
	Meta        map[string]any
	Acquisition *acquire.Result
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
	waiters   map[string]chan Result // job ID -> Run caller
}

// New creates a new Pipeline with the given concurrency and processor implementation.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
		waiters:   make(map[string]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue. Jobs without an ID get one.
func (p *Pipeline) Submit(job Job) error {
	if job.ID == "" {
		job.ID = NewJobID()
	}
	if job.Type == JobAcquire {
		job.Request.ID = job.ID
	}
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		rec := storage.AcquisitionRecord{
			ID:          job.ID,
			Source:      "local",
			Status:      "queued",
			OptionsJSON: string(optsJSON),
		}
		if job.Type == JobAcquire {
			rec.Source = job.Request.Source
			if rec.Source == "" {
				rec.Source = "auto"
			}
			rec.Band = job.Request.Band
			rec.Detector = job.Request.Detector
			rec.Date = job.Request.Date.UTC().Format(time.DateOnly)
		}
		_ = p.store.RecordAcquisitionQueued(rec)
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		if p.store != nil {
			_ = p.store.RecordAcquisitionResult(job.ID, "rejected", false, 0, nil, ErrQueueFull.Error())
		}
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		for id, ch := range p.waiters {
			close(ch)
			delete(p.waiters, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()
			logging.LogAcquisitionStart(p.log, job.ID, string(job.Type), map[string]any{
				"worker":  id,
				"input":   job.InputPath,
				"options": job.Options,
			})

			if p.store != nil {
				_ = p.store.RecordAcquisitionStart(job.ID)
			}
			res := p.processor.Process(ctx, job)
			res.Job = job
			duration := time.Since(start)

			fromCache, frameCount := false, 0
			if res.Acquisition != nil {
				fromCache = res.Acquisition.FromCache
				frameCount = res.Acquisition.Composite.FrameCount
			} else if n, ok := res.Meta["frame_count"].(int); ok {
				frameCount = n
			}

			if res.Error != nil {
				logging.LogAcquisitionError(p.log, job.ID, string(job.Type), duration, res.Error, map[string]any{
					"input":   job.InputPath,
					"options": job.Options,
				})
				if p.store != nil {
					_ = p.store.RecordAcquisitionResult(job.ID, statusFor(res.Error), fromCache, frameCount, res.Meta, errString(res.Error))
				}
			} else {
				logging.LogAcquisitionComplete(p.log, job.ID, string(job.Type), duration, res.Meta)
				if p.store != nil {
					_ = p.store.RecordAcquisitionResult(job.ID, "completed", fromCache, frameCount, res.Meta, "")
				}
			}

			p.deliver(res)
			p.broadcast(res)
		}
	}
}

func statusFor(err error) string {
	switch {
	case errors.Is(err, acquire.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "failed"
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// Run submits job and waits for its result. The result arrives on a
// channel reserved for this job, independent of Subscribe.
func (p *Pipeline) Run(ctx context.Context, job Job) (Result, error) {
	if job.ID == "" {
		job.ID = NewJobID()
	}
	done := make(chan Result, 1)
	p.mu.Lock()
	if _, busy := p.waiters[job.ID]; busy {
		p.mu.Unlock()
		return Result{Job: job}, fmt.Errorf("pipeline: job %s is already running", job.ID)
	}
	p.waiters[job.ID] = done
	p.mu.Unlock()
	defer p.release(job.ID, done)

	if err := p.Submit(job); err != nil {
		return Result{Job: job}, err
	}
	select {
	case <-ctx.Done():
		return Result{Job: job}, ctx.Err()
	case res, ok := <-done:
		if !ok {
			return Result{Job: job}, ErrStopped
		}
		return res, res.Error
	}
}

func (p *Pipeline) release(id string, ch chan Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiters[id] == ch {
		delete(p.waiters, id)
	}
}

// deliver hands res to the Run call waiting on its job, if any.
func (p *Pipeline) deliver(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.waiters[res.Job.ID]
	if !ok {
		return
	}
	delete(p.waiters, res.Job.ID)
	ch <- res
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
