package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"solararchive/internal/cache"
	"solararchive/internal/config"
	"solararchive/internal/pipeline"
	"solararchive/internal/storage"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// ServeFunc runs the network service until ctx is done.
type ServeFunc func(ctx context.Context, addr, grpcAddr string) error

// Deps are the collaborators behind the commands. Cache and Serve may be nil
// for commands that do not need them.
type Deps struct {
	Pipeline   pipelineClient
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	Store      *storage.Store
	Cache      cache.Store
	Serve      ServeFunc
	Out        io.Writer
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	cfgPath  string
	log      *slog.Logger
	store    *storage.Store
	cache    cache.Store
	serveFn  ServeFunc
	out      io.Writer
}

// NewRoot constructs the CLI root.
func NewRoot(deps Deps) *Root {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := deps.Out
	if out == nil {
		out = os.Stdout
	}
	return &Root{
		pipeline: deps.Pipeline,
		cfg:      deps.Config,
		cfgPath:  deps.ConfigPath,
		log:      logger,
		store:    deps.Store,
		cache:    deps.Cache,
		serveFn:  deps.Serve,
		out:      out,
	}
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	if r.pipeline == nil {
		return pipeline.Result{Job: job}, fmt.Errorf("pipeline unavailable")
	}
	if job.ID == "" {
		job.ID = pipeline.NewJobID()
	}
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{Job: job}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{Job: job}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{Job: job}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Debug("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}
