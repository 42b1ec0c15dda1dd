package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/sony/gobreaker"

	"solararchive/internal/config"
	"solararchive/internal/metrics"
)

// Client searches catalogs and downloads candidate files. Each source's
// catalog sits behind its own circuit breaker.
type Client struct {
	http      *http.Client
	catalogs  map[string]Catalog
	breakers  map[string]*gobreaker.CircuitBreaker
	attempts  int
	delay     time.Duration
	maxFrames int
	userAgent string
	log       *slog.Logger

	mu       sync.Mutex
	searches int
	fetches  int
}

// Options configures a Client built with NewWithCatalogs.
type Options struct {
	Attempts        int
	RetryDelay      time.Duration
	MaxFrames       int
	UserAgent       string
	HTTPClient      *http.Client
	BreakerFailures int
	BreakerCooldown time.Duration
}

// New builds a Client with one catalog per configured source. Sources
// without a base_url get no catalog and search as ErrNoCatalog.
func New(cfg config.Archive, sources []config.Source, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := &http.Client{Timeout: cfg.Timeout()}
	catalogs := make(map[string]Catalog, len(sources))
	for _, s := range sources {
		if s.BaseURL == "" {
			logger.Warn("source has no catalog base_url, searches will find nothing", "component", "archive", "source", s.Name, "catalog", s.Catalog)
			continue
		}
		switch s.Catalog {
		case config.CatalogJSOC:
			catalogs[s.Name] = &JSOCCatalog{
				BaseURL:    s.BaseURL,
				Series:     s.Series,
				Source:     s.Name,
				Instrument: s.Instrument,
				UserAgent:  cfg.UserAgent,
				Email:      cfg.NotifyEmail,
				ForceHTTPS: cfg.ForceHTTPS,
				Client:     httpClient,
			}
		default:
			catalogs[s.Name] = &IndexCatalog{
				BaseURL:    s.BaseURL,
				Source:     s.Name,
				Instrument: s.Instrument,
				UserAgent:  cfg.UserAgent,
				Client:     httpClient,
			}
		}
	}
	return NewWithCatalogs(catalogs, Options{
		Attempts:        cfg.Retries,
		RetryDelay:      cfg.RetryDelay(),
		MaxFrames:       cfg.MaxFrames,
		UserAgent:       cfg.UserAgent,
		HTTPClient:      httpClient,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown(),
	}, logger)
}

// NewWithCatalogs builds a Client over explicit catalogs keyed by source name.
func NewWithCatalogs(catalogs map[string]Catalog, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.BreakerFailures < 1 {
		opts.BreakerFailures = 5
	}
	c := &Client{
		http:      opts.HTTPClient,
		catalogs:  make(map[string]Catalog, len(catalogs)),
		breakers:  make(map[string]*gobreaker.CircuitBreaker, len(catalogs)),
		attempts:  opts.Attempts,
		delay:     opts.RetryDelay,
		maxFrames: opts.MaxFrames,
		userAgent: opts.UserAgent,
		log:       logger.With("component", "archive"),
	}
	for name, cat := range catalogs {
		key := strings.ToUpper(name)
		c.catalogs[key] = cat
		c.breakers[key] = c.newBreaker(name, opts)
	}
	return c
}

func (c *Client) newBreaker(name string, opts Options) *gobreaker.CircuitBreaker {
	failures := uint32(opts.BreakerFailures)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetriable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("catalog breaker state changed", "source", name, "from", from.String(), "to", to.String())
		},
	})
}

// Sources lists the sources the client has catalogs for.
func (c *Client) Sources() []string {
	out := make([]string, 0, len(c.catalogs))
	for name := range c.catalogs {
		out = append(out, name)
	}
	return out
}

// Available reports whether source's breaker currently lets requests through.
func (c *Client) Available(source string) bool {
	b, ok := c.breakers[strings.ToUpper(source)]
	if !ok {
		return false
	}
	return b.State() != gobreaker.StateOpen
}

// Calls reports how many catalog searches and file fetches went to the network.
func (c *Client) Calls() (searches, fetches int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.searches, c.fetches
}

// Search returns candidates ordered by distance from the middle of q.Range.
// An empty result is not an error. Transport failures are retried and then
// returned as *TransportError.
func (c *Client) Search(ctx context.Context, q Query) ([]Record, error) {
	if err := q.Range.Validate(); err != nil {
		return nil, err
	}
	key := strings.ToUpper(q.Source)
	cat, ok := c.catalogs[key]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoCatalog, q.Source)
	}
	breaker := c.breakers[key]

	var records []Record
	err := retry(ctx, c.attempts, c.delay, func(ctx context.Context) error {
		c.mu.Lock()
		c.searches++
		c.mu.Unlock()
		out, err := breaker.Execute(func() (interface{}, error) {
			return cat.Search(ctx, q)
		})
		if err != nil {
			c.log.Warn("catalog search failed", "source", q.Source, "band", q.Band, "range", q.Range.String(), "error", err)
			return err
		}
		records = out.([]Record)
		return nil
	})
	if err != nil {
		metrics.ObserveSearch(q.Source, "error")
		return nil, &TransportError{Op: "search", Source: q.Source, Err: err}
	}

	if len(records) == 0 {
		metrics.ObserveSearch(q.Source, "empty")
		return []Record{}, nil
	}
	metrics.ObserveSearch(q.Source, "found")
	sortByDistance(records, q.Range.Mid())
	c.log.Info("catalog search complete", "source", q.Source, "band", q.Band, "range", q.Range.String(), "records", len(records))
	return records, nil
}

// Download fetches up to the configured maximum of records into dir and
// returns the local paths that succeeded, in record order. Existing files are
// reused. A partial or total failure is not an error; callers compare the
// returned count with what they asked for. Only an unusable dir fails.
func (c *Client) Download(ctx context.Context, records []Record, dir string) ([]string, error) {
	if dir == "" {
		return nil, errors.New("archive: download dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create download dir: %w", err)
	}
	if c.maxFrames > 0 && len(records) > c.maxFrames {
		records = records[:c.maxFrames]
	}

	paths := make([]string, 0, len(records))
	var failures []error
	for _, rec := range records {
		if ctx.Err() != nil {
			failures = append(failures, ctx.Err())
			break
		}
		p, err := c.fetchOne(ctx, rec, dir)
		if err != nil {
			metrics.ObserveDownload("failed")
			c.log.Warn("download failed", "id", rec.ID, "url", rec.URL, "error", err)
			failures = append(failures, fmt.Errorf("%s: %w", rec.ID, err))
			continue
		}
		paths = append(paths, p)
	}

	if len(failures) > 0 {
		derr := &DownloadError{Requested: len(records), Obtained: len(paths), Failures: failures}
		c.log.Warn("partial download", "requested", derr.Requested, "obtained", derr.Obtained, "error", derr)
	}
	return paths, nil
}

func (c *Client) fetchOne(ctx context.Context, rec Record, dir string) (string, error) {
	target := filepath.Join(dir, rec.FileName())

	lock := flock.New(target + ".lock")
	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return "", fmt.Errorf("lock %s: %w", target, err)
	}
	if !locked {
		return "", fmt.Errorf("lock %s: not acquired", target)
	}
	defer lock.Unlock()

	if info, err := os.Stat(target); err == nil && info.Size() > 0 {
		metrics.ObserveDownload("reused")
		c.log.Debug("reusing downloaded file", "path", target)
		return target, nil
	}

	err = retry(ctx, c.attempts, c.delay, func(ctx context.Context) error {
		return c.fetchTo(ctx, rec.URL, target)
	})
	if err != nil {
		return "", err
	}
	metrics.ObserveDownload("fetched")
	return target, nil
}

func (c *Client) fetchTo(ctx context.Context, rawURL, target string) error {
	c.mu.Lock()
	c.fetches++
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{URL: rawURL, Code: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".download-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if n == 0 {
		os.Remove(tmpName)
		return fmt.Errorf("empty response from %s", rawURL)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
