package cache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"solararchive/internal/fusion"
	"solararchive/internal/metrics"
	"solararchive/internal/storage"
)

// Tier names a Store for logging and metrics.
type Tier struct {
	Name  string
	Store Store
}

// Tiered reads through tiers in order and writes to all of them. A hit in
// a slower tier is promoted into the faster ones.
type Tiered struct {
	tiers []Tier
	log   *slog.Logger
}

// NewTiered orders tiers fastest first.
func NewTiered(logger *slog.Logger, tiers ...Tier) *Tiered {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiered{tiers: tiers, log: logger.With("component", "cache")}
}

// Open builds the standard two tiers: a bounded memory store in front of
// gzip FITS grids under dir, indexed in index.
func Open(dir string, memoryEntries int, maxAge time.Duration, index *storage.Store, logger *slog.Logger) (*Tiered, *DiskStore, error) {
	mem, err := NewMemoryStore(memoryEntries, logger)
	if err != nil {
		return nil, nil, err
	}
	disk, err := NewDiskStore(dir, index, maxAge, logger)
	if err != nil {
		return nil, nil, err
	}
	return NewTiered(logger, Tier{Name: "memory", Store: mem}, Tier{Name: "disk", Store: disk}), disk, nil
}

func (t *Tiered) Get(ctx context.Context, key Key) (fusion.Composite, bool) {
	for i, tier := range t.tiers {
		c, ok := tier.Store.Get(ctx, key)
		metrics.ObserveCacheLookup(tier.Name, ok)
		if !ok {
			continue
		}
		for _, faster := range t.tiers[:i] {
			if err := faster.Store.Put(ctx, key, c); err != nil {
				t.log.Warn("cache promotion failed", "key", key.String(), "tier", faster.Name, "error", err)
			}
		}
		t.log.Debug("cache hit", "key", key.String(), "tier", tier.Name)
		return c, true
	}
	return fusion.Composite{}, false
}

// Put writes every tier. The entry is still usable if only some tiers fail.
func (t *Tiered) Put(ctx context.Context, key Key, c fusion.Composite) error {
	var errs []error
	for _, tier := range t.tiers {
		if err := tier.Store.Put(ctx, key, c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &WriteError{Key: key, Err: errors.Join(errs...)}
	}
	return nil
}

func (t *Tiered) Invalidate(ctx context.Context, key Key) error {
	var errs []error
	for _, tier := range t.tiers {
		if err := tier.Store.Invalidate(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Tiered) Clear(ctx context.Context) error {
	var errs []error
	for _, tier := range t.tiers {
		if err := tier.Store.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List merges every tier's entries, preferring the slowest (most durable)
// tier's record for a key.
func (t *Tiered) List(ctx context.Context) ([]Entry, error) {
	byKey := make(map[string]Entry)
	for _, tier := range t.tiers {
		entries, err := tier.Store.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			byKey[e.Name] = e
		}
	}
	out := make([]Entry, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
