package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"solararchive/internal/frame"
	"solararchive/internal/fusion"
	"solararchive/internal/storage"
)

const gridSuffix = ".fits.gz"

// DiskStore keeps each composite as a gzip FITS grid under dir, indexed by
// a metadata row in SQLite.
type DiskStore struct {
	dir    string
	index  *storage.Store
	maxAge time.Duration
	log    *slog.Logger
}

// NewDiskStore creates dir if needed. maxAge of zero disables expiry.
func NewDiskStore(dir string, index *storage.Store, maxAge time.Duration, logger *slog.Logger) (*DiskStore, error) {
	if index == nil {
		return nil, errors.New("cache: disk store requires an index")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiskStore{dir: dir, index: index, maxAge: maxAge, log: logger.With("component", "cache-disk")}, nil
}

// Dir is the directory grids are written to.
func (d *DiskStore) Dir() string { return d.dir }

// GridPath returns where key's grid is stored.
func (d *DiskStore) GridPath(key Key) string {
	return filepath.Join(d.dir, key.String()+gridSuffix)
}

// KeyForPath maps a grid file name back to its key.
func KeyForPath(path string) (Key, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, gridSuffix) {
		return Key{}, false
	}
	k, err := ParseKey(strings.TrimSuffix(base, gridSuffix))
	if err != nil {
		return Key{}, false
	}
	return k, true
}

func (d *DiskStore) Get(_ context.Context, key Key) (fusion.Composite, bool) {
	rec, ok, err := d.index.CacheEntry(key.String())
	if err != nil {
		d.log.Warn("cache index lookup failed", "key", key.String(), "error", err)
		return fusion.Composite{}, false
	}
	if !ok {
		return fusion.Composite{}, false
	}
	if d.maxAge > 0 && time.Since(rec.StoredAt) > d.maxAge {
		d.log.Info("cache entry expired", "key", key.String(), "stored_at", rec.StoredAt)
		return fusion.Composite{}, false
	}

	var c fusion.Composite
	if err := json.Unmarshal([]byte(rec.MetaJSON), &c); err != nil {
		d.log.Warn("cache metadata unreadable", "key", key.String(), "error", err)
		return fusion.Composite{}, false
	}
	fr, err := frame.DecodeFile(rec.GridPath)
	if err != nil {
		d.log.Warn("cache grid unreadable", "key", key.String(), "path", rec.GridPath, "error", err)
		return fusion.Composite{}, false
	}
	if fr.Grid.Width != rec.Width || fr.Grid.Height != rec.Height {
		d.log.Warn("cache grid shape disagrees with index", "key", key.String())
		return fusion.Composite{}, false
	}
	c.Grid = fr.Grid
	return c, true
}

func (d *DiskStore) Put(_ context.Context, key Key, c fusion.Composite) error {
	if err := c.Grid.Valid(); err != nil {
		return &WriteError{Key: key, Err: err}
	}
	meta, err := json.Marshal(c)
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}

	final := d.GridPath(key)
	tmp, err := os.CreateTemp(d.dir, ".grid-*.tmp")
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := frame.EncodeGzip(tmp, compositeFrame(c)); err != nil {
		tmp.Close()
		cleanup()
		return &WriteError{Key: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &WriteError{Key: key, Err: err}
	}
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return &WriteError{Key: key, Err: err}
	}

	err = d.index.PutCacheEntry(storage.CacheEntryRecord{
		Key:        key.String(),
		Source:     key.Source,
		Band:       key.Band,
		Date:       key.DateString(),
		GridPath:   final,
		Width:      c.Grid.Width,
		Height:     c.Grid.Height,
		FrameCount: c.FrameCount,
		MetaJSON:   string(meta),
	})
	if err != nil {
		return &WriteError{Key: key, Err: err}
	}
	return nil
}

func (d *DiskStore) Invalidate(_ context.Context, key Key) error {
	if err := d.index.DeleteCacheEntry(key.String()); err != nil {
		return err
	}
	if err := os.Remove(d.GridPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (d *DiskStore) Clear(ctx context.Context) error {
	entries, err := d.index.CacheEntries()
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := os.Remove(e.GridPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := d.index.ClearCacheEntries(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *DiskStore) List(context.Context) ([]Entry, error) {
	recs, err := d.index.CacheEntries()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(recs))
	for _, r := range recs {
		k, err := ParseKey(r.Key)
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Key:        k,
			Name:       r.Key,
			Tier:       "disk",
			FrameCount: r.FrameCount,
			Width:      r.Width,
			Height:     r.Height,
			StoredAt:   r.StoredAt,
			Path:       r.GridPath,
		})
	}
	return out, nil
}

// forget drops the index row for a grid file removed behind our back.
func (d *DiskStore) forget(path string) (Key, bool) {
	k, ok := KeyForPath(path)
	if !ok {
		return Key{}, false
	}
	if _, err := d.index.DeleteCacheEntryByPath(path); err != nil {
		d.log.Warn("cache index cleanup failed", "path", path, "error", err)
	}
	return k, true
}
