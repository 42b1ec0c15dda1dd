// Package cache stores fused composites keyed by (source, band, date).
//
// Writes replace whole entries, so concurrent acquisitions of the same key
// simply race to the last write. There is no expiry unless a maximum age is
// configured on the disk tier.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"solararchive/internal/frame"
	"solararchive/internal/fusion"
)

const dateLayout = "20060102"

// Key addresses one composite.
type Key struct {
	Source string
	Band   int
	Date   time.Time // UTC midnight
}

// NewKey normalizes source and truncates date to its UTC calendar day.
func NewKey(source string, band int, date time.Time) Key {
	source = strings.ToUpper(strings.TrimSpace(source))
	source = strings.ReplaceAll(source, "_", "-")
	d := date.UTC()
	return Key{
		Source: source,
		Band:   band,
		Date:   time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC),
	}
}

// String encodes the key as SOURCE_BAND_YYYYMMDD.
func (k Key) String() string {
	return fmt.Sprintf("%s_%d_%s", k.Source, k.Band, k.Date.Format(dateLayout))
}

// DateString returns the key's day as YYYY-MM-DD.
func (k Key) DateString() string {
	return k.Date.Format(time.DateOnly)
}

// ParseKey reverses Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 3 || parts[0] == "" {
		return Key{}, fmt.Errorf("invalid cache key %q", s)
	}
	band, err := strconv.Atoi(parts[1])
	if err != nil {
		return Key{}, fmt.Errorf("invalid cache key %q: band: %w", s, err)
	}
	date, err := time.Parse(dateLayout, parts[2])
	if err != nil {
		return Key{}, fmt.Errorf("invalid cache key %q: date: %w", s, err)
	}
	return NewKey(parts[0], band, date), nil
}

// Entry describes a stored composite without its pixels.
type Entry struct {
	Key        Key       `json:"-"`
	Name       string    `json:"key"`
	Tier       string    `json:"tier"`
	FrameCount int       `json:"frame_count"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	StoredAt   time.Time `json:"stored_at"`
	Path       string    `json:"path,omitempty"`
}

// Store is the keyed composite store. Get never fails; a broken entry is a miss.
type Store interface {
	Get(ctx context.Context, key Key) (fusion.Composite, bool)
	Put(ctx context.Context, key Key, c fusion.Composite) error
	Invalidate(ctx context.Context, key Key) error
	Clear(ctx context.Context) error
	List(ctx context.Context) ([]Entry, error)
}

// WriteError wraps a failed Put.
type WriteError struct {
	Key Key
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("cache write %s: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func cloneComposite(c fusion.Composite) fusion.Composite {
	out := c
	out.Grid = c.Grid.Clone()
	if c.SNRGain != nil {
		g := *c.SNRGain
		out.SNRGain = &g
	}
	return out
}

func compositeFrame(c fusion.Composite) frame.Frame {
	return frame.Frame{
		Grid:       c.Grid,
		Time:       c.Start,
		Exposure:   c.Exposure,
		Source:     c.Source,
		Instrument: c.Instrument,
		Band:       c.Band,
		Detector:   c.Detector,
		Geometry:   c.Geometry,
		Normalized: c.Normalized,
	}
}
