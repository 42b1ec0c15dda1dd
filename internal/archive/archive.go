// Package archive searches remote solar data catalogs and downloads the
// matching FITS files.
package archive

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"
)

// TimeRange is a closed search interval.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Validate rejects empty or inverted ranges.
func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return errors.New("archive: time range is unset")
	}
	if !r.Start.Before(r.End) {
		return fmt.Errorf("archive: time range %s..%s is empty", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	return nil
}

// Mid returns the range midpoint.
func (r TimeRange) Mid() time.Time {
	return r.Start.Add(r.End.Sub(r.Start) / 2)
}

func (r TimeRange) String() string {
	return r.Start.UTC().Format(time.RFC3339) + ".." + r.End.UTC().Format(time.RFC3339)
}

// Windows returns the widening ranges ref±span, in the order spans are given.
func Windows(ref time.Time, spans []time.Duration) []TimeRange {
	out := make([]TimeRange, 0, len(spans))
	for _, s := range spans {
		out = append(out, TimeRange{Start: ref.Add(-s), End: ref.Add(s)})
	}
	return out
}

// Query scopes one catalog search.
type Query struct {
	Source     string
	Instrument string
	Band       int // wavelength in Angstrom, or detector number
	Range      TimeRange
}

// Record is one downloadable candidate frame.
type Record struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Source     string    `json:"source"`
	Instrument string    `json:"instrument"`
	Band       int       `json:"band"`
	Exposure   float64   `json:"exptime"`
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName is the local name a record downloads to. It is derived from the
// record ID so distinct records never collide even when the archive serves
// them under the same basename.
func (r Record) FileName() string {
	ext := ".fits"
	if u, err := url.Parse(r.URL); err == nil {
		base := strings.ToLower(path.Base(u.Path))
		for _, e := range []string{".fits.gz", ".fts.gz", ".fits", ".fts", ".fit"} {
			if strings.HasSuffix(base, e) {
				ext = e
				break
			}
		}
	}
	id := r.ID
	if id == "" {
		id = path.Base(r.URL)
	}
	name := strings.Trim(unsafeName.ReplaceAllString(id, "_"), "_.")
	name = strings.TrimSuffix(name, ext)
	if name == "" {
		name = "frame"
	}
	return name + ext
}

// sortByDistance orders records by how far their start lies from ref.
func sortByDistance(recs []Record, ref time.Time) {
	sort.SliceStable(recs, func(i, j int) bool {
		return absDuration(recs[i].Start.Sub(ref)) < absDuration(recs[j].Start.Sub(ref))
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ErrNoCatalog is returned for a source with no catalog endpoint configured.
var ErrNoCatalog = errors.New("archive: no catalog for source")

// ErrPartialDownload reports that only some candidates were retrieved.
var ErrPartialDownload = errors.New("archive: partial download")

// DownloadError describes a download that obtained fewer files than requested.
type DownloadError struct {
	Requested int
	Obtained  int
	Failures  []error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("archive: downloaded %d of %d files", e.Obtained, e.Requested)
}

func (e *DownloadError) Unwrap() []error {
	return append([]error{ErrPartialDownload}, e.Failures...)
}

// TransportError is a network failure that survived every retry.
type TransportError struct {
	Op     string
	Source string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("archive: %s %s failed: %v", e.Source, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request %s failed (%d)", e.URL, e.Code)
}
