package acquire

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"solararchive/internal/cache"
	"solararchive/internal/config"
	"solararchive/internal/frame"
)

// ErrUnknownSource is returned for a pinned source that is not configured.
var ErrUnknownSource = errors.New("unknown source")

// Target is one (source, band) the orchestrator may acquire from.
type Target struct {
	Source   config.Source
	Band     int
	Detector string // C2, C3 for detector-kind sources
}

// Key returns the cache key for this target on date.
func (t Target) Key(date time.Time) cache.Key {
	return cache.NewKey(t.Source.Name, t.Band, date)
}

func (t Target) String() string {
	if t.Detector != "" {
		return fmt.Sprintf("%s/%s", t.Source.Name, t.Detector)
	}
	return fmt.Sprintf("%s/%d", t.Source.Name, t.Band)
}

// SelectSource picks the most recent source whose data has begun by date.
// Dates before every source fall back to the oldest one.
func SelectSource(sources []config.Source, date time.Time) (config.Source, error) {
	if len(sources) == 0 {
		return config.Source{}, errors.New("no sources configured")
	}
	ordered := append([]config.Source(nil), sources...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].AvailableSince().After(ordered[j].AvailableSince())
	})
	day := date.UTC()
	for _, s := range ordered {
		if !s.AvailableSince().After(day) {
			return s, nil
		}
	}
	return ordered[len(ordered)-1], nil
}

func available(s config.Source, date time.Time) bool {
	return !s.AvailableSince().After(date.UTC())
}

// Plan resolves req into the primary target followed by its fallback chain.
// Targets whose source has no data yet on req.Date are left out.
func Plan(cfg *config.Config, req Request) ([]Target, []string, error) {
	var primary config.Source
	name := strings.TrimSpace(req.Source)
	if name == "" || strings.EqualFold(name, "auto") {
		s, err := SelectSource(cfg.Sources, req.Date)
		if err != nil {
			return nil, nil, err
		}
		primary = s
	} else {
		s, ok := cfg.Source(name)
		if !ok {
			return nil, nil, fmt.Errorf("%w %q", ErrUnknownSource, name)
		}
		primary = s
	}

	first, err := resolveTarget(primary, req.Band, req.Detector)
	if err != nil {
		return nil, nil, err
	}

	var plan []Target
	var skipped []string
	seen := map[string]bool{}
	t := first
	for {
		key := strings.ToUpper(t.Source.Name)
		if seen[key] {
			break
		}
		seen[key] = true
		if available(t.Source, req.Date) {
			plan = append(plan, t)
		} else {
			skipped = append(skipped, fmt.Sprintf("%s has no data before %s", t.Source.Name, t.Source.Since))
		}

		if t.Source.Fallback == "" {
			break
		}
		next, ok := cfg.Source(t.Source.Fallback)
		if !ok {
			break
		}
		t, err = resolveTarget(next, t.Source.FallbackBand, "")
		if err != nil {
			return nil, nil, err
		}
	}
	return plan, skipped, nil
}

func resolveTarget(s config.Source, band int, detector string) (Target, error) {
	t := Target{Source: s, Band: band}
	if s.BandKind == config.BandDetector {
		if detector != "" {
			n, err := frame.ParseDetector(detector)
			if err != nil {
				return Target{}, err
			}
			t.Band = n
		}
		if t.Band <= 0 {
			t.Band = s.DefaultBand
		}
		t.Detector = fmt.Sprintf("C%d", t.Band)
		return t, nil
	}
	if t.Band <= 0 {
		t.Band = s.DefaultBand
	}
	if t.Band <= 0 {
		return Target{}, fmt.Errorf("source %s: band is required", s.Name)
	}
	return t, nil
}

// ParseDate accepts YYYY-MM-DD or RFC 3339 and returns the instant in UTC.
// A bare date means 00:00 UTC of that day.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD or RFC 3339", s)
	}
	return t.UTC(), nil
}
