package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Catalog answers searches for one source.
type Catalog interface {
	Search(ctx context.Context, q Query) ([]Record, error)
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func getJSON(ctx context.Context, client httpDoer, rawURL, userAgent, from string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	if from != "" {
		req.Header.Set("From", from)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{URL: rawURL, Code: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}

// JSOCCatalog queries the JSOC rs_list API for one data series.
type JSOCCatalog struct {
	BaseURL    string
	Series     string
	Source     string
	Instrument string
	UserAgent  string
	Email      string
	ForceHTTPS bool
	Client     httpDoer
}

const jsocTimeLayout = "2006.01.02_15:04:05"

type jsocResponse struct {
	Status   int    `json:"status"`
	Error    string `json:"error"`
	Count    int    `json:"count"`
	Keywords []struct {
		Name   string   `json:"name"`
		Values []string `json:"values"`
	} `json:"keywords"`
	Segments []struct {
		Name   string   `json:"name"`
		Values []string `json:"values"`
	} `json:"segments"`
}

func (j *JSOCCatalog) recordSet(q Query) string {
	return fmt.Sprintf("%s[%s_UTC-%s_UTC][%d]",
		j.Series,
		q.Range.Start.UTC().Format(jsocTimeLayout),
		q.Range.End.UTC().Format(jsocTimeLayout),
		q.Band)
}

func (j *JSOCCatalog) Search(ctx context.Context, q Query) ([]Record, error) {
	params := url.Values{}
	params.Set("op", "rs_list")
	params.Set("ds", j.recordSet(q))
	params.Set("key", "T_REC,EXPTIME,WAVELNTH")
	params.Set("seg", "image")
	endpoint := j.BaseURL + "/cgi-bin/ajax/jsoc_info?" + params.Encode()

	var body jsocResponse
	if err := getJSON(ctx, j.Client, endpoint, j.UserAgent, j.Email, &body); err != nil {
		return nil, err
	}
	if body.Status != 0 {
		return nil, fmt.Errorf("jsoc: status %d: %s", body.Status, body.Error)
	}

	keys := make(map[string][]string, len(body.Keywords))
	for _, kw := range body.Keywords {
		keys[kw.Name] = kw.Values
	}
	var paths []string
	for _, seg := range body.Segments {
		if seg.Name == "image" {
			paths = seg.Values
		}
	}

	records := make([]Record, 0, len(paths))
	for i, p := range paths {
		if p == "" || p == "NoDataDirectory" {
			continue
		}
		start, ok := parseJSOCTime(valueAt(keys["T_REC"], i))
		if !ok {
			continue
		}
		band := q.Band
		if wl, err := strconv.Atoi(valueAt(keys["WAVELNTH"], i)); err == nil {
			band = wl
		}
		exp, _ := strconv.ParseFloat(valueAt(keys["EXPTIME"], i), 64)
		records = append(records, Record{
			ID:         fmt.Sprintf("%s_%s_%d", j.Series, start.Format("20060102T150405"), band),
			URL:        j.resolve(p),
			Start:      start,
			End:        start.Add(time.Duration(exp * float64(time.Second))),
			Source:     j.Source,
			Instrument: j.Instrument,
			Band:       band,
			Exposure:   exp,
		})
	}
	return records, nil
}

// resolve makes a segment path absolute. Only URLs JSOC returns as absolute
// http are upgraded; relative paths inherit the base URL's scheme.
func (j *JSOCCatalog) resolve(p string) string {
	switch {
	case strings.HasPrefix(p, "https://"):
		return p
	case strings.HasPrefix(p, "http://"):
		if j.ForceHTTPS {
			return "https://" + strings.TrimPrefix(p, "http://")
		}
		return p
	}
	return strings.TrimRight(j.BaseURL, "/") + "/" + strings.TrimLeft(p, "/")
}

func valueAt(values []string, i int) string {
	if i < len(values) {
		return values[i]
	}
	return ""
}

func parseJSOCTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, suffix := range []string{"_TAI", "_UTC", "Z"} {
		s = strings.TrimSuffix(s, suffix)
	}
	for _, layout := range []string{jsocTimeLayout, "2006.01.02_15:04:05.00", "2006-01-02T15:04:05", "2006-01-02T15:04:05.000"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// IndexCatalog queries a JSON catalog index of the form
// GET {base}/search?instrument=&band=&start=&end=.
type IndexCatalog struct {
	BaseURL    string
	Source     string
	Instrument string
	UserAgent  string
	Client     httpDoer
}

type indexResponse struct {
	Records []Record `json:"records"`
}

func (c *IndexCatalog) Search(ctx context.Context, q Query) ([]Record, error) {
	params := url.Values{}
	instrument := q.Instrument
	if instrument == "" {
		instrument = c.Instrument
	}
	params.Set("instrument", instrument)
	params.Set("band", strconv.Itoa(q.Band))
	params.Set("start", q.Range.Start.UTC().Format(time.RFC3339))
	params.Set("end", q.Range.End.UTC().Format(time.RFC3339))
	endpoint := c.BaseURL + "/search?" + params.Encode()

	var body indexResponse
	if err := getJSON(ctx, c.Client, endpoint, c.UserAgent, "", &body); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(body.Records))
	for _, r := range body.Records {
		if r.URL == "" {
			continue
		}
		if r.Source == "" {
			r.Source = c.Source
		}
		if r.Instrument == "" {
			r.Instrument = instrument
		}
		if r.Band == 0 {
			r.Band = q.Band
		}
		if r.End.IsZero() {
			r.End = r.Start
		}
		out = append(out, r)
	}
	return out, nil
}
