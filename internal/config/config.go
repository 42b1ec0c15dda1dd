package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigPath = "~/.config/solararchive/config.json"
	defaultWorkers    = 2

	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "SOLARARCHIVE_CONFIG"
	// EnvNotifyEmail is the address JSOC associates with export requests.
	EnvNotifyEmail = "JSOC_EMAIL"
	envDownloadDir = "SOLARARCHIVE_DOWNLOAD_DIR"
	envCacheDir    = "SOLARARCHIVE_CACHE_DIR"
)

// Band kinds accepted by Source.BandKind.
const (
	BandWavelength = "wavelength"
	BandDetector   = "detector"
)

// Catalog backends accepted by Source.Catalog.
const (
	CatalogJSOC  = "jsoc"
	CatalogIndex = "index"
)

// Config holds user-editable settings for the acquisition service.
type Config struct {
	Archive     Archive     `json:"archive" toml:"archive"`
	Sources     []Source    `json:"sources" toml:"sources"`
	Search      Search      `json:"search" toml:"search"`
	Calibration Calibration `json:"calibration" toml:"calibration"`
	Fusion      Fusion      `json:"fusion" toml:"fusion"`
	Cache       Cache       `json:"cache" toml:"cache"`
	Paths       Paths       `json:"paths" toml:"paths"`
	Logging     Logging     `json:"logging" toml:"logging"`
	Server      Server      `json:"server" toml:"server"`
	Events      Events      `json:"events" toml:"events"`
}

// Archive controls how the remote archives are queried and downloaded.
type Archive struct {
	TimeoutSeconds         int    `json:"timeout_seconds" toml:"timeout_seconds"`
	Retries                int    `json:"retries" toml:"retries"`
	RetryDelaySeconds      int    `json:"retry_delay_seconds" toml:"retry_delay_seconds"`
	MaxFrames              int    `json:"max_frames" toml:"max_frames"`
	UserAgent              string `json:"user_agent" toml:"user_agent"`
	ForceHTTPS             bool   `json:"force_https" toml:"force_https"`
	NotifyEmail            string `json:"notify_email" toml:"notify_email"`
	BreakerFailures        int    `json:"breaker_failures" toml:"breaker_failures"`
	BreakerCooldownSeconds int    `json:"breaker_cooldown_seconds" toml:"breaker_cooldown_seconds"`
}

// Timeout returns the per-request HTTP timeout.
func (a Archive) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// RetryDelay returns the fixed pause between download attempts.
func (a Archive) RetryDelay() time.Duration {
	return time.Duration(a.RetryDelaySeconds) * time.Second
}

// BreakerCooldown returns how long an open breaker waits before probing.
func (a Archive) BreakerCooldown() time.Duration {
	return time.Duration(a.BreakerCooldownSeconds) * time.Second
}

// Source describes one observatory data source.
type Source struct {
	Name         string `json:"name" toml:"name"`
	Instrument   string `json:"instrument" toml:"instrument"`
	Catalog      string `json:"catalog" toml:"catalog"`   // jsoc, index
	BaseURL      string `json:"base_url" toml:"base_url"` // catalog endpoint, operator-supplied for index
	Series       string `json:"series" toml:"series"`     // JSOC data series
	BandKind     string `json:"band_kind" toml:"band_kind"`
	DefaultBand  int    `json:"default_band" toml:"default_band"`
	Since        string `json:"since" toml:"since"` // YYYY-MM-DD
	Fallback     string `json:"fallback" toml:"fallback"`
	FallbackBand int    `json:"fallback_band" toml:"fallback_band"`
}

// AvailableSince returns the first date the source has data for.
func (s Source) AvailableSince() time.Time {
	t, err := time.Parse(time.DateOnly, s.Since)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Search lists the widening search windows, tried in order.
type Search struct {
	Windows []string `json:"windows" toml:"windows"`
}

// Spans parses the configured windows as half-widths around the request time.
func (s Search) Spans() ([]time.Duration, error) {
	spans := make([]time.Duration, 0, len(s.Windows))
	for _, w := range s.Windows {
		d, err := time.ParseDuration(w)
		if err != nil {
			return nil, fmt.Errorf("search window %q: %w", w, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("search window %q must be positive", w)
		}
		spans = append(spans, d)
	}
	return spans, nil
}

// Calibration configures the per-frame correction steps.
type Calibration struct {
	PlateScale float64 `json:"plate_scale" toml:"plate_scale"` // arcsec per pixel
	NorthUp    bool    `json:"north_up" toml:"north_up"`
	Pointing   string  `json:"pointing" toml:"pointing"` // header, none
}

// Fusion configures frame combination.
type Fusion struct {
	MinExposure   float64 `json:"min_exposure" toml:"min_exposure"`
	SNRDiagnostic bool    `json:"snr_diagnostic" toml:"snr_diagnostic"`
	SNRPatch      int     `json:"snr_patch" toml:"snr_patch"`
}

// Cache configures the composite cache tiers.
type Cache struct {
	Dir           string `json:"dir" toml:"dir"`
	MemoryEntries int    `json:"memory_entries" toml:"memory_entries"`
	Watch         bool   `json:"watch" toml:"watch"`
	MaxAgeHours   int    `json:"max_age_hours" toml:"max_age_hours"` // 0 keeps entries forever
}

// MaxAge returns the optional entry lifetime.
func (c Cache) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" toml:"level"`             // debug, info, warn, error
	Format     string `json:"format" toml:"format"`           // text, json
	FileOutput bool   `json:"file_output" toml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" toml:"log_dir"`         // Directory for log files
}

// Paths configures working locations.
type Paths struct {
	DownloadDir    string `json:"download_dir" toml:"download_dir"`
	PreviewDir     string `json:"preview_dir" toml:"preview_dir"`
	DatabasePath   string `json:"database_path" toml:"database_path"`
	DatabaseDriver string `json:"database_driver" toml:"database_driver"` // sqlite, sqlite3
}

// Server configures the network listeners.
type Server struct {
	Addr     string `json:"addr" toml:"addr"`
	GRPCAddr string `json:"grpc_addr" toml:"grpc_addr"`
	Workers  int    `json:"workers" toml:"workers"`
}

// Events configures external event publishing.
type Events struct {
	KafkaBrokers []string `json:"kafka_brokers" toml:"kafka_brokers"`
	KafkaTopic   string   `json:"kafka_topic" toml:"kafka_topic"`
}

// Path returns the config file location after env override and ~ expansion.
func Path() (string, error) {
	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return expandUser(configPath)
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads configuration from path. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		applyEnv(cfg)
		if err := cfg.normalize(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as JSON, or TOML when the extension says so.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var data []byte
	var err error
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Archive: Archive{
			TimeoutSeconds:         60,
			Retries:                3,
			RetryDelaySeconds:      5,
			MaxFrames:              5,
			UserAgent:              "solararchive/1.0",
			ForceHTTPS:             true,
			BreakerFailures:        5,
			BreakerCooldownSeconds: 60,
		},
		Sources: []Source{
			{
				Name:         "SDO",
				Instrument:   "AIA",
				Catalog:      CatalogJSOC,
				BaseURL:      "https://jsoc.stanford.edu",
				Series:       "aia.lev1_euv_12s",
				BandKind:     BandWavelength,
				DefaultBand:  211,
				Since:        "2010-05-15",
				Fallback:     "SOHO-EIT",
				FallbackBand: 195,
			},
			{
				Name:        "SOHO-EIT",
				Instrument:  "EIT",
				Catalog:     CatalogIndex,
				BandKind:    BandWavelength,
				DefaultBand: 195,
				Since:       "1996-01-01",
			},
			{
				Name:        "SOHO-LASCO",
				Instrument:  "LASCO",
				Catalog:     CatalogIndex,
				BandKind:    BandDetector,
				DefaultBand: 2,
				Since:       "1995-12-08",
			},
		},
		Search: Search{Windows: []string{"1m", "10m", "24h"}},
		Calibration: Calibration{
			PlateScale: 0.6,
			NorthUp:    true,
			Pointing:   "header",
		},
		Fusion: Fusion{
			MinExposure:   1e-3,
			SNRDiagnostic: true,
			SNRPatch:      64,
		},
		Cache: Cache{
			Dir:           filepath.Join(os.TempDir(), "solararchive", "cache"),
			MemoryEntries: 16,
			Watch:         true,
		},
		Paths: Paths{
			DownloadDir:    filepath.Join(os.TempDir(), "solararchive", "downloads"),
			PreviewDir:     "./output",
			DatabasePath:   filepath.Join(os.TempDir(), "solararchive.db"),
			DatabaseDriver: "sqlite",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
			Workers:  defaultWorkers,
		},
		Events: Events{KafkaTopic: "solararchive.acquisitions"},
	}
}

// Source looks up a configured source by name, case-insensitively.
func (c *Config) Source(name string) (Source, bool) {
	for _, s := range c.Sources {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return Source{}, false
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return errors.New("config: at least one source is required")
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		key := strings.ToUpper(s.Name)
		if s.Name == "" {
			return errors.New("config: source name is required")
		}
		if seen[key] {
			return fmt.Errorf("config: duplicate source %q", s.Name)
		}
		seen[key] = true
		switch s.Catalog {
		case CatalogJSOC:
			if s.BaseURL == "" {
				return fmt.Errorf("config: source %s: jsoc catalog needs base_url", s.Name)
			}
		case CatalogIndex:
		default:
			return fmt.Errorf("config: source %s: unknown catalog %q", s.Name, s.Catalog)
		}
		switch s.BandKind {
		case BandWavelength, BandDetector:
		default:
			return fmt.Errorf("config: source %s: unknown band kind %q", s.Name, s.BandKind)
		}
		if s.Since != "" && s.AvailableSince().IsZero() {
			return fmt.Errorf("config: source %s: since %q is not YYYY-MM-DD", s.Name, s.Since)
		}
	}
	for _, s := range c.Sources {
		if s.Fallback == "" {
			continue
		}
		if !seen[strings.ToUpper(s.Fallback)] {
			return fmt.Errorf("config: source %s: fallback %q is not configured", s.Name, s.Fallback)
		}
	}
	if _, err := c.Search.Spans(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(c.Search.Windows) == 0 {
		return errors.New("config: at least one search window is required")
	}
	if c.Archive.Retries < 1 {
		return errors.New("config: archive.retries must be at least 1")
	}
	if c.Fusion.MinExposure <= 0 {
		return errors.New("config: fusion.min_exposure must be positive")
	}
	switch c.Paths.DatabaseDriver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Paths.DatabaseDriver)
	}
	return nil
}

func (c *Config) normalize() error {
	var err error
	for _, p := range []*string{&c.Cache.Dir, &c.Paths.DownloadDir, &c.Paths.PreviewDir, &c.Paths.DatabasePath, &c.Logging.LogDir} {
		if *p, err = expandUser(*p); err != nil {
			return err
		}
	}
	for i := range c.Sources {
		c.Sources[i].BaseURL = strings.TrimRight(c.Sources[i].BaseURL, "/")
		c.Sources[i].BandKind = strings.ToLower(c.Sources[i].BandKind)
		c.Sources[i].Catalog = strings.ToLower(c.Sources[i].Catalog)
	}
	if c.Server.Workers < 1 {
		c.Server.Workers = 1
	}
	if c.Archive.MaxFrames < 1 {
		c.Archive.MaxFrames = 1
	}
	return nil
}

func applyEnv(c *Config) {
	if v := os.Getenv(EnvNotifyEmail); v != "" {
		c.Archive.NotifyEmail = v
	}
	if v := os.Getenv(envDownloadDir); v != "" {
		c.Paths.DownloadDir = v
	}
	if v := os.Getenv(envCacheDir); v != "" {
		c.Cache.Dir = v
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
