package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileMissingReturnsDefaults(t *testing.T) {
	t.Setenv(EnvNotifyEmail, "")
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("expected defaults, got %v", err)
	}
	if cfg.Archive.Retries != 3 {
		t.Fatalf("expected 3 retries, got %d", cfg.Archive.Retries)
	}
	if cfg.Archive.RetryDelay() != 5*time.Second {
		t.Fatalf("expected 5s retry delay, got %s", cfg.Archive.RetryDelay())
	}
	if src, ok := cfg.Source("sdo"); !ok || src.DefaultBand != 211 {
		t.Fatalf("expected SDO source with band 211, got %+v", src)
	}
}

func TestLoadFileJSONOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"archive":{"retries":5,"retry_delay_seconds":1},"search":{"windows":["30s","5m"]}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Archive.Retries != 5 {
		t.Fatalf("expected retries 5, got %d", cfg.Archive.Retries)
	}
	spans, err := cfg.Search.Spans()
	if err != nil {
		t.Fatalf("spans: %v", err)
	}
	if len(spans) != 2 || spans[0] != 30*time.Second || spans[1] != 5*time.Minute {
		t.Fatalf("unexpected spans %v", spans)
	}
	if len(cfg.Sources) != 3 {
		t.Fatalf("expected default sources to survive, got %d", len(cfg.Sources))
	}
}

func TestLoadFileTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[archive]
max_frames = 9

[fusion]
min_exposure = 0.5
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Archive.MaxFrames != 9 {
		t.Fatalf("expected max_frames 9, got %d", cfg.Archive.MaxFrames)
	}
	if cfg.Fusion.MinExposure != 0.5 {
		t.Fatalf("expected min_exposure 0.5, got %v", cfg.Fusion.MinExposure)
	}
}

func TestEnvOverridesNotifyEmail(t *testing.T) {
	t.Setenv(EnvNotifyEmail, "observer@example.org")
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Archive.NotifyEmail != "observer@example.org" {
		t.Fatalf("expected env email, got %q", cfg.Archive.NotifyEmail)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown fallback", func(c *Config) { c.Sources[0].Fallback = "NOPE" }},
		{"duplicate source", func(c *Config) { c.Sources = append(c.Sources, c.Sources[0]) }},
		{"bad window", func(c *Config) { c.Search.Windows = []string{"soon"} }},
		{"bad since", func(c *Config) { c.Sources[1].Since = "1996/01/01" }},
		{"no retries", func(c *Config) { c.Archive.Retries = 0 }},
		{"bad driver", func(c *Config) { c.Paths.DatabaseDriver = "postgres" }},
		{"jsoc without base_url", func(c *Config) { c.Sources[0].BaseURL = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := Default()
			cfg.Archive.MaxFrames = 7
			if err := Save(cfg, path); err != nil {
				t.Fatalf("save: %v", err)
			}
			loaded, err := LoadFile(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if loaded.Archive.MaxFrames != 7 {
				t.Fatalf("expected 7 frames, got %d", loaded.Archive.MaxFrames)
			}
		})
	}
}
