package logging

import (
	"bytes"
	"errors"
	"log"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"solararchive/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&TraditionalHandler{logger: log.New(&buf, "", 0), level: slog.LevelInfo})

	logger.With("component", "acquire").WithGroup("frame").Warn("calibration step skipped", "step", "register")
	logger.Debug("hidden")

	got := strings.TrimSpace(buf.String())
	want := "[WARN] calibration step skipped [component=acquire frame.step=register]"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestLogDegradedIncludesStep(t *testing.T) {
	var buf bytes.Buffer
	LogDegraded(NewWithWriter(&buf, "info", "json"), "a.fits", "normalize", errors.New("no exposure"))
	out := buf.String()
	if !strings.Contains(out, `"step":"normalize"`) || !strings.Contains(out, `"level":"WARN"`) {
		t.Fatalf("unexpected log line %s", out)
	}
}

func TestSetupWritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = dir

	prev := slog.Default()
	defer slog.SetDefault(prev)
	if _, err := Setup(cfg); err != nil {
		t.Fatalf("setup: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "solararchive-*.log"))
	if len(matches) < 2 {
		t.Fatalf("expected dated log and current symlink, got %v", matches)
	}
}
