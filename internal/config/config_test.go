package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kyjohnso/hilbert-sats/core"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate: %v", err)
	}
	g, err := cfg.GridParameters()
	if err != nil {
		t.Fatalf("GridParameters: %v", err)
	}
	if g != core.DefaultGridParameters() {
		t.Fatalf("default grid = %+v, want %+v", g, core.DefaultGridParameters())
	}
	if cfg.Cycle.Delay != 10*time.Second {
		t.Fatalf("default delay = %v, want 10s", cfg.Cycle.Delay)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hilbert-sats.yaml")
	doc := `
store:
  driver: sqlite
  dsn: /var/lib/hilbert-sats/index.db
tle:
  location: file:///etc/hilbert-sats/starlink.tle
  refresh: 30m
cycle:
  delay: 5s
  workers: 4
  retry:
    max_retries: 1
    initial_interval: 250ms
tracing:
  enabled: true
  exporter: otlp
  endpoint: collector:4317
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HILBERT_SATS_CYCLE_DELAY", "20s")
	t.Setenv("HILBERT_SATS_METRICS_ADDR", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN != "/var/lib/hilbert-sats/index.db" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if cfg.TLE.Refresh != 30*time.Minute || !strings.HasPrefix(cfg.TLE.Location, "file://") {
		t.Fatalf("tle = %+v", cfg.TLE)
	}
	if cfg.Cycle.Delay != 20*time.Second {
		t.Fatalf("env should override file delay, got %v", cfg.Cycle.Delay)
	}
	if cfg.Cycle.Workers != 4 || cfg.Cycle.Retry.MaxRetries != 1 || cfg.Cycle.Retry.InitialInterval != 250*time.Millisecond {
		t.Fatalf("cycle = %+v", cfg.Cycle)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Cycle.Retry.MaxInterval != 5*time.Second || cfg.Grid.CellSize != core.DefaultCellSize {
		t.Fatalf("defaults lost: retry %+v grid %+v", cfg.Cycle.Retry, cfg.Grid)
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Fatalf("empty env value should not override, metrics addr = %q", cfg.Metrics.Addr)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "otlp" || cfg.Tracing.Endpoint != "collector:4317" {
		t.Fatalf("tracing = %+v", cfg.Tracing)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("store:\n  drvier: sqlite\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for misspelled key")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load(empty): %v", err)
	}
}

func TestApplyEnvParsesTypes(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"HILBERT_SATS_GRID_CELL_SIZE":        "5000",
		"HILBERT_SATS_GRID_ORDER":            "14",
		"HILBERT_SATS_TRACING_ENABLED":       "true",
		"HILBERT_SATS_TRACING_SAMPLE_RATIO":  "0.25",
		"HILBERT_SATS_STORE_DRIVER":          "sqlite",
		"HILBERT_SATS_TLE_REFRESH":           "1h",
		"HILBERT_SATS_UNRELATED_SETTING_XYZ": "ignored",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Grid.CellSize != 5000 || cfg.Grid.Order != 14 || !cfg.Tracing.Enabled || cfg.Tracing.SampleRatio != 0.25 {
		t.Fatalf("cfg = %+v", cfg)
	}
	g, err := cfg.GridParameters()
	if err != nil || g.Order != 14 {
		t.Fatalf("GridParameters = %+v, %v", g, err)
	}
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"HILBERT_SATS_CYCLE_DELAY":   "soon",
		"HILBERT_SATS_CYCLE_WORKERS": "many",
	}))
	if err == nil {
		t.Fatalf("expected parse errors")
	}
	for _, name := range []string{"CYCLE_DELAY", "CYCLE_WORKERS"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("error %q does not mention %s", err, name)
		}
	}
}

func TestValidateRejectsBadGrid(t *testing.T) {
	cfg := Default()
	cfg.Grid.Order = 30
	err := cfg.Validate()
	if !errors.Is(err, core.ErrInvalidGrid) {
		t.Fatalf("Validate = %v, want ErrInvalidGrid", err)
	}

	cfg = Default()
	cfg.Store.Driver = "mysql"
	cfg.Cycle.Delay = -time.Second
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "mysql") || !strings.Contains(err.Error(), "delay") {
		t.Fatalf("Validate = %v, want driver and delay errors", err)
	}
}
