// Package config loads hilbert-sats settings: built-in defaults, then an
// optional YAML file, then HILBERT_SATS_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kyjohnso/hilbert-sats/core"
	"github.com/kyjohnso/hilbert-sats/internal/ingest"
	"github.com/kyjohnso/hilbert-sats/internal/observability"
	"github.com/kyjohnso/hilbert-sats/internal/store"
	"github.com/kyjohnso/hilbert-sats/internal/tle"
)

// PathEnv names the variable holding the config file path.
const PathEnv = "HILBERT_SATS_CONFIG"

const envPrefix = "HILBERT_SATS_"

// DefaultDSN points at the compose-managed PostGIS service.
const DefaultDSN = "host=postgis port=5432 dbname=minecraftindex user=kyjohnso sslmode=disable"

// Config is the full process configuration.
type Config struct {
	Store   StoreConfig                 `yaml:"store"`
	TLE     TLEConfig                   `yaml:"tle"`
	Grid    GridConfig                  `yaml:"grid"`
	Cycle   CycleConfig                 `yaml:"cycle"`
	Metrics MetricsConfig               `yaml:"metrics"`
	Tracing observability.TracingConfig `yaml:"tracing"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // postgres | sqlite
	DSN    string `yaml:"dsn"`
	// Connect bounds the startup retry while the database comes up.
	Connect ingest.RetryPolicy `yaml:"connect"`
}

type TLEConfig struct {
	Location string        `yaml:"location"` // http(s) URL, file:// URL or path
	Refresh  time.Duration `yaml:"refresh"`
}

// GridConfig mirrors core.GridParameters. A zero Order is derived from the
// sizes.
type GridConfig struct {
	WorldSize float64 `yaml:"world_size"`
	CellSize  float64 `yaml:"cell_size"`
	Order     int     `yaml:"order"`
}

type CycleConfig struct {
	Delay   time.Duration      `yaml:"delay"`
	Workers int                `yaml:"workers"`
	Retry   ingest.RetryPolicy `yaml:"retry"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the /metrics listener
}

// Default returns the built-in configuration.
func Default() Config {
	connect := ingest.DefaultRetryPolicy()
	connect.MaxRetries = 10
	return Config{
		Store: StoreConfig{Driver: store.Postgres.Name, DSN: DefaultDSN, Connect: connect},
		TLE:   TLEConfig{Location: tle.DefaultURL, Refresh: tle.DefaultRefresh},
		Grid:  GridConfig{WorldSize: core.DefaultWorldSize, CellSize: core.DefaultCellSize},
		Cycle: CycleConfig{
			Delay: ingest.DefaultDelay,
			Retry: ingest.DefaultRetryPolicy(),
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty) and the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode overlays YAML onto cfg. Unknown keys are rejected.
func (c *Config) decode(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from HILBERT_SATS_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	env := func(name string) (string, bool) {
		v, ok := lookup(envPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := env(name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := env(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := env(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := env(name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := env(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("TLE_LOCATION", &c.TLE.Location)
	dur("TLE_REFRESH", &c.TLE.Refresh)
	float("GRID_WORLD_SIZE", &c.Grid.WorldSize)
	float("GRID_CELL_SIZE", &c.Grid.CellSize)
	integer("GRID_ORDER", &c.Grid.Order)
	dur("CYCLE_DELAY", &c.Cycle.Delay)
	integer("CYCLE_WORKERS", &c.Cycle.Workers)
	integer("CYCLE_RETRIES", &c.Cycle.Retry.MaxRetries)
	str("METRICS_ADDR", &c.Metrics.Addr)
	boolean("TRACING_ENABLED", &c.Tracing.Enabled)
	str("TRACING_EXPORTER", &c.Tracing.Exporter)
	str("TRACING_SERVICE_NAME", &c.Tracing.ServiceName)
	float("TRACING_SAMPLE_RATIO", &c.Tracing.SampleRatio)
	str("OTLP_ENDPOINT", &c.Tracing.Endpoint)

	return errors.Join(errs...)
}

// GridParameters builds and validates the pinned grid.
func (c Config) GridParameters() (core.GridParameters, error) {
	return core.NewGridParameters(c.Grid.WorldSize, c.Grid.CellSize, core.DefaultDimension, c.Grid.Order)
}

// Validate checks every section.
func (c Config) Validate() error {
	var errs []error
	if _, err := store.DialectFor(c.Store.Driver); err != nil {
		errs = append(errs, err)
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store dsn is empty"))
	}
	if c.TLE.Location == "" {
		errs = append(errs, errors.New("tle location is empty"))
	}
	if c.TLE.Refresh < 0 {
		errs = append(errs, fmt.Errorf("tle refresh %v is negative", c.TLE.Refresh))
	}
	if _, err := c.GridParameters(); err != nil {
		errs = append(errs, err)
	}
	if c.Cycle.Delay < 0 {
		errs = append(errs, fmt.Errorf("cycle delay %v is negative", c.Cycle.Delay))
	}
	if c.Cycle.Workers < 0 {
		errs = append(errs, fmt.Errorf("cycle workers %d is negative", c.Cycle.Workers))
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
