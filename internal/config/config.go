// Package config loads cadlink settings. Values come from built-in defaults,
// then an optional HCL file, then CADLINK_* environment variables; later
// sources win.
//
// A config file looks like:
//
//	backend  = "sqlite"
//	db       = "scene.db"
//	layout   = "core"
//	log_level = "debug"
//
//	remote {
//	  base_url = "https://graph.example.com/api/v1/projects/plant"
//	  rps      = 20
//	  timeout  = "10s"
//	}
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Backends and layouts accepted by Validate.
var (
	Backends = []string{"memory", "sqlite", "http"}
	Layouts  = []string{"edge", "core"}
)

type Config struct {
	Backend string `env:"BACKEND"`
	// Fixture is the JSON scene loaded by the memory backend.
	Fixture string `env:"FIXTURE"`
	// DB is the database read by the sqlite backend.
	DB string `env:"DB"`

	BaseURL string        `env:"BASE_URL"`
	APIKey  string        `env:"API_KEY"`
	RPS     float64       `env:"RPS"`
	Burst   int           `env:"BURST"`
	Timeout time.Duration `env:"TIMEOUT"`

	Layout             string `env:"LAYOUT"`
	EdgeTypeSpace      string `env:"EDGE_TYPE_SPACE"`
	EdgeTypeExternalID string `env:"EDGE_TYPE_EXTERNAL_ID"`
	PageLimit          int    `env:"PAGE_LIMIT"`

	InspectBatchSize   int `env:"INSPECT_BATCH_SIZE"`
	NodeBatchSize      int `env:"NODE_BATCH_SIZE"`
	InspectConcurrency int `env:"INSPECT_CONCURRENCY"`
	InspectCacheSize   int `env:"INSPECT_CACHE_SIZE"`

	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Backend:            "sqlite",
		DB:                 "cadlink.db",
		RPS:                10,
		Burst:              5,
		Timeout:            30 * time.Second,
		Layout:             "edge",
		EdgeTypeSpace:      "scene",
		EdgeTypeExternalID: "mapsTo",
		PageLimit:          1000,
		InspectBatchSize:   100,
		NodeBatchSize:      1000,
		InspectConcurrency: 4,
		InspectCacheSize:   10000,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// fileConfig mirrors the HCL file. Every attribute is optional; zero values
// leave the default in place.
type fileConfig struct {
	Backend            string         `hcl:"backend,optional"`
	Fixture            string         `hcl:"fixture,optional"`
	DB                 string         `hcl:"db,optional"`
	Layout             string         `hcl:"layout,optional"`
	EdgeTypeSpace      string         `hcl:"edge_type_space,optional"`
	EdgeTypeExternalID string         `hcl:"edge_type_external_id,optional"`
	PageLimit          int            `hcl:"page_limit,optional"`
	InspectBatchSize   int            `hcl:"inspect_batch_size,optional"`
	NodeBatchSize      int            `hcl:"node_batch_size,optional"`
	InspectConcurrency int            `hcl:"inspect_concurrency,optional"`
	InspectCacheSize   int            `hcl:"inspect_cache_size,optional"`
	LogLevel           string         `hcl:"log_level,optional"`
	LogFormat          string         `hcl:"log_format,optional"`
	Remote             *remoteSection `hcl:"remote,block"`
}

type remoteSection struct {
	BaseURL string  `hcl:"base_url,optional"`
	APIKey  string  `hcl:"api_key,optional"`
	RPS     float64 `hcl:"rps,optional"`
	Burst   int     `hcl:"burst,optional"`
	Timeout string  `hcl:"timeout,optional"`
}

// Load reads path (if non-empty) and the process environment on top of the
// defaults, applies overrides (command-line flags), then validates.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	return load(path, nil, overrides...)
}

// load takes an explicit environment so tests stay hermetic. A nil environ
// means the process environment.
func load(path string, environ map[string]string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	opts := env.Options{Prefix: "CADLINK_", Environment: environ}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	for _, o := range overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	// hclsimple picks the syntax from the extension; anything else is native HCL.
	name := path
	if !strings.HasSuffix(name, ".hcl") && !strings.HasSuffix(name, ".json") {
		name += ".hcl"
	}
	if err := hclsimple.Decode(name, src, nil, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&c.Backend, fc.Backend)
	setString(&c.Fixture, fc.Fixture)
	setString(&c.DB, fc.DB)
	setString(&c.Layout, fc.Layout)
	setString(&c.EdgeTypeSpace, fc.EdgeTypeSpace)
	setString(&c.EdgeTypeExternalID, fc.EdgeTypeExternalID)
	setInt(&c.PageLimit, fc.PageLimit)
	setInt(&c.InspectBatchSize, fc.InspectBatchSize)
	setInt(&c.NodeBatchSize, fc.NodeBatchSize)
	setInt(&c.InspectConcurrency, fc.InspectConcurrency)
	setInt(&c.InspectCacheSize, fc.InspectCacheSize)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)

	if r := fc.Remote; r != nil {
		setString(&c.BaseURL, r.BaseURL)
		setString(&c.APIKey, r.APIKey)
		if r.RPS != 0 {
			c.RPS = r.RPS
		}
		setInt(&c.Burst, r.Burst)
		if r.Timeout != "" {
			d, err := time.ParseDuration(r.Timeout)
			if err != nil {
				return fmt.Errorf("parse config %s: remote.timeout: %w", path, err)
			}
			c.Timeout = d
		}
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// Validate reports the first problem found, wrapping ErrInvalid.
func (c *Config) Validate() error {
	if !slices.Contains(Backends, c.Backend) {
		return fmt.Errorf("%w: backend %q (want one of %s)", ErrInvalid, c.Backend, strings.Join(Backends, ", "))
	}
	if !slices.Contains(Layouts, c.Layout) {
		return fmt.Errorf("%w: layout %q (want one of %s)", ErrInvalid, c.Layout, strings.Join(Layouts, ", "))
	}
	switch c.Backend {
	case "memory":
		if c.Fixture == "" {
			return fmt.Errorf("%w: memory backend needs a fixture", ErrInvalid)
		}
	case "sqlite":
		if c.DB == "" {
			return fmt.Errorf("%w: sqlite backend needs a db path", ErrInvalid)
		}
	case "http":
		if c.BaseURL == "" {
			return fmt.Errorf("%w: http backend needs a base url", ErrInvalid)
		}
		if c.RPS < 0 || c.Timeout <= 0 {
			return fmt.Errorf("%w: rps must be >= 0 and timeout > 0", ErrInvalid)
		}
	}
	for name, v := range map[string]int{
		"page_limit":          c.PageLimit,
		"inspect_batch_size":  c.InspectBatchSize,
		"node_batch_size":     c.NodeBatchSize,
		"inspect_concurrency": c.InspectConcurrency,
		"inspect_cache_size":  c.InspectCacheSize,
	} {
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, name, v)
		}
	}
	if (c.EdgeTypeSpace == "") != (c.EdgeTypeExternalID == "") {
		return fmt.Errorf("%w: edge type needs both space and external id", ErrInvalid)
	}
	return nil
}
