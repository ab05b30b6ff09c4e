// Package config loads engine configuration with priority env > file > defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/bisim"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/store"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/trajectory"
	"github.com/danielpatrickdp/adaptive-state/transfer-engine/internal/transfer"
)

// #region types

// Config is the full engine configuration.
type Config struct {
	Store          StoreConfig          `yaml:"store"`
	Distance       bisim.Config         `yaml:"distance"`
	Clustering     ClusteringConfig     `yaml:"clustering"`
	Trajectory     trajectory.Config    `yaml:"trajectory"`
	Transfer       transfer.Config      `yaml:"transfer"`
	Retry          store.RetryConfig    `yaml:"retry"`
	ReferenceModel ReferenceModelConfig `yaml:"reference_model"`
	Log            LogConfig            `yaml:"log"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=sqlite badger"`
	Path    string `yaml:"path" validate:"required"`
	// GraphPath holds the goal graph when the backend is not SQLite.
	// Empty means Path + ".graph.db".
	GraphPath  string `yaml:"graph_path"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// ClusteringConfig controls re-clustering.
type ClusteringConfig struct {
	DefaultThreshold float64 `yaml:"default_threshold" validate:"gt=0"`
	// Schedule is a cron spec for periodic re-clustering of every goal.
	// Empty disables the scheduler.
	Schedule string `yaml:"schedule"`
	// Workers bounds concurrent background re-clusters.
	Workers int `yaml:"workers" validate:"gte=1"`
	// LinkHalfLife decays goal links on each scheduled run; zero disables decay.
	LinkHalfLife time.Duration `yaml:"link_half_life" validate:"gte=0"`
}

// ReferenceModelConfig points at the optional forward-prediction service.
type ReferenceModelConfig struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

// #endregion types

// #region defaults

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "transfer_engine.db",
		},
		Distance: bisim.DefaultConfig(),
		Clustering: ClusteringConfig{
			DefaultThreshold: 0.3,
			Workers:          2,
			LinkHalfLife:     7 * 24 * time.Hour,
		},
		Trajectory: trajectory.DefaultConfig(),
		Transfer:   transfer.DefaultConfig(),
		Retry:      store.DefaultRetryConfig(),
		ReferenceModel: ReferenceModelConfig{
			Timeout: 10 * time.Second,
		},
		Log:     LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Addr: ":9464"},
	}
}

// GraphDBPath returns where the goal graph lives for a non-SQLite backend.
func (s StoreConfig) GraphDBPath() string {
	if s.GraphPath != "" {
		return s.GraphPath
	}
	return s.Path + ".graph.db"
}

// #endregion defaults

// #region load

// Load reads path (if it exists) over the defaults, applies environment
// overrides and validates the result. An empty path or a missing file yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := decode(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// decode rejects unknown keys so typos do not silently fall back to defaults.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Store.Path = envOr("TRANSFER_DB", cfg.Store.Path)
	cfg.Store.Backend = envOr("TRANSFER_BACKEND", cfg.Store.Backend)
	cfg.ReferenceModel.Addr = envOr("REFMODEL_ADDR", cfg.ReferenceModel.Addr)
	cfg.Log.Level = envOr("TRANSFER_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOr("TRANSFER_LOG_FORMAT", cfg.Log.Format)
	cfg.Clustering.Schedule = envOr("TRANSFER_RECLUSTER_SCHEDULE", cfg.Clustering.Schedule)
	if v := os.Getenv("TRANSFER_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	cfg.Metrics.Addr = envOr("TRANSFER_METRICS_ADDR", cfg.Metrics.Addr)
	if v := os.Getenv("TRANSFER_RELABEL_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Trajectory.RelabelThreshold = f
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion load

// #region validate

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Clustering.Schedule != "" {
		if _, err := cron.ParseStandard(c.Clustering.Schedule); err != nil {
			return fmt.Errorf("clustering.schedule %q: %w", c.Clustering.Schedule, err)
		}
	}
	if err := c.Distance.Validate(); err != nil {
		return err
	}
	if err := c.Trajectory.Validate(); err != nil {
		return err
	}
	return c.Transfer.Validate()
}

// #endregion validate
