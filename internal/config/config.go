// Package config provides configuration management for copy-that.
//
// Configuration is layered: DefaultConfig, then an optional YAML file, then
// COPYTHAT_* environment variables (optionally loaded from a .env file).
// The result is validated with struct tags plus cross-field checks.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/joshband/copy-that/internal/aggregation"
	"github.com/joshband/copy-that/internal/analyzers"
	"github.com/joshband/copy-that/internal/graph"
	"github.com/joshband/copy-that/internal/providers"
	"github.com/joshband/copy-that/internal/types"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "COPYTHAT_"

// Config represents the complete system configuration
type Config struct {
	// Orchestrator configuration
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`

	// Preprocessing provider configuration
	Providers ProvidersConfig `yaml:"providers" json:"providers"`

	// Aggregation configuration
	Aggregation AggregationConfig `yaml:"aggregation" json:"aggregation"`

	// Graph builder configuration
	Graph graph.Config `yaml:"graph" json:"graph"`

	// Snapshot storage configuration
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Progress server configuration
	Server ServerConfig `yaml:"server" json:"server"`
}

// OrchestratorConfig contains batch scheduling configuration
type OrchestratorConfig struct {
	Concurrency int           `yaml:"concurrency" json:"concurrency" validate:"gte=1,lte=256"`
	UnitTimeout time.Duration `yaml:"unit_timeout" json:"unit_timeout" validate:"gte=0"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size" validate:"gte=1"`
}

// ProvidersConfig contains preprocessing provider configuration
type ProvidersConfig struct {
	CacheSize     int           `yaml:"cache_size" json:"cache_size" validate:"gte=0"`
	GridSize      int           `yaml:"grid_size" json:"grid_size" validate:"gte=2,lte=64"`
	RefineTimeout time.Duration `yaml:"refine_timeout" json:"refine_timeout" validate:"gte=0"`
	// Kinds lists the providers to enable; empty enables all
	Kinds []string `yaml:"kinds" json:"kinds" validate:"dive,oneof=depth segmentation"`
}

// AggregationConfig contains token merge configuration
type AggregationConfig struct {
	Thresholds aggregation.Thresholds `yaml:"thresholds" json:"thresholds"`
}

// StorageConfig contains snapshot persistence configuration
type StorageConfig struct {
	Driver string `yaml:"driver" json:"driver" validate:"oneof=memory sqlite"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=json text"`
}

// ServerConfig contains progress server configuration
type ServerConfig struct {
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port" validate:"gte=1,lte=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	EnableCORS   bool          `yaml:"enable_cors" json:"enable_cors"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	orch := analyzers.DefaultOrchestratorConfig()
	pool := providers.DefaultPoolConfig()
	return &Config{
		Orchestrator: OrchestratorConfig{
			Concurrency: orch.Concurrency,
			UnitTimeout: orch.UnitTimeout,
			QueueSize:   orch.QueueSize,
		},
		Providers: ProvidersConfig{
			CacheSize:     pool.CacheSize,
			GridSize:      pool.GridSize,
			RefineTimeout: pool.RefineTimeout,
		},
		Aggregation: AggregationConfig{
			Thresholds: aggregation.DefaultThresholds(),
		},
		Graph: graph.DefaultConfig(),
		Storage: StorageConfig{
			Driver: "memory",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			EnableCORS:   true,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty) and the environment. envFiles are loaded into the environment
// first; missing files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, types.NewConfigurationError("path", path, "cannot read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, types.NewConfigurationError("path", path, "invalid YAML", err)
		}
	}

	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return types.NewConfigurationError("env_file", f, "cannot load env file", err)
		}
	}
	return nil
}

// ApplyEnv overlays COPYTHAT_* variables read through lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, types.NewConfigurationError(EnvPrefix+name, v, "must be an integer", err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, types.NewConfigurationError(EnvPrefix+name, v, "must be a number", err))
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, types.NewConfigurationError(EnvPrefix+name, v, "must be a duration", err))
				return
			}
			*dst = d
		}
	}

	num("CONCURRENCY", &c.Orchestrator.Concurrency)
	duration("UNIT_TIMEOUT", &c.Orchestrator.UnitTimeout)
	num("QUEUE_SIZE", &c.Orchestrator.QueueSize)
	num("PROVIDER_CACHE_SIZE", &c.Providers.CacheSize)
	float("COLOR_THRESHOLD", &c.Aggregation.Thresholds.Color)
	float("SPACING_THRESHOLD", &c.Aggregation.Thresholds.Spacing)
	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("STORAGE_DSN", &c.Storage.DSN)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("SERVER_HOST", &c.Server.Host)
	num("SERVER_PORT", &c.Server.Port)

	return errors.Join(errs...)
}

var validate = validator.New()

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return types.NewConfigurationError(fe.Namespace(), fe.Value(),
				fmt.Sprintf("failed %q validation", fe.Tag()), err)
		}
		return types.NewConfigurationError("config", nil, "validation failed", err)
	}

	if err := c.Aggregation.Thresholds.Validate(); err != nil {
		return err
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		return types.NewConfigurationError("storage.dsn", c.Storage.DSN, "sqlite storage requires a dsn", nil)
	}
	if c.Graph.AliasTolerance > c.Aggregation.Thresholds.Color && c.Aggregation.Thresholds.Color > 0 {
		return types.NewConfigurationError("graph.alias_tolerance", c.Graph.AliasTolerance,
			"alias tolerance must not exceed the color merge threshold", nil)
	}
	return nil
}

// ToOrchestratorConfig converts to analyzers.OrchestratorConfig
func (c *Config) ToOrchestratorConfig() analyzers.OrchestratorConfig {
	return analyzers.OrchestratorConfig{
		Concurrency: c.Orchestrator.Concurrency,
		UnitTimeout: c.Orchestrator.UnitTimeout,
		QueueSize:   c.Orchestrator.QueueSize,
	}
}

// ToPoolConfig converts to providers.PoolConfig
func (c *Config) ToPoolConfig() providers.PoolConfig {
	return providers.PoolConfig{
		CacheSize:     c.Providers.CacheSize,
		GridSize:      c.Providers.GridSize,
		RefineTimeout: c.Providers.RefineTimeout,
	}
}

// EnabledKinds returns the provider kinds to install
func (c *Config) EnabledKinds() []providers.Kind {
	if len(c.Providers.Kinds) == 0 {
		return providers.Kinds()
	}
	out := make([]providers.Kind, 0, len(c.Providers.Kinds))
	for _, k := range c.Providers.Kinds {
		out = append(out, providers.Kind(k))
	}
	return out
}
