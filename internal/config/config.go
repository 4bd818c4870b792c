package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brightgrid/explain-engine/internal/models"
)

// Config captures the settings required to boot the explanation engine.
type Config struct {
	Server    ServerConfig           `yaml:"server"`
	Schema    SchemaConfig           `yaml:"schema"`
	Artifacts ArtifactsConfig        `yaml:"artifacts"`
	Logging   LoggingConfig          `yaml:"logging"`
	Store     StoreConfig            `yaml:"store"`
	Cache     CacheConfig            `yaml:"cache"`
	Engine    EngineConfig           `yaml:"engine"`
	Models    map[string]ModelConfig `yaml:"models"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
}

// SchemaConfig locates the shared feature schema file.
type SchemaConfig struct {
	Path string `yaml:"path"`
}

// ArtifactsConfig locates persisted model artifacts.
type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StoreConfig configures the Postgres instance store used to materialise
// cohort instance ids. Disabled deployments require callers to embed
// resolved instances in every request.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

// CacheConfig controls caching of cohort summaries.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	SummaryTTL time.Duration `yaml:"summaryTTL"`
}

// EngineConfig bounds the computation engines.
type EngineConfig struct {
	MaxConcurrency         int     `yaml:"maxConcurrency"`
	DefaultTopK            int     `yaml:"defaultTopK"`
	DefaultTopN            int     `yaml:"defaultTopN"`
	SearchBudget           int     `yaml:"searchBudget"`
	DefaultDiversityWeight float64 `yaml:"defaultDiversityWeight"`
}

// ModelConfig is the per-model convention table: which side of the decision
// boundary is desirable, where the threshold sits, and which features a
// counterfactual may move by default. The desirability flag must be set
// deliberately per model - churn's positive class is bad news, an upsell
// model's is good news - because getting it wrong silently inverts
// risk/protective labelling downstream.
type ModelConfig struct {
	PositiveClassDesirable bool                             `yaml:"positiveClassDesirable"`
	Threshold              float64                          `yaml:"threshold"`
	PermittedRanges        map[string]models.PermittedRange `yaml:"permittedRanges"`
}

// Load initialises Config from a YAML file and optional environment
// overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("EXPLAIN_ENGINE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if len(cfg.Models) == 0 {
		return nil, errors.New("config declares no models")
	}
	for id, mc := range cfg.Models {
		if mc.Threshold < 0 || mc.Threshold >= 1 {
			return nil, fmt.Errorf("model %s: threshold %g outside (0, 1)", id, mc.Threshold)
		}
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    30 * time.Second,
		},
		Schema:    SchemaConfig{Path: "configs/schema/features.yaml"},
		Artifacts: ArtifactsConfig{Dir: "artifacts"},
		Logging:   LoggingConfig{Level: "info", JSON: false},
		Store:     StoreConfig{Table: "customers"},
		Cache:     CacheConfig{Enabled: true, SummaryTTL: 5 * time.Minute},
		Engine: EngineConfig{
			MaxConcurrency:         8,
			DefaultTopK:            5,
			DefaultTopN:            3,
			SearchBudget:           2000,
			DefaultDiversityWeight: 0.4,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EXPLAIN_ENGINE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("EXPLAIN_ENGINE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("EXPLAIN_ENGINE_SCHEMA_PATH"); v != "" {
		cfg.Schema.Path = v
	}
	if v := os.Getenv("EXPLAIN_ENGINE_ARTIFACTS_DIR"); v != "" {
		cfg.Artifacts.Dir = v
	}
	if v := os.Getenv("EXPLAIN_ENGINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EXPLAIN_ENGINE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("EXPLAIN_ENGINE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
		cfg.Store.Enabled = true
	}
	if v := os.Getenv("EXPLAIN_ENGINE_STORE_TABLE"); v != "" {
		cfg.Store.Table = v
	}
	if v := os.Getenv("EXPLAIN_ENGINE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("EXPLAIN_ENGINE_CACHE_SUMMARY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.SummaryTTL = d
		}
	}
	if v := os.Getenv("EXPLAIN_ENGINE_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.MaxConcurrency = n
		}
	}
	if v := os.Getenv("EXPLAIN_ENGINE_SEARCH_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.SearchBudget = n
		}
	}
}
