// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	CatalogSource CatalogSourceConfig `yaml:"catalog_source"`
	Sizing        SizingConfig        `yaml:"sizing"`
	Stringing     StringingConfig     `yaml:"stringing"`
	Capability    CapabilityConfig    `yaml:"capability"`
	FieldStore    FieldStoreConfig    `yaml:"field_store"`
	Events        EventsConfig        `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// CatalogConfig describes where local catalog files live.
type CatalogConfig struct {
	Directories    []string      `yaml:"directories"`
	HotReload      bool          `yaml:"hot_reload"`
	ReloadInterval time.Duration `yaml:"reload_interval"`
	DefaultUtility string        `yaml:"default_utility"`
}

// CatalogSourceConfig describes the remote equipment-catalog service.
type CatalogSourceConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	ServiceID      string               `yaml:"service_id"`
	SpecFile       string               `yaml:"spec_file"`
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	Types          []string             `yaml:"types"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	Cache          CacheConfig          `yaml:"cache"`
	Redis          RedisConfig          `yaml:"redis"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// RedisConfig describes the optional shared cache.
type RedisConfig struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
	Prefix  string `yaml:"prefix"`
}

// SizingConfig describes NEC sizing settings.
type SizingConfig struct {
	// ModelCeilings caps the recommended rating for specific equipment
	// models, keyed by model number.
	ModelCeilings map[string]int `yaml:"model_ceilings"`
}

// StringingConfig describes string and branch layout defaults.
type StringingConfig struct {
	ColdDesignTempC           float64 `yaml:"cold_design_temp_c"`
	DefaultTempCoeffVoc       float64 `yaml:"default_temp_coeff_voc"`
	DefaultMaxPanelsPerString int     `yaml:"default_max_panels_per_string"`
	BranchCircuitAmps         float64 `yaml:"branch_circuit_amps"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// FieldStoreConfig describes field persistence settings.
type FieldStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EventsConfig describes the NATS event publisher.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URLEnv        string `yaml:"url_env"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Utility"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"roles":      "roles",
			},
		},
		Catalog: CatalogConfig{
			Directories:    []string{"/catalog"},
			ReloadInterval: 5 * time.Minute,
		},
		CatalogSource: CatalogSourceConfig{
			ServiceID: "equipment-catalog",
			Timeout:   10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
			},
			Cache: CacheConfig{
				TTL:        30 * time.Minute,
				MaxEntries: 1000,
			},
			Redis: RedisConfig{
				Prefix: "voltplan:catalog",
			},
		},
		Sizing: SizingConfig{
			ModelCeilings: map[string]int{},
		},
		Stringing: StringingConfig{
			ColdDesignTempC:           -10,
			DefaultTempCoeffVoc:       -0.3,
			DefaultMaxPanelsPerString: 15,
			BranchCircuitAmps:         20,
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		FieldStore: FieldStoreConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Events: EventsConfig{
			SubjectPrefix: "voltplan",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if len(c.Catalog.Directories) == 0 && !c.CatalogSource.Enabled {
		errs = append(errs, "catalog.directories is required when catalog_source is disabled")
	}
	if c.CatalogSource.Enabled && c.CatalogSource.SpecFile == "" {
		errs = append(errs, "catalog_source.spec_file is required when enabled")
	}
	if c.CatalogSource.Enabled && len(c.CatalogSource.Types) == 0 {
		errs = append(errs, "catalog_source.types is required when enabled")
	}
	switch c.FieldStore.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("field_store.driver %q is not supported (memory, postgres)", c.FieldStore.Driver))
	}
	if c.Stringing.ColdDesignTempC >= 25 {
		errs = append(errs, "stringing.cold_design_temp_c must be below 25")
	}
	if c.Stringing.BranchCircuitAmps <= 0 {
		errs = append(errs, "stringing.branch_circuit_amps must be positive")
	}
	for model, ceiling := range c.Sizing.ModelCeilings {
		if ceiling <= 0 {
			errs = append(errs, fmt.Sprintf("sizing.model_ceilings[%s] must be positive", model))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads VOLTPLAN_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VOLTPLAN_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("VOLTPLAN_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("VOLTPLAN_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("VOLTPLAN_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("VOLTPLAN_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("VOLTPLAN_CATALOG_DIRECTORIES"); v != "" {
		cfg.Catalog.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("VOLTPLAN_FIELD_STORE_DRIVER"); v != "" {
		cfg.FieldStore.Driver = v
	}
}
