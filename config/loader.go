// =============================================================================
// Gateway configuration loader
// =============================================================================
// Unified configuration loading: YAML file + environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("gateway.yaml").
//	    WithEnvPrefix("GATEWAY").
//	    Load()
//
// Precedence: defaults -> YAML file -> environment variables.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Root configuration
// =============================================================================

// Config is the gateway's complete static configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Cache     CacheConfig     `yaml:"cache" env:"CACHE"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	Gateway   GatewaySettings `yaml:"gateway" env:"GATEWAY"`

	// Providers is keyed by provider id (ProviderConfig.ID).
	Providers map[string]ProviderConfig `yaml:"providers"`

	// LogicalModels is keyed by LogicalModel.LogicalID. Entries here are
	// statically configured; ids absent from this map fall back to dynamic
	// discovery against the configured providers.
	LogicalModels map[string]LogicalModelConfig `yaml:"logical_models"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" env:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MetricsAddr     string        `yaml:"metrics_addr" env:"METRICS_ADDR"`
}

// CacheConfig configures the shared Redis-backed cache.
type CacheConfig struct {
	Addr                string        `yaml:"addr" env:"ADDR"`
	Password            string        `yaml:"password" env:"PASSWORD"`
	DB                  int           `yaml:"db" env:"DB"`
	PoolSize            int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns        int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	DefaultTTL          time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// GatewaySettings holds gateway-wide behavior knobs that aren't per-provider.
type GatewaySettings struct {
	// Secret is the HMAC key used to derive cache-safe key identifiers and to
	// validate inbound Authorization/X-API-Key values. Never logged.
	Secret string `yaml:"secret" env:"SECRET"`

	// RequestTimeout is the per-request deadline applied when the client
	// does not specify one.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`

	// CandidateTimeout bounds a single candidate attempt inside the retry loop.
	CandidateTimeout time.Duration `yaml:"candidate_timeout" env:"CANDIDATE_TIMEOUT"`

	// FailureCooldownThreshold is the number of recent failures within the
	// cooldown window that causes a provider to be skipped.
	FailureCooldownThreshold int           `yaml:"failure_cooldown_threshold" env:"FAILURE_COOLDOWN_THRESHOLD"`
	FailureCooldownWindow    time.Duration `yaml:"failure_cooldown_window" env:"FAILURE_COOLDOWN_WINDOW"`

	// MetricsBucketWidth is the width of a metrics window bucket.
	MetricsBucketWidth time.Duration `yaml:"metrics_bucket_width" env:"METRICS_BUCKET_WIDTH"`
	MetricsFlushPeriod time.Duration `yaml:"metrics_flush_period" env:"METRICS_FLUSH_PERIOD"`
	MetricsMaxKeys     int           `yaml:"metrics_max_keys" env:"METRICS_MAX_KEYS"`
	MetricsReservoir   int           `yaml:"metrics_reservoir" env:"METRICS_RESERVOIR"`
}

// LogicalModelConfig is the on-disk shape of a statically configured
// LogicalModel; routing.Resolver converts it into routing.LogicalModel.
type LogicalModelConfig struct {
	Capabilities []string                 `yaml:"capabilities"`
	Enabled      bool                     `yaml:"enabled"`
	Upstreams    []PhysicalUpstreamConfig `yaml:"upstreams"`
}

// PhysicalUpstreamConfig is the on-disk shape of one PhysicalUpstream.
type PhysicalUpstreamConfig struct {
	ProviderID      string  `yaml:"provider_id"`
	UpstreamModelID string  `yaml:"upstream_model_id"`
	Endpoint        string  `yaml:"endpoint,omitempty"`
	BaseWeight      float64 `yaml:"base_weight"`
	Region          string  `yaml:"region,omitempty"`
	MaxQPS          float64 `yaml:"max_qps,omitempty"`
	APIStyle        string  `yaml:"api_style"`
}

// ProviderConfig is static configuration for one upstream provider.
type ProviderConfig struct {
	ID                 string            `yaml:"id"`
	BaseURL            string            `yaml:"base_url"`
	Transport          string            `yaml:"transport"` // http | sdk | claude_cli
	SDKVendor          string            `yaml:"sdk_vendor,omitempty"`
	APIKeys            []string          `yaml:"api_keys"`
	SupportedAPIStyles []string          `yaml:"supported_api_styles"`
	ChatCompletionsPath string           `yaml:"chat_completions_path,omitempty"`
	MessagesPath       string            `yaml:"messages_path,omitempty"`
	ResponsesPath      string            `yaml:"responses_path,omitempty"`
	ModelsPath         string            `yaml:"models_path,omitempty"`
	RetryableStatus    []int             `yaml:"retryable_status_codes,omitempty"`
	CustomHeaders      map[string]string `yaml:"custom_headers,omitempty"`
	Weight             float64           `yaml:"weight"`
	MaxQPS             float64           `yaml:"max_qps,omitempty"`
	StaticModels       []string          `yaml:"static_models,omitempty"`
	Enabled            bool              `yaml:"enabled"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader loads a Config using the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "GATEWAY",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator registers an additional validation pass.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load produces a Config: defaults, then YAML file, then environment.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks exported struct fields and applies `env` tags,
// recursing into nested structs. Maps (Providers, LogicalModels) are left to
// YAML/API population only; env overrides do not reach into map values.
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads a Config, panicking on failure. Intended for cmd/ wiring.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from defaults + environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks the structural invariants of the configuration before the
// gateway starts serving traffic: server.addr and gateway.secret set, enabled
// providers' weight > 0, transport/sdk_vendor pairing and api_keys, and each
// logical-model upstream's base_weight > 0 and api_style membership.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr must be set")
	}
	if c.Gateway.Secret == "" {
		errs = append(errs, "gateway.secret must be set")
	}

	for id, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		if p.Weight <= 0 {
			errs = append(errs, fmt.Sprintf("provider %s: weight must be > 0", id))
		}
		switch p.Transport {
		case "http", "sdk", "claude_cli":
		default:
			errs = append(errs, fmt.Sprintf("provider %s: invalid transport %q", id, p.Transport))
		}
		if p.Transport == "sdk" && p.SDKVendor == "" {
			errs = append(errs, fmt.Sprintf("provider %s: sdk_vendor required for transport=sdk", id))
		}
		if len(p.APIKeys) == 0 {
			errs = append(errs, fmt.Sprintf("provider %s: at least one api_key required", id))
		}
	}

	for id, lm := range c.LogicalModels {
		for _, up := range lm.Upstreams {
			if up.BaseWeight <= 0 {
				errs = append(errs, fmt.Sprintf("logical model %s: upstream %s/%s base_weight must be > 0", id, up.ProviderID, up.UpstreamModelID))
			}
			switch up.APIStyle {
			case "openai", "claude", "responses":
			default:
				errs = append(errs, fmt.Sprintf("logical model %s: upstream %s/%s invalid api_style %q", id, up.ProviderID, up.UpstreamModelID, up.APIStyle))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
