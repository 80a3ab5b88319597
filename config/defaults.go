// =============================================================================
// Gateway default configuration
// =============================================================================
package config

import "time"

// DefaultConfig returns sane defaults for a gateway process.
func DefaultConfig() *Config {
	return &Config{
		Server:        DefaultServerConfig(),
		Cache:         DefaultCacheConfig(),
		Log:           DefaultLogConfig(),
		Telemetry:     DefaultTelemetryConfig(),
		Gateway:       DefaultGatewaySettings(),
		Providers:     map[string]ProviderConfig{},
		LogicalModels: map[string]LogicalModelConfig{},
	}
}

// DefaultServerConfig returns default HTTP server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    120 * time.Second, // generous: streaming responses hold the connection open
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
		MetricsAddr:     ":9090",
	}
}

// DefaultCacheConfig returns default shared-cache settings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Addr:                "localhost:6379",
		DB:                  0,
		PoolSize:            20,
		MinIdleConns:        4,
		DefaultTTL:          5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultLogConfig returns default zap settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns default OpenTelemetry settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "llm-gateway",
		SampleRate:   0.1,
	}
}

// DefaultGatewaySettings returns default routing/retry/metrics knobs.
func DefaultGatewaySettings() GatewaySettings {
	return GatewaySettings{
		RequestTimeout:           2 * time.Minute,
		CandidateTimeout:         60 * time.Second,
		FailureCooldownThreshold: 3,
		FailureCooldownWindow:    30 * time.Second,
		MetricsBucketWidth:       60 * time.Second,
		MetricsFlushPeriod:       10 * time.Second,
		MetricsMaxKeys:           10000,
		MetricsReservoir:         64,
	}
}
