package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(*testing.T, *Config)
	}{
		{
			name:    "default values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.HTTPPort != "8080" {
					t.Errorf("expected HTTPPort to be 8080, got %s", cfg.HTTPPort)
				}
				if cfg.Store.Driver != "postgres" {
					t.Errorf("expected store driver to be postgres, got %s", cfg.Store.Driver)
				}
				if cfg.RateLimit.Max != 1000 {
					t.Errorf("expected rate limit to be 1000, got %d", cfg.RateLimit.Max)
				}
				if cfg.RateLimit.Window != time.Hour {
					t.Errorf("expected rate limit window to be 1h, got %s", cfg.RateLimit.Window)
				}
				if !cfg.RateLimit.FailOpen {
					t.Error("expected rate limiter to fail open by default")
				}
				if cfg.RateLimit.TrustProxyHeaders {
					t.Error("expected proxy headers to be untrusted by default")
				}
				if cfg.Auth.RequireHashed {
					t.Error("expected plaintext keys to be accepted by default")
				}
				if cfg.Catalog.Format != "json" {
					t.Errorf("expected catalog format to be json, got %s", cfg.Catalog.Format)
				}
				if cfg.Upstream.Service != "8" {
					t.Errorf("expected upstream service to be 8, got %s", cfg.Upstream.Service)
				}
				if cfg.Upstream.Timeout != 10*time.Second {
					t.Errorf("expected upstream timeout to be 10s, got %s", cfg.Upstream.Timeout)
				}
				if cfg.Dispatch.Mode != "inline" {
					t.Errorf("expected dispatch mode to be inline, got %s", cfg.Dispatch.Mode)
				}
				if cfg.RabbitMQ.Exchange != "dhru.orders" {
					t.Errorf("expected RabbitMQ exchange to be dhru.orders, got %s", cfg.RabbitMQ.Exchange)
				}
				if cfg.Log.APILogPath != "api.log" {
					t.Errorf("expected api log path to be api.log, got %s", cfg.Log.APILogPath)
				}
				if err := cfg.Validate(); err != nil {
					t.Errorf("expected defaults to validate, got %v", err)
				}
			},
		},
		{
			name: "custom values",
			envVars: map[string]string{
				"HTTP_PORT":            "9090",
				"STORE_DRIVER":         "memory",
				"RATE_LIMIT_MAX":       "50",
				"RATE_LIMIT_WINDOW":    "15m",
				"RATE_LIMIT_FAIL_OPEN": "false",
				"TRUST_PROXY_HEADERS":  "true",
				"AUTH_REQUIRE_HASHED":  "true",
				"CATALOG_FORMAT":       "xml",
				"UPSTREAM_TIMEOUT":     "3s",
				"DISPATCH_MODE":        "rabbitmq",
				"DISPATCH_WORKERS":     "8",
				"CLICKHOUSE_HOST":      "clickhouse.prod:9000",
				"RABBITMQ_QUEUE":       "custom.queue",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.HTTPPort != "9090" {
					t.Errorf("expected HTTPPort to be 9090, got %s", cfg.HTTPPort)
				}
				if cfg.Store.Driver != "memory" {
					t.Errorf("expected store driver to be memory, got %s", cfg.Store.Driver)
				}
				if cfg.RateLimit.Max != 50 {
					t.Errorf("expected rate limit to be 50, got %d", cfg.RateLimit.Max)
				}
				if cfg.RateLimit.Window != 15*time.Minute {
					t.Errorf("expected rate limit window to be 15m, got %s", cfg.RateLimit.Window)
				}
				if cfg.RateLimit.FailOpen {
					t.Error("expected rate limiter to fail closed")
				}
				if !cfg.RateLimit.TrustProxyHeaders {
					t.Error("expected proxy headers to be trusted")
				}
				if !cfg.Auth.RequireHashed {
					t.Error("expected hashed keys to be required")
				}
				if cfg.Catalog.Format != "xml" {
					t.Errorf("expected catalog format to be xml, got %s", cfg.Catalog.Format)
				}
				if cfg.Upstream.Timeout != 3*time.Second {
					t.Errorf("expected upstream timeout to be 3s, got %s", cfg.Upstream.Timeout)
				}
				if cfg.Dispatch.Mode != "rabbitmq" {
					t.Errorf("expected dispatch mode to be rabbitmq, got %s", cfg.Dispatch.Mode)
				}
				if cfg.Dispatch.Workers != 8 {
					t.Errorf("expected 8 dispatch workers, got %d", cfg.Dispatch.Workers)
				}
				if cfg.ClickHouse.Host != "clickhouse.prod:9000" {
					t.Errorf("expected ClickHouse host to be clickhouse.prod:9000, got %s", cfg.ClickHouse.Host)
				}
				if cfg.RabbitMQ.Queue != "custom.queue" {
					t.Errorf("expected RabbitMQ queue to be custom.queue, got %s", cfg.RabbitMQ.Queue)
				}
			},
		},
		{
			name: "malformed values fall back to defaults",
			envVars: map[string]string{
				"RATE_LIMIT_MAX":       "lots",
				"RATE_LIMIT_WINDOW":    "hourly",
				"RATE_LIMIT_FAIL_OPEN": "maybe",
				"UPSTREAM_TIMEOUT":     "-5s",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.RateLimit.Max != 1000 {
					t.Errorf("expected rate limit to be 1000, got %d", cfg.RateLimit.Max)
				}
				if cfg.RateLimit.Window != time.Hour {
					t.Errorf("expected rate limit window to be 1h, got %s", cfg.RateLimit.Window)
				}
				if !cfg.RateLimit.FailOpen {
					t.Error("expected rate limiter to fail open")
				}
				if cfg.Upstream.Timeout != 10*time.Second {
					t.Errorf("expected upstream timeout to be 10s, got %s", cfg.Upstream.Timeout)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear environment
			clearEnv()

			// Set test environment variables
			for key, value := range tt.envVars {
				os.Setenv(key, value)
			}
			defer clearEnv()

			// Load configuration
			cfg := Load()

			// Validate
			tt.validate(t, cfg)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "unknown store driver",
			mutate:  func(c *Config) { c.Store.Driver = "mysql" },
			wantErr: true,
		},
		{
			name:    "unknown catalog format",
			mutate:  func(c *Config) { c.Catalog.Format = "html" },
			wantErr: true,
		},
		{
			name:    "unknown dispatch mode",
			mutate:  func(c *Config) { c.Dispatch.Mode = "kafka" },
			wantErr: true,
		},
		{
			name: "postgres counters need postgres store",
			mutate: func(c *Config) {
				c.Store.Driver = "memory"
				c.RateLimit.Store = "postgres"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv()
			cfg := Load()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		expected     string
	}{
		{
			name:         "returns default when env not set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "",
			expected:     "default",
		},
		{
			name:         "returns env value when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			expected:     "custom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear environment
			os.Unsetenv(tt.key)

			// Set env if provided
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}

			// Test getEnv
			result := getEnv(tt.key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, result)
			}
		})
	}
}

// clearEnv clears all test environment variables
func clearEnv() {
	envVars := []string{
		"HTTP_PORT",
		"STORE_DRIVER",
		"DATABASE_URL",
		"DATABASE_MAX_CONNS",
		"RATE_LIMIT_MAX",
		"RATE_LIMIT_WINDOW",
		"RATE_LIMIT_FAIL_OPEN",
		"RATE_LIMIT_STORE",
		"TRUST_PROXY_HEADERS",
		"AUTH_REQUIRE_HASHED",
		"CATALOG_FORMAT",
		"UPSTREAM_URL",
		"UPSTREAM_SERVICE",
		"UPSTREAM_TIMEOUT",
		"DISPATCH_MODE",
		"DISPATCH_WORKERS",
		"DISPATCH_QUEUE_SIZE",
		"RABBITMQ_URL",
		"RABBITMQ_QUEUE",
		"RABBITMQ_EXCHANGE",
		"RABBITMQ_ROUTING_KEY",
		"AUDIT_SINK",
		"CLICKHOUSE_HOST",
		"CLICKHOUSE_DB",
		"CLICKHOUSE_USER",
		"CLICKHOUSE_PASSWORD",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"API_LOG_PATH",
	}

	for _, key := range envVars {
		os.Unsetenv(key)
	}
}
