// Package config loads and validates process-wide configuration from a YAML
// file with environment-variable overrides, the same shape the teacher's
// own internal/config package uses.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Warehouse struct {
	DSN             string        `mapstructure:"dsn"`
	Database        string        `mapstructure:"database"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxBatchRows    int           `mapstructure:"max_batch_rows"`
}

type HTTPPool struct {
	MaxConnections int           `mapstructure:"max_connections"`
	PerHost        int           `mapstructure:"per_host"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type Queue struct {
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
	Secret   string `mapstructure:"secret"`
}

type Callback struct {
	URL           string        `mapstructure:"url"`
	Audience      string        `mapstructure:"audience"`
	SigningIssuer string        `mapstructure:"signing_issuer"`
	SigningSecret string        `mapstructure:"signing_secret"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
	RetryCap      time.Duration `mapstructure:"retry_cap"`
}

type Anthropic struct {
	APIKey string `mapstructure:"api_key"`
}

// Provider configures the account_enhance handler's external directory
// lookup (spec's SUPPLEMENTED FEATURES reference implementation).
type Provider struct {
	BaseURL string `mapstructure:"base_url"`
}

type Server struct {
	QueueAddr            string        `mapstructure:"queue_addr"`
	AdminAddr            string        `mapstructure:"admin_addr"`
	ShutdownGraceSeconds time.Duration `mapstructure:"shutdown_grace_seconds"`
	DefaultTaskDeadline  time.Duration `mapstructure:"default_task_deadline_seconds"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	Environment  string  `mapstructure:"environment"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// Tracing is a backwards-compatible alias, kept for parity with the
// teacher's own config shape.
type Tracing = TracingConfig

type Observability struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type Config struct {
	Warehouse     Warehouse     `mapstructure:"warehouse"`
	HTTPPool      HTTPPool      `mapstructure:"http_pool"`
	Queue         Queue         `mapstructure:"queue"`
	Callback      Callback      `mapstructure:"callback"`
	Anthropic     Anthropic     `mapstructure:"anthropic"`
	Provider      Provider      `mapstructure:"provider"`
	Server        Server        `mapstructure:"server"`
	Observability Observability `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Warehouse: Warehouse{
			Database:        "enrichment",
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
			MaxBatchRows:    1000,
		},
		HTTPPool: HTTPPool{
			MaxConnections: 200,
			PerHost:        32,
			Timeout:        30 * time.Second,
		},
		Queue: Queue{
			Audience: "enrichment-worker",
		},
		Callback: Callback{
			Audience:      "enrichment-callback-receiver",
			SigningIssuer: "enrichment-worker",
			TokenTTL:      5 * time.Minute,
			RetryAttempts: 5,
			RetryBase:     500 * time.Millisecond,
			RetryCap:      30 * time.Second,
		},
		Provider: Provider{
			BaseURL: "https://api.demo-directory.example.com",
		},
		Server: Server{
			QueueAddr:            ":8080",
			AdminAddr:            ":8081",
			ShutdownGraceSeconds: 30 * time.Second,
			DefaultTaskDeadline:  540 * time.Second,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     Tracing{Enabled: false, SamplingRate: 0.1},
		},
	}
}

// Load reads configuration from a YAML file with environment overrides,
// applying defaults for anything left unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("warehouse.database", def.Warehouse.Database)
	v.SetDefault("warehouse.max_open_conns", def.Warehouse.MaxOpenConns)
	v.SetDefault("warehouse.max_idle_conns", def.Warehouse.MaxIdleConns)
	v.SetDefault("warehouse.conn_max_lifetime", def.Warehouse.ConnMaxLifetime)
	v.SetDefault("warehouse.max_batch_rows", def.Warehouse.MaxBatchRows)

	v.SetDefault("http_pool.max_connections", def.HTTPPool.MaxConnections)
	v.SetDefault("http_pool.per_host", def.HTTPPool.PerHost)
	v.SetDefault("http_pool.timeout", def.HTTPPool.Timeout)

	v.SetDefault("queue.audience", def.Queue.Audience)

	v.SetDefault("callback.audience", def.Callback.Audience)
	v.SetDefault("callback.signing_issuer", def.Callback.SigningIssuer)
	v.SetDefault("callback.token_ttl", def.Callback.TokenTTL)
	v.SetDefault("callback.retry_attempts", def.Callback.RetryAttempts)
	v.SetDefault("callback.retry_base", def.Callback.RetryBase)
	v.SetDefault("callback.retry_cap", def.Callback.RetryCap)

	v.SetDefault("provider.base_url", def.Provider.BaseURL)

	v.SetDefault("server.queue_addr", def.Server.QueueAddr)
	v.SetDefault("server.admin_addr", def.Server.AdminAddr)
	v.SetDefault("server.shutdown_grace_seconds", def.Server.ShutdownGraceSeconds)
	v.SetDefault("server.default_task_deadline_seconds", def.Server.DefaultTaskDeadline)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Warehouse.DSN == "" {
		return fmt.Errorf("warehouse.dsn is required")
	}
	if cfg.Queue.Issuer == "" {
		return fmt.Errorf("queue.issuer is required")
	}
	if cfg.Queue.Secret == "" {
		return fmt.Errorf("queue.secret is required")
	}
	if cfg.Callback.URL == "" {
		return fmt.Errorf("callback.url is required")
	}
	if cfg.Callback.SigningSecret == "" {
		return fmt.Errorf("callback.signing_secret is required")
	}
	if cfg.HTTPPool.MaxConnections < 1 {
		return fmt.Errorf("http_pool.max_connections must be >= 1")
	}
	if cfg.HTTPPool.PerHost < 1 || cfg.HTTPPool.PerHost > cfg.HTTPPool.MaxConnections {
		return fmt.Errorf("http_pool.per_host must be >0 and <= http_pool.max_connections")
	}
	if cfg.Server.DefaultTaskDeadline <= 0 {
		return fmt.Errorf("server.default_task_deadline_seconds must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
