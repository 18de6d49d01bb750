// Package config assembles runtime configuration for the clinipipe binaries.
// Values come from environment variables with the CLINIPIPE_ prefix, layered
// over an optional clinipipe.yaml file, layered over defaults. Every loaded
// config is validated before a binary gets to use it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Postgres configures the connection pool shared by both binaries.
type Postgres struct {
	// URL is the full DSN; when set it wins over the individual fields.
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database" validate:"required"`
	SSLMode  string `mapstructure:"ssl_mode" validate:"required"`
	MinConns int32  `mapstructure:"min_conns" validate:"min=1"`
	MaxConns int32  `mapstructure:"max_conns" validate:"min=1"`
}

// DSN returns the connection string, preferring the full URL when set.
func (p Postgres) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// Telemetry configures tracing. When Enabled is false the binaries run with
// a no-op tracer, which keeps local runs free of a collector dependency.
type Telemetry struct {
	Enabled          bool    `mapstructure:"enabled"`
	ServiceName      string  `mapstructure:"service_name" validate:"required"`
	ExporterEndpoint string  `mapstructure:"exporter_endpoint" validate:"required_if=Enabled true"`
	SamplingRatio    float64 `mapstructure:"sampling_ratio" validate:"min=0,max=1"`
	Insecure         bool    `mapstructure:"insecure"`
}

// Pipeline tunes the worker's ingestion pipeline.
type Pipeline struct {
	QualityThreshold  float64 `mapstructure:"quality_threshold" validate:"min=0,max=1"`
	BatchSize         int     `mapstructure:"batch_size" validate:"min=1"`
	MaxConcurrentJobs int     `mapstructure:"max_concurrent_jobs" validate:"min=1"`
}

// Source configures where the worker resolves submitted file references.
// Bare references resolve against Root; s3:// references need S3Enabled.
type Source struct {
	Root        string `mapstructure:"root" validate:"required"`
	S3Enabled   bool   `mapstructure:"s3_enabled"`
	S3Region    string `mapstructure:"s3_region"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3PathStyle bool   `mapstructure:"s3_path_style"`
}

// Orchestrator is the orchestrator binary's configuration.
type Orchestrator struct {
	ListenAddr       string        `mapstructure:"listen_addr" validate:"required"`
	DebugAddr        string        `mapstructure:"debug_addr"`
	WorkerURL        string        `mapstructure:"worker_url" validate:"required,url"`
	PollTimeout      time.Duration `mapstructure:"poll_timeout" validate:"required"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" validate:"required"`
	SweepConcurrency int           `mapstructure:"sweep_concurrency" validate:"min=1"`

	Postgres  Postgres  `mapstructure:"postgres"`
	Telemetry Telemetry `mapstructure:"telemetry"`
}

// Worker is the worker binary's configuration.
type Worker struct {
	ListenAddr  string `mapstructure:"listen_addr" validate:"required"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	DebugAddr   string `mapstructure:"debug_addr"`

	Source    Source    `mapstructure:"source"`
	Pipeline  Pipeline  `mapstructure:"pipeline"`
	Postgres  Postgres  `mapstructure:"postgres"`
	Telemetry Telemetry `mapstructure:"telemetry"`
}

var validate = validator.New()

// LoadOrchestrator loads and validates the orchestrator configuration.
func LoadOrchestrator() (*Orchestrator, error) {
	v := newViper()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("debug_addr", "localhost:6060")
	v.SetDefault("worker_url", "http://worker:8081")
	v.SetDefault("poll_timeout", "5s")
	v.SetDefault("sweep_interval", "15s")
	v.SetDefault("sweep_concurrency", 8)
	setPostgresDefaults(v)
	setTelemetryDefaults(v, "clinipipe-orchestrator")

	if err := readOptionalFile(v); err != nil {
		return nil, err
	}

	var cfg Orchestrator
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal orchestrator: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid orchestrator config: %w", err)
	}
	return &cfg, nil
}

// LoadWorker loads and validates the worker configuration.
func LoadWorker() (*Worker, error) {
	v := newViper()

	v.SetDefault("listen_addr", ":8081")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("debug_addr", "localhost:6061")
	v.SetDefault("source.root", "/data")
	v.SetDefault("source.s3_enabled", false)
	v.SetDefault("source.s3_region", "")
	v.SetDefault("source.s3_endpoint", "")
	v.SetDefault("source.s3_path_style", false)
	v.SetDefault("pipeline.quality_threshold", 0.95)
	v.SetDefault("pipeline.batch_size", 1000)
	v.SetDefault("pipeline.max_concurrent_jobs", 4)
	setPostgresDefaults(v)
	setTelemetryDefaults(v, "clinipipe-worker")

	if err := readOptionalFile(v); err != nil {
		return nil, err
	}

	var cfg Worker
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal worker: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid worker config: %w", err)
	}
	return &cfg, nil
}

// newViper builds a viper instance with the env binding and optional config
// file locations both binaries share. Every key needs a default registered
// for AutomaticEnv to pick up env-only values during Unmarshal.
func newViper() *viper.Viper {
	v := viper.New()

	v.SetConfigName("clinipipe")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/clinipipe")

	v.SetEnvPrefix("CLINIPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// DATABASE_URL is what managed Postgres providers hand out.
	_ = v.BindEnv("postgres.url", "CLINIPIPE_POSTGRES_URL", "DATABASE_URL")

	return v
}

func setPostgresDefaults(v *viper.Viper) {
	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.host", "postgres")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "postgres")
	v.SetDefault("postgres.database", "clinipipe")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.min_conns", 5)
	v.SetDefault("postgres.max_conns", 20)
}

func setTelemetryDefaults(v *viper.Viper, serviceName string) {
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", serviceName)
	v.SetDefault("telemetry.exporter_endpoint", "")
	v.SetDefault("telemetry.sampling_ratio", 1.0)
	v.SetDefault("telemetry.insecure", true)
}

func readOptionalFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("config: read file: %w", err)
		}
	}
	return nil
}
