package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/pingcap/tidb-pipeline-extensions/internal/circuit"
)

// Configuration is the complete process configuration: ambient settings
// (logging, metrics, health) plus the two domain surfaces, the upload sink
// and the TopSQL aggregation source.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Sink       SinkConfig       `yaml:"sink"`
	TopSQL     TopSQLConfig     `yaml:"topsql"`
	Security   SecurityConfig   `yaml:"security"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig holds settings shared across both the sink and the source.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`

	// Log rotation, applied only when LogFile is non-empty. A zero value
	// for any of these means that dimension of rotation is disabled.
	LogMaxSizeMB  int64 `yaml:"log_max_size_mb"`
	LogMaxAgeDays int   `yaml:"log_max_age_days"`
	LogMaxBackups int   `yaml:"log_max_backups"`
	LogCompress   bool  `yaml:"log_compress"`
}

// SinkConfig configures the upload sink: which backend receives events, the
// delay/TTL/checkpoint tunables, and the circuit breaker wrapping every
// backend call.
type SinkConfig struct {
	Backend        string                 `yaml:"backend"` // "s3", "gcs", or "azureblob"
	Bucket         string                 `yaml:"bucket"`
	Delay          time.Duration          `yaml:"delay"`
	ExpireAfter    time.Duration          `yaml:"expire_after"`
	CheckpointDir  string                 `yaml:"checkpoint_dir"`
	CircuitBreaker circuit.Config         `yaml:"circuit_breaker"`
	S3             S3BackendConfig        `yaml:"s3"`
	GCS            GCSBackendConfig       `yaml:"gcs"`
	AzureBlob      AzureBlobBackendConfig `yaml:"azure_blob"`
}

// S3BackendConfig carries the settings needed to construct the S3 uploader.
type S3BackendConfig struct {
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"` // non-empty for S3-compatible stores (MinIO, etc.)
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// GCSBackendConfig carries the settings needed to construct the GCS uploader.
type GCSBackendConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureBlobBackendConfig carries the settings needed to construct the Azure
// Blob uploader.
type AzureBlobBackendConfig struct {
	AccountName string `yaml:"account_name"`
	AccountKey  string `yaml:"account_key"`
}

// TopSQLConfig configures the aggregation source: where to discover cluster
// topology, and the tunables each per-upstream subscriber uses.
type TopSQLConfig struct {
	PDEndpoints       []string       `yaml:"pd_endpoints"`
	TopoFetchInterval time.Duration  `yaml:"topo_fetch_interval"`
	InitialBackoff    time.Duration  `yaml:"initial_backoff"`
	MaxBackoff        time.Duration  `yaml:"max_backoff"`
	FlushIdleInterval time.Duration  `yaml:"flush_idle_interval"`
	TopN              int            `yaml:"top_n"`
	DownsampleSec     int64          `yaml:"downsample_sec"`
	CircuitBreaker    circuit.Config `yaml:"circuit_breaker"`
}

// SecurityConfig carries the mTLS settings used when dialing etcd/PD for
// topology discovery and the per-upstream gRPC subscribers.
type SecurityConfig struct {
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig mirrors topology.TLSConfig's fields so a loaded configuration
// can be handed straight to topology.NewFetcher.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics      MetricsConfig      `yaml:"metrics"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Prometheus   bool              `yaml:"prometheus"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// HealthChecksConfig represents health check settings
type HealthChecksConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Structured bool           `yaml:"structured"`
	Format     string         `yaml:"format"`
	Sampling   SamplingConfig `yaml:"sampling"`
}

// SamplingConfig represents log sampling settings
type SamplingConfig struct {
	Enabled bool `yaml:"enabled"`
	Rate    int  `yaml:"rate"`
}

// NewDefault returns a configuration with sensible defaults for a
// single-backend, single-cluster deployment.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:      "INFO",
			LogFile:       "",
			MetricsPort:   8080,
			HealthPort:    8081,
			LogMaxSizeMB:  100,
			LogMaxAgeDays: 7,
			LogMaxBackups: 5,
			LogCompress:   true,
		},
		Sink: SinkConfig{
			Backend:       "s3",
			Delay:         30 * time.Second,
			ExpireAfter:   24 * time.Hour,
			CheckpointDir: "/var/lib/tidb-pipeline-extensions/checkpoints",
			CircuitBreaker: circuit.Config{
				MaxRequests: 1,
				Interval:    60 * time.Second,
				Timeout:     30 * time.Second,
			},
			S3: S3BackendConfig{
				Region: "us-east-1",
			},
		},
		TopSQL: TopSQLConfig{
			TopoFetchInterval: 30 * time.Second,
			InitialBackoff:    time.Second,
			MaxBackoff:        60 * time.Second,
			FlushIdleInterval: time.Second,
			TopN:              5000,
			DownsampleSec:     0,
			CircuitBreaker: circuit.Config{
				MaxRequests: 1,
				Interval:    60 * time.Second,
				Timeout:     30 * time.Second,
			},
		},
		Security: SecurityConfig{
			TLS: TLSConfig{
				Enabled: false,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:    true,
				Prometheus: true,
				CustomLabels: map[string]string{
					"service": "tidb-pipeline-extensions",
				},
			},
			HealthChecks: HealthChecksConfig{
				Enabled:  true,
				Interval: 30 * time.Second,
				Timeout:  5 * time.Second,
			},
			Logging: LoggingConfig{
				Structured: true,
				Format:     "json",
				Sampling: SamplingConfig{
					Enabled: true,
					Rate:    1000,
				},
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables, applied on
// top of whatever LoadFromFile already set.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("TIDB_PIPELINE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("TIDB_PIPELINE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("TIDB_PIPELINE_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("TIDB_PIPELINE_HEALTH_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.HealthPort = port
		}
	}

	if val := os.Getenv("TIDB_PIPELINE_SINK_BACKEND"); val != "" {
		c.Sink.Backend = val
	}
	if val := os.Getenv("TIDB_PIPELINE_SINK_BUCKET"); val != "" {
		c.Sink.Bucket = val
	}
	if val := os.Getenv("TIDB_PIPELINE_SINK_DELAY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Sink.Delay = d
		}
	}
	if val := os.Getenv("TIDB_PIPELINE_SINK_EXPIRE_AFTER"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Sink.ExpireAfter = d
		}
	}
	if val := os.Getenv("TIDB_PIPELINE_SINK_CHECKPOINT_DIR"); val != "" {
		c.Sink.CheckpointDir = val
	}

	if val := os.Getenv("TIDB_PIPELINE_PD_ENDPOINTS"); val != "" {
		c.TopSQL.PDEndpoints = strings.Split(val, ",")
	}
	if val := os.Getenv("TIDB_PIPELINE_TOP_N"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.TopSQL.TopN = n
		}
	}

	if val := os.Getenv("TIDB_PIPELINE_TLS_ENABLED"); val != "" {
		c.Security.TLS.Enabled = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the loaded configuration for internal consistency,
// returning the first violation found.
func (c *Configuration) Validate() error {
	if c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	switch c.Sink.Backend {
	case "s3", "gcs", "azureblob":
	default:
		return fmt.Errorf("invalid sink.backend: %s (must be one of: s3, gcs, azureblob)", c.Sink.Backend)
	}
	if c.Sink.Bucket == "" {
		return fmt.Errorf("sink.bucket must not be empty")
	}
	if c.Sink.Delay < 0 {
		return fmt.Errorf("sink.delay must not be negative")
	}

	if c.TopSQL.TopN < 0 {
		return fmt.Errorf("topsql.top_n must not be negative")
	}
	if c.TopSQL.DownsampleSec < 0 {
		return fmt.Errorf("topsql.downsample_sec must not be negative")
	}

	return nil
}
