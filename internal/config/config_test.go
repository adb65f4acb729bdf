package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 8080 {
		t.Errorf("Expected MetricsPort to be 8080, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Global.HealthPort != 8081 {
		t.Errorf("Expected HealthPort to be 8081, got %d", cfg.Global.HealthPort)
	}

	if cfg.Sink.Backend != "s3" {
		t.Errorf("Expected Sink.Backend to be s3, got %s", cfg.Sink.Backend)
	}
	if cfg.Sink.Delay != 30*time.Second {
		t.Errorf("Expected Sink.Delay to be 30s, got %v", cfg.Sink.Delay)
	}
	if cfg.Sink.ExpireAfter != 24*time.Hour {
		t.Errorf("Expected Sink.ExpireAfter to be 24h, got %v", cfg.Sink.ExpireAfter)
	}

	if cfg.TopSQL.TopN != 5000 {
		t.Errorf("Expected TopSQL.TopN to be 5000, got %d", cfg.TopSQL.TopN)
	}
	if cfg.TopSQL.TopoFetchInterval != 30*time.Second {
		t.Errorf("Expected TopSQL.TopoFetchInterval to be 30s, got %v", cfg.TopSQL.TopoFetchInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  func() *Configuration
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Sink.Bucket = "bucket"
				return cfg
			},
			wantErr: false,
		},
		{
			name: "same metrics and health ports",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Sink.Bucket = "bucket"
				cfg.Global.MetricsPort = 8080
				cfg.Global.HealthPort = 8080
				return cfg
			},
			wantErr: true,
			errMsg:  "metrics_port and health_port cannot be the same",
		},
		{
			name: "invalid log level",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Sink.Bucket = "bucket"
				cfg.Global.LogLevel = "INVALID"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid log_level",
		},
		{
			name: "invalid backend",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Sink.Bucket = "bucket"
				cfg.Sink.Backend = "nfs"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid sink.backend",
		},
		{
			name: "missing bucket",
			config: func() *Configuration {
				return NewDefault()
			},
			wantErr: true,
			errMsg:  "sink.bucket must not be empty",
		},
		{
			name: "negative top_n",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Sink.Bucket = "bucket"
				cfg.TopSQL.TopN = -1
				return cfg
			},
			wantErr: true,
			errMsg:  "topsql.top_n must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config()
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil && tt.errMsg != "" && !contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
global:
  log_level: DEBUG
  metrics_port: 9090
  health_port: 9091

sink:
  backend: gcs
  bucket: observability-bucket
  delay: 10s

topsql:
  pd_endpoints: ["pd0:2379", "pd1:2379"]
  top_n: 1000
`

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9090 {
		t.Errorf("Expected MetricsPort to be 9090, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Sink.Backend != "gcs" {
		t.Errorf("Expected Sink.Backend to be gcs, got %s", cfg.Sink.Backend)
	}
	if cfg.Sink.Bucket != "observability-bucket" {
		t.Errorf("Expected Sink.Bucket to be observability-bucket, got %s", cfg.Sink.Bucket)
	}
	if cfg.Sink.Delay != 10*time.Second {
		t.Errorf("Expected Sink.Delay to be 10s, got %v", cfg.Sink.Delay)
	}
	if len(cfg.TopSQL.PDEndpoints) != 2 {
		t.Errorf("Expected 2 PD endpoints, got %d", len(cfg.TopSQL.PDEndpoints))
	}
	if cfg.TopSQL.TopN != 1000 {
		t.Errorf("Expected TopSQL.TopN to be 1000, got %d", cfg.TopSQL.TopN)
	}
}

func TestLoadFromFileNonExistent(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error when loading non-existent config file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	testEnvVars := map[string]string{
		"TIDB_PIPELINE_LOG_LEVEL":    "ERROR",
		"TIDB_PIPELINE_METRICS_PORT": "9090",
		"TIDB_PIPELINE_SINK_BACKEND": "azureblob",
		"TIDB_PIPELINE_SINK_BUCKET":  "env-bucket",
		"TIDB_PIPELINE_SINK_DELAY":   "5s",
		"TIDB_PIPELINE_PD_ENDPOINTS": "pd0:2379,pd1:2379,pd2:2379",
		"TIDB_PIPELINE_TOP_N":        "2500",
		"TIDB_PIPELINE_TLS_ENABLED":  "true",
	}

	for key, value := range testEnvVars {
		t.Setenv(key, value)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Global.LogLevel != "ERROR" {
		t.Errorf("Expected LogLevel to be ERROR, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9090 {
		t.Errorf("Expected MetricsPort to be 9090, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Sink.Backend != "azureblob" {
		t.Errorf("Expected Sink.Backend to be azureblob, got %s", cfg.Sink.Backend)
	}
	if cfg.Sink.Bucket != "env-bucket" {
		t.Errorf("Expected Sink.Bucket to be env-bucket, got %s", cfg.Sink.Bucket)
	}
	if cfg.Sink.Delay != 5*time.Second {
		t.Errorf("Expected Sink.Delay to be 5s, got %v", cfg.Sink.Delay)
	}
	if len(cfg.TopSQL.PDEndpoints) != 3 {
		t.Errorf("Expected 3 PD endpoints, got %d", len(cfg.TopSQL.PDEndpoints))
	}
	if cfg.TopSQL.TopN != 2500 {
		t.Errorf("Expected TopSQL.TopN to be 2500, got %d", cfg.TopSQL.TopN)
	}
	if !cfg.Security.TLS.Enabled {
		t.Error("Expected Security.TLS.Enabled to be true")
	}
}

func TestSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "saved_config.yaml")

	cfg := NewDefault()
	cfg.Global.LogLevel = "DEBUG"
	cfg.Sink.Bucket = "saved-bucket"

	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}

	newCfg := NewDefault()
	if err := newCfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}

	if newCfg.Global.LogLevel != "DEBUG" {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", newCfg.Global.LogLevel)
	}
	if newCfg.Sink.Bucket != "saved-bucket" {
		t.Errorf("Expected Sink.Bucket to be saved-bucket, got %s", newCfg.Sink.Bucket)
	}
}

func TestSaveToFileCreateDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := NewDefault()
	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}
	if _, err := os.Stat(filepath.Dir(configFile)); os.IsNotExist(err) {
		t.Error("Config directory was not created")
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
