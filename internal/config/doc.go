/*
Package config provides configuration management for the pipeline extensions
process with multi-source support.

This package implements a hierarchical configuration system that supports
compiled-in defaults, YAML files and environment variables, covering both domain
surfaces (the upload sink and the TopSQL aggregation source) plus the ambient
concerns (logging, metrics, health checks) shared between them.

# Configuration Architecture

Multi-source configuration hierarchy with precedence:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│        (TIDB_PIPELINE_*)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration Files                 │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│        (Compiled-in defaults)              │
	└─────────────────────────────────────────────┘

# Configuration Structure

Global Settings:
- Logging level and destination
- Service ports (metrics, health)

Sink Settings:
- Backend selection (s3, gcs, azureblob) and its credentials/endpoint
- Delay-queue and checkpoint TTL tunables
- Circuit breaker parameters wrapping every backend call

TopSQL Settings:
- PD endpoints used for topology discovery
- Topology fetch interval
- Per-subscriber backoff, flush interval, top-N and downsample tunables

Security Settings:
- mTLS settings for etcd/PD and per-upstream gRPC connections

Monitoring Settings:
- Metrics collection settings
- Health check parameters
- Structured logging configuration

# Usage Examples

Loading configuration:

	cfg := config.NewDefault()

	if err := cfg.LoadFromFile("/etc/tidb-pipeline-extensions/config.yaml"); err != nil {
		log.Fatal(err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

Configuration file format:

	global:
	  log_level: INFO
	  metrics_port: 8080
	  health_port: 8081

	sink:
	  backend: s3
	  bucket: my-o11y-bucket
	  delay: 30s
	  expire_after: 24h
	  checkpoint_dir: /var/lib/tidb-pipeline-extensions/checkpoints
	  s3:
	    region: us-east-1

	topsql:
	  pd_endpoints: ["pd0:2379", "pd1:2379"]
	  topo_fetch_interval: 30s
	  top_n: 5000

Environment variable mapping:

	TIDB_PIPELINE_LOG_LEVEL="DEBUG"
	TIDB_PIPELINE_METRICS_PORT="9090"
	TIDB_PIPELINE_SINK_BACKEND="gcs"
	TIDB_PIPELINE_SINK_BUCKET="my-bucket"
	TIDB_PIPELINE_PD_ENDPOINTS="pd0:2379,pd1:2379"

This package provides the foundation for configuration management across both
the upload sink process and the TopSQL aggregation source process.
*/
package config
