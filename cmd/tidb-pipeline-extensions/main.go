// Command tidb-pipeline-extensions runs the upload sink: it watches a local
// spool directory for finished files, deduplicates them against an on-disk
// checkpoint, and ships them to the configured object storage backend.
//
// The TopSQL aggregation source (internal/topology, internal/subscriber,
// internal/controller, internal/aggregator) is a separate integration
// surface: production deployment needs a concrete subscriber.Dialer wired
// to the operator's TiDB/TiKV resource-metering gRPC client, which is
// intentionally left out of this binary (see DESIGN.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/pingcap/tidb-pipeline-extensions/internal/checkpoint"
	"github.com/pingcap/tidb-pipeline-extensions/internal/config"
	"github.com/pingcap/tidb-pipeline-extensions/internal/health"
	"github.com/pingcap/tidb-pipeline-extensions/internal/metrics"
	"github.com/pingcap/tidb-pipeline-extensions/internal/spool"
	"github.com/pingcap/tidb-pipeline-extensions/internal/uploader"
	"github.com/pingcap/tidb-pipeline-extensions/internal/uploader/azureblob"
	"github.com/pingcap/tidb-pipeline-extensions/internal/uploader/gcs"
	"github.com/pingcap/tidb-pipeline-extensions/internal/uploader/s3"
	"github.com/pingcap/tidb-pipeline-extensions/internal/uploadsink"
	"github.com/pingcap/tidb-pipeline-extensions/pkg/logging"
)

func main() {
	configPath := flag.String("config", "/etc/tidb-pipeline-extensions/config.yaml", "path to the YAML configuration file")
	spoolDir := flag.String("spool-dir", "/var/lib/tidb-pipeline-extensions/spool", "directory watched for files to upload")
	objectKeyPrefix := flag.String("object-key-prefix", "topsql", "prefix applied to every spooled file's object key")
	flag.Parse()

	if err := run(*configPath, *spoolDir, *objectKeyPrefix); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, spoolDir, objectKeyPrefix string) error {
	cfg := config.NewDefault()
	if _, err := os.Stat(configPath); err == nil {
		if err := cfg.LoadFromFile(configPath); err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return fmt.Errorf("loading config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Global.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	if cfg.Monitoring.Logging.Format == "json" {
		logCfg.Format = logging.FormatJSON
	}
	if cfg.Global.LogFile != "" {
		logCfg.Rotation = &logging.RotationConfig{
			Filename:   cfg.Global.LogFile,
			MaxSize:    cfg.Global.LogMaxSizeMB,
			MaxAge:     cfg.Global.LogMaxAgeDays,
			MaxBackups: cfg.Global.LogMaxBackups,
			Compress:   cfg.Global.LogCompress,
		}
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}
	defer func() { _ = logger.Close() }()
	logger = logger.WithComponent("main")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Port:      cfg.Global.MetricsPort,
		Path:      "/metrics",
		Labels:    cfg.Monitoring.Metrics.CustomLabels,
		Namespace: "tidb_pipeline",
	})
	if err != nil {
		return fmt.Errorf("constructing metrics collector: %w", err)
	}
	if err := collector.Start(ctx); err != nil {
		return fmt.Errorf("starting metrics server: %w", err)
	}

	tracker := health.NewTracker(health.DefaultConfig())
	tracker.RegisterComponent("uploadsink")

	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("constructing backend: %w", err)
	}

	cp := checkpoint.New(cfg.Sink.CheckpointDir, logger)
	if err := cp.Read(); err != nil {
		logger.Warn("failed to read checkpoint file, starting with empty state", map[string]interface{}{"error": err.Error()})
	}

	onSent := func(count int, byteSize int64) {
		collector.RecordOperation("upload", 0, byteSize, count > 0)
		tracker.RecordSuccess("uploadsink")
	}

	sink := uploadsink.New(uploadsink.Config{
		Bucket:         cfg.Sink.Bucket,
		Delay:          cfg.Sink.Delay,
		ExpireAfter:    cfg.Sink.ExpireAfter,
		CheckpointDir:  cfg.Sink.CheckpointDir,
		CircuitBreaker: cfg.Sink.CircuitBreaker,
	}, cp, backend, logger, onSent)

	events := make(chan uploadsink.Event, 64)
	watcher := spool.NewWatcher(spoolDir, objectKeyPrefix, time.Second)

	spoolEvents := make(chan spool.Event, 64)
	go watcher.Run(ctx, spoolEvents)
	go func() {
		for {
			select {
			case <-ctx.Done():
				close(events)
				return
			case ev := <-spoolEvents:
				events <- sinkEvent{ev}
			}
		}
	}()

	logger.Info("upload sink starting", map[string]interface{}{
		"bucket": cfg.Sink.Bucket, "backend": cfg.Sink.Backend, "spool_dir": spoolDir,
	})
	sink.Run(ctx, events)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return collector.Stop(shutdownCtx)
}

// sinkEvent adapts a spool.Event into uploadsink.Event: the only gap is
// Finalizer's declared return type, which must be exactly
// uploadsink.Finalizer for the interface to be satisfied.
type sinkEvent struct {
	spool.Event
}

func (e sinkEvent) Finalizer() uploadsink.Finalizer { return e.Event.Finalizer() }

func buildBackend(ctx context.Context, cfg *config.Configuration) (uploader.Uploader, error) {
	logger, _ := logging.New(logging.DefaultConfig())

	switch cfg.Sink.Backend {
	case "s3":
		client, err := s3.NewClient(ctx, &s3.Config{
			Region:         cfg.Sink.S3.Region,
			Endpoint:       cfg.Sink.S3.Endpoint,
			ForcePathStyle: cfg.Sink.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s3.NewBackend(client, &s3.Config{Region: cfg.Sink.S3.Region}, logger), nil

	case "gcs":
		tokenSource, err := google.DefaultTokenSource(ctx, "https://www.googleapis.com/auth/devstorage.read_write")
		if err != nil {
			return nil, fmt.Errorf("obtaining GCS credentials: %w", err)
		}
		return gcs.NewBackend(tokenSource, gcs.DefaultConfig(), logger), nil

	case "azureblob":
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("obtaining Azure credentials: %w", err)
		}
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.Sink.AzureBlob.AccountName)
		return azureblob.NewBackend(serviceURL, cred, azureblob.DefaultConfig(), logger), nil

	default:
		return nil, fmt.Errorf("unknown sink backend %q", cfg.Sink.Backend)
	}
}
