// Package metrics exposes Prometheus counters, histograms, and gauges:
// operation counts, durations and sizes by operation name and outcome,
// checkpoint dedup hit/miss counts, pending-upload queue depth, and an
// active-connection gauge.
//
// A Collector is created once per process. The reference binary holds it and
// records one "upload" operation from the sink's onSent callback; the sink
// and controller packages do not take a *Collector. Nothing reaches into a
// global registry.
//
//	collector, err := metrics.NewCollector(&metrics.Config{
//		Enabled:   true,
//		Port:      9090,
//		Namespace: "tidb_pipeline",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := collector.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer collector.Stop(ctx)
//
//	start := time.Now()
//	_, size, err := backend.Upload(ctx, bucket, objectKey, localPath)
//	collector.RecordOperation("s3_upload", time.Since(start), size, err == nil)
package metrics
