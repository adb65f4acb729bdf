// Package uploadsink wires together the checkpointer, the content-hash
// idempotence check and the per-backend uploader into the event-driven sink
// loop: dedup incoming "file ready" events against a delay queue and the
// checkpoint store, then hand due uploads to the backend one at a time.
package uploadsink

import (
	"context"
	"os"
	"time"

	"github.com/pingcap/tidb-pipeline-extensions/internal/checkpoint"
	"github.com/pingcap/tidb-pipeline-extensions/internal/circuit"
	"github.com/pingcap/tidb-pipeline-extensions/internal/uploader"
	"github.com/pingcap/tidb-pipeline-extensions/pkg/logging"
)

// Finalizer is the host's acknowledgement handle for one event. Exactly one
// of Delivered or Rejected must be called per event.
type Finalizer interface {
	Delivered()
	Rejected()
}

// Event is the minimal shape the sink needs from a host event: the fields
// used to derive an UploadKey, plus its finalizer.
type Event interface {
	checkpoint.EventFields
	Finalizer() Finalizer
}

// EventsSentFunc receives a byte-accounting record for each due upload that
// ends Delivered: (count, bytes) after a successful upload, or (0, 0) when
// the idempotence check skipped the upload. The host uses it for metrics,
// not the sink's own correctness.
type EventsSentFunc func(count int, byteSize int64)

// Config carries the sink's tunables, independent of backend choice.
type Config struct {
	Bucket         string
	Delay          time.Duration // delay between event intake and upload attempt
	ExpireAfter    time.Duration // checkpoint TTL after a successful upload
	CheckpointDir  string
	CircuitBreaker circuit.Config
}

// Sink is the delay-queued, deduplicating upload core. One Sink serializes
// all uploads for its backend: the sink loop never issues two uploads
// concurrently.
type Sink struct {
	cfg        Config
	checkpoint *checkpoint.Checkpointer
	backend    uploader.Uploader
	logger     *logging.Logger
	onSent     EventsSentFunc
	breaker    *circuit.CircuitBreaker

	pending map[checkpoint.Key]struct{}
	queue   delayQueue
}

// New constructs a Sink. The checkpointer's Read must be called by the
// caller before Run, so that startup dedup state is in place before the
// first event arrives.
//
// Upload attempts run through a circuit breaker so a backend that is down
// (sustained 5xx / connection failures) trips after repeated failures and
// fails fast for a cooldown period instead of blocking the sink loop on
// every delay-queue fire with a doomed network call.
func New(cfg Config, cp *checkpoint.Checkpointer, backend uploader.Uploader, logger *logging.Logger, onSent EventsSentFunc) *Sink {
	if logger == nil {
		logger, _ = logging.New(logging.DefaultConfig())
	}
	if onSent == nil {
		onSent = func(int, int64) {}
	}
	return &Sink{
		cfg:        cfg,
		checkpoint: cp,
		backend:    backend,
		logger:     logger.WithComponent("uploadsink"),
		onSent:     onSent,
		breaker:    circuit.NewUploadBreaker("uploadsink."+cfg.Bucket, cfg.CircuitBreaker),
		pending:    make(map[checkpoint.Key]struct{}),
	}
}

// Run consumes events until the channel is closed or ctx is cancelled. Every
// iteration awaits either the next event or the next delay-queue expiry, per
// the suspension-point contract: no polling, no busy loop.
func (s *Sink) Run(ctx context.Context, events <-chan Event) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.rearm(timer)

		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		case <-timer.C:
			s.fireExpired(ctx)
		}
	}
}

func (s *Sink) rearm(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	fireAt, ok := s.queue.peekFireAt()
	if !ok {
		timer.Reset(time.Hour)
		return
	}
	d := time.Until(fireAt)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

// handleEvent implements spec step "per incoming event": derive the key,
// stat the file, check dedup, and either drop with a finalization or queue
// the upload for later.
func (s *Sink) handleEvent(ev Event) {
	finalizer := ev.Finalizer()

	key, err := checkpoint.FromEvent(ev, s.cfg.Bucket)
	if err != nil {
		s.logger.Warn("rejecting event with invalid upload key", map[string]interface{}{"error": err.Error()})
		finalizer.Rejected()
		return
	}

	info, err := os.Stat(key.Filename)
	if err != nil {
		s.logger.Warn("rejecting event, could not stat file", map[string]interface{}{
			"filename": key.Filename, "error": err.Error(),
		})
		finalizer.Rejected()
		return
	}
	modifiedAt := info.ModTime()

	if _, alreadyPending := s.pending[key]; alreadyPending {
		finalizer.Delivered()
		return
	}
	if s.checkpoint.Contains(key, modifiedAt) {
		finalizer.Delivered()
		return
	}

	s.pending[key] = struct{}{}
	s.queue.insert(&queueItem{
		key:       key,
		fireAt:    time.Now().Add(s.cfg.Delay),
		localPath: key.Filename,
		objectKey: key.ObjectKey,
		finalizer: finalizer,
	})
}

// fireExpired implements spec step "per delay-queue fire": for every item
// whose delay has elapsed, remove it from the pending set and attempt the
// upload, strictly one at a time.
func (s *Sink) fireExpired(ctx context.Context) {
	due := s.queue.popExpired(time.Now())
	for _, item := range due {
		delete(s.pending, item.key)
		s.processDue(ctx, item)
	}

	if n, err := s.checkpoint.Write(); err != nil {
		s.logger.Warn("checkpoint write failed, will retry next tick", map[string]interface{}{"error": err.Error()})
	} else {
		s.logger.Debug("checkpoint written", map[string]interface{}{"entries": n})
	}
}

func (s *Sink) processDue(ctx context.Context, item *queueItem) {
	uploadTime := time.Now()

	var need bool
	err := s.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		var needErr error
		need, needErr = s.backend.NeedUpload(ctx, s.cfg.Bucket, item.objectKey, item.localPath)
		return needErr
	})
	if err != nil {
		// NeedUpload always returns need=true alongside a non-nil error
		// (the contract is "any uncertainty, proceed to upload"); the same
		// holds when the breaker itself rejects the call before NeedUpload
		// ever runs. Log and fall through to the normal upload attempt.
		need = true
		s.logger.Warn("idempotence check failed, proceeding to upload", map[string]interface{}{
			"filename": item.localPath, "bucket": s.cfg.Bucket, "object_key": item.objectKey, "error": err.Error(),
		})
	}
	if !need {
		item.finalizer.Delivered()
		s.onSent(0, 0)
		s.checkpoint.Update(item.key, uploadTime, s.cfg.ExpireAfter)
		return
	}

	var count int
	var byteSize int64
	err = s.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		var uploadErr error
		count, byteSize, uploadErr = s.backend.Upload(ctx, s.cfg.Bucket, item.objectKey, item.localPath)
		return uploadErr
	})
	if err != nil {
		s.logger.Error("upload failed", map[string]interface{}{
			"filename": item.localPath, "bucket": s.cfg.Bucket, "object_key": item.objectKey, "error": err.Error(),
		})
		item.finalizer.Rejected()
		return
	}

	if count > 0 {
		s.logger.Info("uploaded file", map[string]interface{}{
			"filename": item.localPath, "bucket": s.cfg.Bucket, "object_key": item.objectKey, "byte_size": byteSize,
		})
	}
	item.finalizer.Delivered()
	s.onSent(count, byteSize)
	s.checkpoint.Update(item.key, uploadTime, s.cfg.ExpireAfter)
}
