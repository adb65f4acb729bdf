// Package subscriber implements the per-upstream-instance gRPC streaming
// state machine: connect with exponential-backoff reconnect, stream raw
// TopSQL records into a window buffer, and periodically flush the buffer
// through the aggregator. The actual generated protobuf client is an
// external collaborator reached through the Dialer/Stream interfaces —
// this package never re-specifies the upstream wire schema.
package subscriber

import (
	"context"
	"io"
	"time"

	"github.com/pingcap/tidb-pipeline-extensions/internal/aggregator"
	"github.com/pingcap/tidb-pipeline-extensions/internal/shutdownutil"
	"github.com/pingcap/tidb-pipeline-extensions/internal/topology"
	"github.com/pingcap/tidb-pipeline-extensions/pkg/logging"
	"github.com/pingcap/tidb-pipeline-extensions/pkg/recovery"
)

// Record is one raw item received from an upstream subscription, tagged
// with the digest it belongs to.
type Record struct {
	Digest aggregator.Digest
	Item   aggregator.Item
}

// Stream is the open subscription to one upstream instance.
type Stream interface {
	// Recv blocks for the next record. It returns io.EOF when the upstream
	// closed the stream cleanly.
	Recv() (Record, error)
	Close() error
}

// Dialer builds a gRPC endpoint for a Component (plain, or through a local
// TLS-terminating proxy when TLS is configured) and opens its subscription
// stream.
type Dialer interface {
	Dial(ctx context.Context, component topology.Component) (Stream, error)
}

// OutputFunc delivers a batch of flushed, aggregated records downstream. It
// returns an error only when the downstream is closed, per the host's
// sender contract.
type OutputFunc func(records []aggregator.Record) error

// HeartbeatFunc delivers a synthetic "instance up" event for component.
type HeartbeatFunc func(component topology.Component)

// Config carries the tunables for one subscriber.
type Config struct {
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	FlushIdleInterval time.Duration // flush the window if nothing received for this long
	TopN              int
	DownsampleSec     int64
}

// DefaultConfig matches the values named in §4.9: 1s/30s ticks and a 10s
// flush-if-idle threshold, capped backoff at 60s.
func DefaultConfig() Config {
	return Config{
		InitialBackoff:    time.Second,
		MaxBackoff:        60 * time.Second,
		FlushIdleInterval: 10 * time.Second,
		TopN:              0,
		DownsampleSec:     0,
	}
}

// Subscriber runs the Connecting/Streaming state machine for one Component
// until its shutdown token fires.
type Subscriber struct {
	component topology.Component
	dialer    Dialer
	cfg       Config
	token     *shutdownutil.Token
	output    OutputFunc
	heartbeat HeartbeatFunc
	logger    *logging.Logger
	recovery  *recovery.Manager

	backoff time.Duration
}

// New constructs a Subscriber for one Component. Run must be called
// exactly once; it returns when token is shut down.
//
// The receive loop runs under a recovery.Manager so a panic inside the
// Dialer's Stream implementation (an external collaborator this package
// does not control) is logged and contained instead of taking down every
// other subscriber sharing the controller's process.
func New(component topology.Component, dialer Dialer, cfg Config, token *shutdownutil.Token, output OutputFunc, heartbeat HeartbeatFunc, logger *logging.Logger) *Subscriber {
	if logger == nil {
		logger, _ = logging.New(logging.DefaultConfig())
	}
	return &Subscriber{
		component: component,
		dialer:    dialer,
		cfg:       cfg,
		token:     token,
		output:    output,
		heartbeat: heartbeat,
		logger:    logger.WithComponent("subscriber").WithField("instance", topology.Addr(component)),
		recovery:  recovery.NewManager(recovery.DefaultConfig()),
		backoff:   cfg.InitialBackoff,
	}
}

// Run drives Connecting -> Streaming -> (RetryDelay | RetryNow) -> ...
// until the shutdown token fires, then calls MarkExited.
func (s *Subscriber) Run(ctx context.Context) {
	defer s.token.MarkExited()

	for {
		select {
		case <-s.token.Done():
			return
		default:
		}

		stream, err := s.dialer.Dial(ctx, s.component)
		if err != nil {
			s.logger.Warn("connect failed, backing off", map[string]interface{}{"error": err.Error(), "backoff": s.backoff.String()})
			if !s.sleepBackoff() {
				return
			}
			continue
		}

		s.backoff = s.cfg.InitialBackoff
		immediate := s.runStreaming(ctx, stream)
		_ = stream.Close()

		if s.shuttingDown() {
			return
		}
		if immediate {
			continue // RetryNow: stream ended cleanly, reconnect without delay
		}
		if !s.sleepBackoff() {
			return
		}
	}
}

func (s *Subscriber) shuttingDown() bool {
	select {
	case <-s.token.Done():
		return true
	default:
		return false
	}
}

// sleepBackoff waits the current backoff, doubling it (capped) for next
// time, and returns false if the token was shut down while waiting.
func (s *Subscriber) sleepBackoff() bool {
	timer := time.NewTimer(s.backoff)
	defer timer.Stop()

	s.backoff *= 2
	if s.backoff > s.cfg.MaxBackoff {
		s.backoff = s.cfg.MaxBackoff
	}

	select {
	case <-s.token.Done():
		return false
	case <-timer.C:
		return true
	}
}

type recvResult struct {
	record Record
	err    error
}

// runStreaming implements the Streaming state: concurrently receive
// upstream records, a 1s flush-check tick, and a 30s heartbeat tick, until
// the stream ends, errors, or shutdown fires. It returns true when the
// stream ended cleanly (io.EOF), signalling an immediate reconnect.
func (s *Subscriber) runStreaming(ctx context.Context, stream Stream) bool {
	recvCh := make(chan recvResult)
	recvDone := make(chan struct{})
	s.recovery.GoSupervised("subscriber."+topology.Addr(s.component), func() {
		defer close(recvCh)
		for {
			rec, err := stream.Recv()
			select {
			case recvCh <- recvResult{rec, err}:
			case <-recvDone:
				return
			}
			if err != nil {
				return
			}
		}
	})
	defer close(recvDone)

	window := newWindowBuffer()
	lastEvent := time.Now()

	oneSecond := time.NewTicker(time.Second)
	defer oneSecond.Stop()
	thirtySeconds := time.NewTicker(30 * time.Second)
	defer thirtySeconds.Stop()

	for {
		select {
		case <-s.token.Done():
			return false

		case res, ok := <-recvCh:
			if !ok {
				return true
			}
			if res.err != nil {
				if res.err == io.EOF {
					s.flush(window)
					return true
				}
				s.logger.Warn("stream receive error", map[string]interface{}{"error": res.err.Error()})
				s.flush(window)
				return false
			}
			lastEvent = time.Now()
			window.add(res.record)

		case <-oneSecond.C:
			if time.Since(lastEvent) > s.cfg.FlushIdleInterval {
				s.flush(window)
			}

		case <-thirtySeconds.C:
			if s.heartbeat != nil {
				s.heartbeat(s.component)
			}
		}
	}
}

func (s *Subscriber) flush(w *windowBuffer) {
	records := w.drain()
	if len(records) == 0 {
		return
	}

	out := aggregator.TopN(records, s.cfg.TopN)
	if s.cfg.DownsampleSec > 1 {
		out = aggregator.DownsampleAll(out, s.cfg.DownsampleSec)
	}

	if s.output == nil {
		return
	}
	if err := s.output(out); err != nil {
		s.logger.Warn("downstream closed, dropping flushed batch", map[string]interface{}{"error": err.Error()})
	}
}
