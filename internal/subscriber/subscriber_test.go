package subscriber

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/tidb-pipeline-extensions/internal/aggregator"
	"github.com/pingcap/tidb-pipeline-extensions/internal/shutdownutil"
	"github.com/pingcap/tidb-pipeline-extensions/internal/topology"
)

type fakeStream struct {
	mu      sync.Mutex
	records []Record
	err     error
	closed  bool
}

func (s *fakeStream) Recv() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) > 0 {
		r := s.records[0]
		s.records = s.records[1:]
		return r, nil
	}
	if s.err != nil {
		return Record{}, s.err
	}
	// block until closed or more records arrive, simulating a live stream
	for !s.closed && len(s.records) == 0 && s.err == nil {
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
		s.mu.Lock()
	}
	if s.err != nil {
		return Record{}, s.err
	}
	return Record{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeDialer struct {
	mu        sync.Mutex
	dialCalls int
	streams   []*fakeStream
	dialErr   error
}

func (d *fakeDialer) Dial(ctx context.Context, c topology.Component) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialCalls++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	if len(d.streams) == 0 {
		return &fakeStream{err: io.EOF}, nil
	}
	s := d.streams[0]
	d.streams = d.streams[1:]
	return s, nil
}

func TestSubscriber_FlushesOnIdleTick(t *testing.T) {
	stream := &fakeStream{records: []Record{
		{Digest: aggregator.Digest{SQLDigest: "a"}, Item: aggregator.Item{TimestampSec: 1, CPUTimeMs: 10}},
	}}
	dialer := &fakeDialer{streams: []*fakeStream{stream}}
	token := shutdownutil.NewRoot()

	var mu sync.Mutex
	var flushed []aggregator.Record
	output := func(records []aggregator.Record) error {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, records...)
		return nil
	}

	cfg := Config{InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, FlushIdleInterval: 0}
	sub := New(topology.Component{Host: "h", PrimaryPort: 1}, dialer, cfg, token, output, nil, nil)

	go sub.Run(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(flushed)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a flush")
		case <-time.After(5 * time.Millisecond):
		}
	}

	token.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) == 0 {
		t.Fatal("expected at least one flushed record")
	}
}

func TestSubscriber_ReconnectsAfterDialError(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("connection refused")}
	token := shutdownutil.NewRoot()
	cfg := Config{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, FlushIdleInterval: time.Second}
	sub := New(topology.Component{Host: "h", PrimaryPort: 1}, dialer, cfg, token, nil, nil, nil)

	go sub.Run(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		dialer.mu.Lock()
		calls := dialer.dialCalls
		dialer.mu.Unlock()
		if calls >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for multiple dial attempts")
		case <-time.After(2 * time.Millisecond):
		}
	}

	token.Shutdown()
}

func TestSubscriber_ShutdownStopsRunPromptly(t *testing.T) {
	dialer := &fakeDialer{streams: []*fakeStream{{err: io.EOF}}}
	token := shutdownutil.NewRoot()
	cfg := DefaultConfig()
	cfg.InitialBackoff = 50 * time.Millisecond
	sub := New(topology.Component{Host: "h", PrimaryPort: 1}, dialer, cfg, token, nil, nil, nil)

	go sub.Run(context.Background())
	time.Sleep(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		token.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return promptly")
	}
}
