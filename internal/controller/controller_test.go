package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/tidb-pipeline-extensions/internal/shutdownutil"
	"github.com/pingcap/tidb-pipeline-extensions/internal/topology"
)

type fakeFetcher struct {
	mu        sync.Mutex
	snapshots []topology.Snapshot
	idx       int
	err       error
}

func (f *fakeFetcher) Fetch(ctx context.Context) (topology.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.idx >= len(f.snapshots) {
		return f.snapshots[len(f.snapshots)-1], nil
	}
	s := f.snapshots[f.idx]
	f.idx++
	return s, nil
}

func comp(host string) topology.Component {
	return topology.Component{Host: host, PrimaryPort: 4000, InstanceType: topology.TiDB}
}

func TestController_SpawnsOnNewComponent(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []topology.Snapshot{
		topology.NewSnapshot([]topology.Component{comp("a")}),
	}}

	var mu sync.Mutex
	var spawned []topology.Component
	spawn := func(ctx context.Context, c topology.Component, token *shutdownutil.Token) error {
		mu.Lock()
		spawned = append(spawned, c)
		mu.Unlock()
		go func() {
			<-token.Done()
			token.MarkExited()
		}()
		return nil
	}

	ctl := New(Config{TopoFetchInterval: time.Hour}, fetcher, spawn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctl.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(spawned)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for spawn")
		case <-time.After(2 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}

func TestController_StopsRemovedComponent(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []topology.Snapshot{
		topology.NewSnapshot([]topology.Component{comp("a")}),
		topology.NewSnapshot([]topology.Component{}),
	}}

	var mu sync.Mutex
	stopped := false
	spawn := func(ctx context.Context, c topology.Component, token *shutdownutil.Token) error {
		go func() {
			<-token.Done()
			mu.Lock()
			stopped = true
			mu.Unlock()
			token.MarkExited()
		}()
		return nil
	}

	ctl := New(Config{TopoFetchInterval: 5 * time.Millisecond}, fetcher, spawn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctl.Run(ctx)

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		s := stopped
		mu.Unlock()
		if s {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for stop")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestController_FetchErrorIsLoggedAndRetried(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("etcd unavailable")}
	spawn := func(ctx context.Context, c topology.Component, token *shutdownutil.Token) error { return nil }

	ctl := New(Config{TopoFetchInterval: 2 * time.Millisecond}, fetcher, spawn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctl.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ctx cancellation despite fetch errors")
	}
}

func TestController_SpawnErrorDoesNotTrackComponent(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: []topology.Snapshot{
		topology.NewSnapshot([]topology.Component{comp("a")}),
	}}
	spawn := func(ctx context.Context, c topology.Component, token *shutdownutil.Token) error {
		return errors.New("dial failed")
	}

	ctl := New(Config{TopoFetchInterval: time.Hour}, fetcher, spawn, nil)
	if err := ctl.fetchAndDiff(context.Background()); err != nil {
		t.Fatalf("fetchAndDiff: %v", err)
	}
	if len(ctl.running) != 0 {
		t.Errorf("expected no running components after a spawn error, got %d", len(ctl.running))
	}
}
