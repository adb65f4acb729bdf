// Package controller runs the topology-diff spawn/stop loop: it fetches
// the current cluster topology on a fixed interval and keeps one running
// subscriber per live Component, tearing down subscribers for Components
// that have disappeared and starting ones for Components that are new.
package controller

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/pingcap/tidb-pipeline-extensions/internal/shutdownutil"
	"github.com/pingcap/tidb-pipeline-extensions/internal/topology"
	"github.com/pingcap/tidb-pipeline-extensions/pkg/logging"
)

// TopologyFetcher discovers the current set of live Components. It is
// satisfied by *topology.Fetcher; a separate interface here keeps this
// package testable without a real PD/etcd connection.
type TopologyFetcher interface {
	Fetch(ctx context.Context) (topology.Snapshot, error)
}

// SpawnFunc starts a subscriber for component under token and returns
// immediately; it must launch the subscriber's run loop (which will call
// token.MarkExited on exit) in its own goroutine. A non-nil error means the
// subscriber never started, and the controller will not track it.
type SpawnFunc func(ctx context.Context, component topology.Component, token *shutdownutil.Token) error

// Config carries the controller's tunables.
type Config struct {
	TopoFetchInterval time.Duration
}

// Controller maintains the live set of subscribers, diffing successive
// topology snapshots to decide what to spawn and what to stop.
type Controller struct {
	cfg     Config
	fetcher TopologyFetcher
	spawn   SpawnFunc
	logger  *logging.Logger

	components topology.Snapshot
	running    map[topology.Component]*shutdownutil.Token
	root       *shutdownutil.Token
}

// New constructs a Controller. spawn is called once per newly discovered
// Component; it is expected to start a subscriber and let it run until
// its token is shut down.
func New(cfg Config, fetcher TopologyFetcher, spawn SpawnFunc, logger *logging.Logger) *Controller {
	if logger == nil {
		logger, _ = logging.New(logging.DefaultConfig())
	}
	if cfg.TopoFetchInterval <= 0 {
		cfg.TopoFetchInterval = 30 * time.Second
	}
	return &Controller{
		cfg:        cfg,
		fetcher:    fetcher,
		spawn:      spawn,
		logger:     logger.WithComponent("controller"),
		components: make(topology.Snapshot),
		running:    make(map[topology.Component]*shutdownutil.Token),
		root:       shutdownutil.NewRoot(),
	}
}

// Run drives the fetch/diff/spawn/stop loop until ctx is cancelled, then
// shuts down every live subscriber and waits for each to acknowledge exit
// before returning.
func (c *Controller) Run(ctx context.Context) {
	defer c.shutdownAll()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := c.fetchAndDiff(ctx); err != nil {
			c.logger.Error("failed to fetch topology", map[string]interface{}{"error": err.Error()})
		}

		timer.Reset(c.cfg.TopoFetchInterval)
	}
}

func (c *Controller) fetchAndDiff(ctx context.Context) error {
	next, err := c.fetcher.Fetch(ctx)
	if err != nil {
		return err
	}

	added, removed := c.components.Diff(next)

	for _, component := range added {
		c.startComponent(ctx, component)
	}
	c.stopComponents(removed)

	if len(added) > 0 || len(removed) > 0 {
		c.logger.Info("topology changed", map[string]interface{}{
			"added": len(added), "removed": len(removed), "live": len(c.running),
		})
	}

	return nil
}

// startComponent spawns a subscriber for component, rooted under the
// controller's shutdown tree. A component already running (its previous
// incarnation has not yet acknowledged exit) is never respawned.
func (c *Controller) startComponent(ctx context.Context, component topology.Component) {
	if _, alreadyRunning := c.running[component]; alreadyRunning {
		return
	}

	token := c.root.Child()
	if err := c.spawn(ctx, component, token); err != nil {
		c.logger.Error("failed to start subscriber", map[string]interface{}{
			"instance": topology.Addr(component), "error": err.Error(),
		})
		return
	}
	c.running[component] = token
	c.components[component] = struct{}{}
}

// stopComponents signals every component's subscriber to shut down
// concurrently and blocks until all of them acknowledge exit. Fanning the
// wait out rather than shutting each down one at a time keeps one slow
// subscriber from serializing the teardown of every other removed
// component in the same topology diff.
func (c *Controller) stopComponents(components []topology.Component) {
	var wg conc.WaitGroup
	for _, component := range components {
		token, ok := c.running[component]
		if !ok {
			continue
		}
		delete(c.running, component)
		delete(c.components, component)
		wg.Go(token.Shutdown)
	}
	wg.Wait()
}

// shutdownAll stops every live subscriber concurrently, waiting for all of
// them to acknowledge exit before returning.
func (c *Controller) shutdownAll() {
	var wg conc.WaitGroup
	for component, token := range c.running {
		delete(c.running, component)
		wg.Go(token.Shutdown)
	}
	wg.Wait()
}
