// Package recovery wraps goroutines and fallible operations with panic
// safety and a choice of retry, circuit-breaker or fail-fast strategies.
// The per-upstream subscriber runs its stream-receive goroutine through
// GoSupervised; the uploader backends and the topology fetcher use
// pkg/retry and internal/circuit directly, not this package.
package recovery

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pingcap/tidb-pipeline-extensions/internal/circuit"
	"github.com/pingcap/tidb-pipeline-extensions/pkg/errors"
	"github.com/pingcap/tidb-pipeline-extensions/pkg/logging"
	"github.com/pingcap/tidb-pipeline-extensions/pkg/retry"
)

// Strategy defines how to handle and recover from errors in a given call.
type Strategy int

const (
	// StrategyRetry attempts to retry the operation with backoff.
	StrategyRetry Strategy = iota
	// StrategyCircuitBreaker uses a circuit breaker to prevent cascading failures.
	StrategyCircuitBreaker
	// StrategyFailFast immediately fails without retry.
	StrategyFailFast
)

// Config configures a Manager's default behavior.
type Config struct {
	DefaultStrategy Strategy
	RetryConfig     retry.Config
	BreakerConfig   circuit.Config
	Logger          *logging.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy: StrategyRetry,
		RetryConfig:     retry.DefaultConfig(),
		BreakerConfig: circuit.Config{
			MaxRequests: 5,
			Interval:    30 * time.Second,
			Timeout:     60 * time.Second,
		},
	}
}

// Manager executes operations on behalf of a component (an uploader
// backend, the topology fetcher, a subscriber) with a chosen recovery
// strategy, and supervises goroutines so a panic in one subscriber never
// takes down the controller.
type Manager struct {
	config  Config
	retryer *retry.Retryer
	logger  *logging.Logger

	mu       sync.Mutex
	breakers map[string]*circuit.CircuitBreaker
}

// NewManager creates a new recovery Manager.
func NewManager(config Config) *Manager {
	if config.Logger == nil {
		logger, _ := logging.New(logging.DefaultConfig())
		config.Logger = logger
	}
	return &Manager{
		config:   config,
		retryer:  retry.New(config.RetryConfig),
		logger:   config.Logger,
		breakers: make(map[string]*circuit.CircuitBreaker),
	}
}

func (m *Manager) breaker(component string) *circuit.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[component]; ok {
		return b
	}
	b := circuit.NewCircuitBreaker(component, m.config.BreakerConfig)
	m.breakers[component] = b
	return b
}

// Execute runs fn under the given strategy, tagging any failure with
// component/operation context.
func (m *Manager) Execute(ctx context.Context, component, operation string, strategy Strategy, fn func(context.Context) error) error {
	switch strategy {
	case StrategyCircuitBreaker:
		b := m.breaker(component)
		err := b.ExecuteWithContext(ctx, fn)
		if err == circuit.ErrOpenState {
			return errors.New(errors.CodeConnectionFailed, "circuit open, skipping call").
				WithComponent(component).WithOperation(operation).WithCause(err)
		}
		return m.annotate(err, component, operation)
	case StrategyFailFast:
		return m.annotate(fn(ctx), component, operation)
	default:
		err := m.retryer.DoWithContext(ctx, fn)
		return m.annotate(err, component, operation)
	}
}

func (m *Manager) annotate(err error, component, operation string) error {
	if err == nil {
		return nil
	}
	var pe *errors.PipelineError
	if e, ok := err.(*errors.PipelineError); ok {
		pe = e
	} else {
		pe = errors.New(errors.CodeInternalError, err.Error()).WithCause(err)
	}
	return pe.WithComponent(component).WithOperation(operation)
}

// GoSupervised runs fn in a new goroutine, recovering from any panic and
// logging it with its stack instead of crashing the process. The subscriber
// uses it for its stream-receive goroutine.
func (m *Manager) GoSupervised(component string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				m.logger.Error("recovered from panic", map[string]interface{}{
					"component": component,
					"panic":     fmt.Sprintf("%v", r),
					"stack":     stack,
				})
			}
		}()
		fn()
	}()
}
