package topology

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/pingcap/tidb-pipeline-extensions/internal/circuit"
	"github.com/pingcap/tidb-pipeline-extensions/pkg/errors"
	"github.com/pingcap/tidb-pipeline-extensions/pkg/logging"
	"github.com/pingcap/tidb-pipeline-extensions/pkg/retry"
)

// instanceInfo is the subset of PD's topology JSON value this fetcher needs.
// PD publishes richer payloads per instance type; everything else is
// ignored.
type instanceInfo struct {
	StatusPort int `json:"status_port"`
}

// defaultPrefixes maps each instance type to the etcd key prefix PD publishes it
// under. TiFlash instances are registered as TiKV stores with a distinct
// label, which this fetcher does not attempt to special-case: callers that
// need to separate TiFlash from TiKV should configure distinct prefixes.
var defaultPrefixes = map[InstanceType]string{
	TiDB: "/topology/tidb/",
	TiKV: "/topology/tikv/",
	PD:   "/topology/pd/",
}

// TLSConfig carries optional mTLS material for the etcd connection.
type TLSConfig struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

func (c *TLSConfig) buildTLS() (*tls.Config, error) {
	if c == nil || (c.CAFile == "" && c.CertFile == "" && c.KeyFile == "") {
		return nil, nil
	}
	if c.CAFile == "" || c.CertFile == "" || c.KeyFile == "" {
		return nil, errors.New(errors.CodeTLSConfig, "ca, cert and private key must all be configured").
			WithComponent("topology").WithOperation("buildTLS")
	}

	caPEM, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, errors.New(errors.CodeTLSConfig, "reading CA file").
			WithComponent("topology").WithOperation("buildTLS").WithCause(err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New(errors.CodeTLSConfig, "CA file contains no valid certificates").
			WithComponent("topology").WithOperation("buildTLS")
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.New(errors.CodeTLSConfig, "loading client certificate").
			WithComponent("topology").WithOperation("buildTLS").WithCause(err)
	}

	return &tls.Config{RootCAs: pool, Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// Fetcher queries PD's embedded etcd for the current topology.
type Fetcher struct {
	client   *clientv3.Client
	prefixes map[InstanceType]string
	logger   *logging.Logger
	retryer  *retry.Retryer
	breaker  *circuit.CircuitBreaker
}

// NewFetcher dials the PD/etcd endpoints. tlsCfg may be nil for a plaintext
// connection. breakerCfg configures the circuit breaker wrapping every etcd
// Get this Fetcher issues, so a PD/etcd outage stops being retried into the
// ground once it's clearly not transient.
func NewFetcher(endpoints []string, tlsCfg *TLSConfig, breakerCfg circuit.Config, logger *logging.Logger) (*Fetcher, error) {
	if logger == nil {
		logger, _ = logging.New(logging.DefaultConfig())
	}

	tlsConf, err := tlsCfg.buildTLS()
	if err != nil {
		return nil, err
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		TLS:         tlsConf,
	})
	if err != nil {
		return nil, errors.New(errors.CodeConnectionFailed, "connecting to PD/etcd").
			WithComponent("topology").WithOperation("NewFetcher").WithCause(err)
	}

	return &Fetcher{
		client:   client,
		prefixes: defaultPrefixes,
		logger:   logger.WithComponent("topology"),
		retryer:  retry.New(retry.DefaultConfig()).WithMaxAttempts(3).WithInitialDelay(200 * time.Millisecond),
		breaker:  circuit.NewUploadBreaker("topology.etcd", breakerCfg),
	}, nil
}

// Close releases the underlying etcd client.
func (f *Fetcher) Close() error {
	return f.client.Close()
}

// Fetch queries every configured instance-type prefix and returns the
// resulting Snapshot. A failure for any one prefix fails the whole fetch —
// the controller is expected to log and retry on the next interval.
func (f *Fetcher) Fetch(ctx context.Context) (Snapshot, error) {
	var components []Component

	for instanceType, prefix := range f.prefixes {
		var resp *clientv3.GetResponse
		err := f.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
			return f.retryer.DoWithContext(ctx, func(ctx context.Context) error {
				var getErr error
				resp, getErr = f.client.Get(ctx, prefix, clientv3.WithPrefix())
				if getErr != nil {
					return errors.New(errors.CodeConnectionFailed, "etcd Get").WithCause(getErr)
				}
				return nil
			})
		})
		if err != nil {
			return nil, errors.New(errors.CodeTopologyFetch, "listing topology keys").
				WithComponent("topology").WithOperation("Fetch").
				WithDetail("prefix", prefix).WithCause(err)
		}

		for _, kv := range resp.Kvs {
			component, ok := parseComponent(instanceType, prefix, string(kv.Key), kv.Value)
			if !ok {
				f.logger.Warn("skipping unparseable topology key", map[string]interface{}{"key": string(kv.Key)})
				continue
			}
			components = append(components, component)
		}
	}

	return NewSnapshot(components), nil
}

// parseComponent extracts the host:port address from the etcd key (the
// path segment immediately after prefix) and the status port from the
// JSON value.
func parseComponent(instanceType InstanceType, prefix, key string, value []byte) (Component, bool) {
	rest := strings.TrimPrefix(key, prefix)
	addr := rest
	if idx := strings.Index(rest, "/"); idx >= 0 {
		addr = rest[:idx]
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Component{}, false
	}
	primaryPort, err := strconv.Atoi(portStr)
	if err != nil {
		return Component{}, false
	}

	var info instanceInfo
	if err := json.Unmarshal(value, &info); err != nil {
		return Component{}, false
	}

	return Component{
		Host:          host,
		PrimaryPort:   primaryPort,
		SecondaryPort: info.StatusPort,
		InstanceType:  instanceType,
	}, true
}

// Addr formats a Component's primary service address.
func Addr(c Component) string {
	return fmt.Sprintf("%s:%d", c.Host, c.PrimaryPort)
}
