package coalesce

import (
	"crypto/tls"
	"log/slog"
	"strconv"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/serf/serf"
)

// poolSizeTag is the serf member tag every node publishes so peers can
// validate pool-size consistency before routing to them (see
// ErrPoolSizeMismatch).
const poolSizeTag = "coalesce_pool_size"

type config struct {
	serfCfg      *serf.Config
	trCfg        TransportConfig
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	neighbours   []string

	poolPrefix string
	poolSize   int

	registry *Registry
	watcher  LivenessWatcher
	deliver  Deliverer
}

// Option configures a Mesh created with Create.
type Option func(*config) error

// WithListenOn specifies which UDP interface must be used for both gossip
// and the delegate transport.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.serfCfg.MemberlistConfig.BindAddr = addr
		c.serfCfg.MemberlistConfig.BindPort = port
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithLog specifies which slog.Handler to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithHostname specifies which node name should be exposed to other peers
// when joining the cluster. For a well-behaving cluster, the name MUST be
// unique.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		if hostname != "" {
			c.serfCfg.NodeName = hostname
			c.serfCfg.MemberlistConfig.Name = hostname
		}
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Mesh.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels

		// TODO: drop this translation once memberlist accepts the
		// hashicorp/go-metrics label type directly.
		c.serfCfg.MemberlistConfig.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.serfCfg.MemberlistConfig.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithTlsConfig sets the tls.Config used to secure the delegate transport.
// mTLS is required: peer certificates are how nodes resolve each other's
// hostname.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithHintMaxFlows gives an indication of the maximum number of concurrent
// RPC streams you intend to hold open with any one peer.
func WithHintMaxFlows(hint int64) Option {
	return func(c *config) error {
		if hint == 0 {
			hint = 10000
		}
		c.trCfg.HintMaxFlows = hint
		return nil
	}
}

// WithMetricSink chooses how to collect the metrics emitted by the Mesh.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to accept a connection. It does not bound invocation replies,
// which are, per the fan-out contract, awaited with an infinite timeout.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithGracePeriod controls how much time Shutdown waits for in-flight
// traffic to flush before forcibly closing connections.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period == 0 {
			period = 10 * time.Second
		}
		c.trCfg.GracePeriod = period
		return nil
	}
}

// WithNeighbours controls which peers are contacted initially to join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithPool sets the delegate pool this node will run: size workers
// registered as prefix+0 .. prefix+(size-1).
func WithPool(prefix string, size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return ErrInvalidCfg
		}
		c.poolPrefix = prefix
		c.poolSize = size
		return nil
	}
}

// WithRegistry supplies the Registry symbolic operations are resolved
// against. Every node that might execute a given symbolic operation must be
// configured with an equivalent registration.
func WithRegistry(registry *Registry) Option {
	return func(c *config) error {
		c.registry = registry
		return nil
	}
}

// WithLivenessWatcher supplies the host application's native, single-node
// liveness mechanism. The monitor registry falls through to it for local
// targets and uses it to back remote subscriptions on the watched side.
func WithLivenessWatcher(watcher LivenessWatcher) Option {
	return func(c *config) error {
		c.watcher = watcher
		return nil
	}
}

// WithDeliverer supplies the host application's callback for handing a
// message to one of its own local targets. It backs call/cast and is how a
// delegate gets a down-notification back to a local observer.
func WithDeliverer(deliver Deliverer) Option {
	return func(c *config) error {
		c.deliver = deliver
		return nil
	}
}

func poolSizeOf(m serf.Member) (int, bool) {
	raw, ok := m.Tags[poolSizeTag]
	if !ok {
		return 0, false
	}
	size, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return size, true
}
