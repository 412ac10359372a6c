package noodlenet

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"filippo.io/age"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/discovery"
	"github.com/raskyld/noodlenet/pkg/fault"
	"github.com/raskyld/noodlenet/pkg/identity"
	"github.com/raskyld/noodlenet/pkg/link"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/monitor"
	"github.com/raskyld/noodlenet/pkg/routing"
	"github.com/raskyld/noodlenet/pkg/security"
	"github.com/raskyld/noodlenet/pkg/wire"
)

const (
	DefaultCapacity       = 100.0
	DefaultBatchWindow    = 2 * time.Millisecond
	DefaultRequestTimeout = 10 * time.Second
	DefaultLeaveTimeout   = 5 * time.Second
	DefaultAlertInterval  = time.Second
)

type config struct {
	ident        *identity.Identity
	identityPath string

	trCfg        link.TransportConfig
	quicPort     int
	seeds        []string
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	capacity    float64
	directPeers func(mesh.NodeID) bool

	maxPerPeer     int
	acquireTimeout time.Duration
	maxIdleTime    time.Duration
	requestTimeout time.Duration
	retry          link.RetryPolicy

	maxMessageSize       int
	compressionThreshold int
	batchWindow          time.Duration
	batchMax             int

	peerTTL        time.Duration
	peerGrace      time.Duration
	gossipInterval time.Duration
	gossipFanout   int
	multicast      *discovery.MulticastConfig
	stunServer     string
	leaveTimeout   time.Duration

	strategy   routing.Strategy
	recompute  time.Duration
	debounce   time.Duration
	staleAfter time.Duration

	hbInterval        time.Duration
	missThreshold     int
	replicationFactor int
	repairInterval    time.Duration

	checkpointDir       string
	checkpointInterval  time.Duration
	checkpointRetention int
	checkpointKey       *age.X25519Identity

	trusted     []mesh.NodeID
	grantPolicy security.GrantPolicy
	maxCapTTL   time.Duration
	auditPath   string

	rules         []monitor.Rule
	sinks         []monitor.Sink
	retention     int
	alertInterval time.Duration
}

func defaultConfig() config {
	return config{
		trCfg: link.TransportConfig{
			DialTimeout: 2 * time.Second,
		},
		capacity:             DefaultCapacity,
		directPeers:          func(mesh.NodeID) bool { return true },
		maxPerPeer:           10,
		acquireTimeout:       5 * time.Second,
		maxIdleTime:          time.Minute,
		requestTimeout:       DefaultRequestTimeout,
		retry:                link.DefaultRetryPolicy(),
		maxMessageSize:       wire.DefaultMaxFrameSize,
		batchWindow:          DefaultBatchWindow,
		batchMax:             64,
		peerTTL:              discovery.DefaultPeerTTL,
		peerGrace:            discovery.DefaultGracePeriod,
		gossipInterval:       discovery.DefaultGossipInterval,
		gossipFanout:         discovery.DefaultGossipFanout,
		leaveTimeout:         DefaultLeaveTimeout,
		strategy:             routing.LeastLoaded,
		recompute:            routing.DefaultRecomputeInterval,
		debounce:             routing.DefaultDebounce,
		hbInterval:           fault.DefaultHeartbeatInterval,
		missThreshold:        fault.DefaultMissThreshold,
		replicationFactor:    fault.DefaultReplicationFactor,
		repairInterval:       fault.DefaultRepairInterval,
		checkpointInterval:   fault.DefaultCheckpointInterval,
		checkpointRetention:  fault.DefaultCheckpointRetention,
		grantPolicy:          security.DenyAll,
		retention:            monitor.DefaultRetention,
		alertInterval:        DefaultAlertInterval,
	}
}

// Option to pass to `Create`
type Option func(*config) error

// WithListenOn specifies where the shared UDP and TCP listener binds. A
// port of -1 lets the OS choose.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithAdvertiseAddr overrides the address announced to peers.
func WithAdvertiseAddr(addr string) Option {
	return func(c *config) error {
		c.trCfg.AdvertiseAddr = addr
		return nil
	}
}

// WithQUIC enables mesh streams over QUIC on port, -1 lets the OS choose.
func WithQUIC(port int) Option {
	return func(c *config) error {
		if port == 0 {
			return errors.New("QUIC port must be set, use -1 for any")
		}
		c.quicPort = port
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithMetricLabels adds static labels to the metrics of the transport and of
// the membership layer.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Node`. They are also fed to the node's own collector, which alert
// rules are evaluated against.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithIdentity uses an existing identity instead of generating one.
func WithIdentity(ident *identity.Identity) Option {
	return func(c *config) error {
		if ident == nil {
			return errors.New("nil identity")
		}
		c.ident = ident
		return nil
	}
}

// WithIdentityPath loads the identity from a PEM file, generating and
// saving one on first start.
func WithIdentityPath(path string) Option {
	return func(c *config) error {
		c.identityPath = path
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to accept a connection.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 2 * time.Second
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Shutdown for our
// departure to propagate.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period == 0 {
			period = DefaultLeaveTimeout
		}
		c.leaveTimeout = period
		return nil
	}
}

// WithSeeds controls which peers are tried initially to Join the mesh.
func WithSeeds(seeds []string) Option {
	return func(c *config) error {
		c.seeds = seeds
		return nil
	}
}

// WithCapacity is the capacity this node declares to its peers.
func WithCapacity(capacity float64) Option {
	return func(c *config) error {
		if capacity < 0 {
			return fmt.Errorf("negative capacity %f", capacity)
		}
		c.capacity = capacity
		return nil
	}
}

// WithDirectPeers restricts which peers this node links to directly. Other
// peers are only reached through relays.
func WithDirectPeers(filter func(mesh.NodeID) bool) Option {
	return func(c *config) error {
		if filter == nil {
			filter = func(mesh.NodeID) bool { return true }
		}
		c.directPeers = filter
		return nil
	}
}

// WithPool bounds the connections kept to every peer.
func WithPool(maxPerPeer int, acquireTimeout, maxIdleTime time.Duration) Option {
	return func(c *config) error {
		if maxPerPeer < 1 {
			return fmt.Errorf("max connections per peer must be at least 1, got %d", maxPerPeer)
		}
		if acquireTimeout <= 0 {
			return errors.New("pool acquire timeout must be positive")
		}
		c.maxPerPeer = maxPerPeer
		c.acquireTimeout = acquireTimeout
		c.maxIdleTime = maxIdleTime
		return nil
	}
}

// WithRequestTimeout bounds one exchange with a next hop when the caller
// set no deadline.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return errors.New("request timeout must be positive")
		}
		c.requestTimeout = timeout
		return nil
	}
}

// WithRetry controls how transient transport errors are retried before the
// next hop is suspected.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *config) error {
		if maxRetries < 0 {
			return fmt.Errorf("negative retries %d", maxRetries)
		}
		c.retry.MaxRetries = maxRetries
		c.retry.BaseDelay = baseDelay
		if c.retry.MaxDelay < baseDelay {
			c.retry.MaxDelay = 10 * baseDelay
		}
		return nil
	}
}

// WithMaxMessageSize bounds frames in both directions.
func WithMaxMessageSize(size int) Option {
	return func(c *config) error {
		if size < 1024 {
			return fmt.Errorf("max message size %d is too small", size)
		}
		c.maxMessageSize = size
		return nil
	}
}

// WithCompressionThreshold compresses payloads of at least threshold
// bytes. A negative threshold disables compression.
func WithCompressionThreshold(threshold int) Option {
	return func(c *config) error {
		c.compressionThreshold = threshold
		return nil
	}
}

// WithBatching groups messages bound to the same next hop within window.
// A zero window disables batching.
func WithBatching(window time.Duration, maxBatch int) Option {
	return func(c *config) error {
		if window < 0 {
			return errors.New("negative batch window")
		}
		c.batchWindow = window
		c.batchMax = maxBatch
		return nil
	}
}

// WithPeerTTL controls how long a silent peer stays healthy, and how long it
// then stays unreachable before being forgotten.
func WithPeerTTL(ttl, grace time.Duration) Option {
	return func(c *config) error {
		if ttl <= 0 || grace <= 0 {
			return errors.New("peer ttl and grace period must be positive")
		}
		c.peerTTL = ttl
		c.peerGrace = grace
		return nil
	}
}

func WithGossip(interval time.Duration, fanout int) Option {
	return func(c *config) error {
		if interval <= 0 || fanout < 1 {
			return errors.New("gossip needs a positive interval and fanout")
		}
		c.gossipInterval = interval
		c.gossipFanout = fanout
		return nil
	}
}

// WithMulticast announces the node on a multicast group. An empty group
// uses discovery.DefaultMulticastGroup.
func WithMulticast(group string, ttl int, interval time.Duration) Option {
	return func(c *config) error {
		c.multicast = &discovery.MulticastConfig{
			Group:    group,
			TTL:      ttl,
			Interval: interval,
		}
		return nil
	}
}

// WithSTUN adds the reflexive address found through server to the
// announced addresses.
func WithSTUN(server string) Option {
	return func(c *config) error {
		c.stunServer = server
		return nil
	}
}

func WithStrategy(strategy routing.Strategy) Option {
	return func(c *config) error {
		c.strategy = strategy
		return nil
	}
}

// WithRouting tunes route recomputation. A zero staleAfter derives it from
// the recompute interval.
func WithRouting(recompute, debounce, staleAfter time.Duration) Option {
	return func(c *config) error {
		if recompute < 0 || debounce < 0 || staleAfter < 0 {
			return errors.New("routing intervals must not be negative")
		}
		c.recompute = recompute
		c.debounce = debounce
		c.staleAfter = staleAfter
		return nil
	}
}

// WithHeartbeat controls failure detection: a peer missing threshold
// consecutive heartbeats is unreachable.
func WithHeartbeat(interval time.Duration, threshold int) Option {
	return func(c *config) error {
		if interval <= 0 || threshold < 1 {
			return errors.New("heartbeat needs a positive interval and threshold")
		}
		c.hbInterval = interval
		c.missThreshold = threshold
		return nil
	}
}

func WithReplication(factor int, repairInterval time.Duration) Option {
	return func(c *config) error {
		if factor < 1 {
			return fmt.Errorf("replication factor must be at least 1, got %d", factor)
		}
		c.replicationFactor = factor
		if repairInterval > 0 {
			c.repairInterval = repairInterval
		}
		return nil
	}
}

// WithCheckpoints periodically saves the node state under dir so a restart
// resumes without a discovery cold start.
func WithCheckpoints(dir string, interval time.Duration, retention int) Option {
	return func(c *config) error {
		if dir == "" {
			return errors.New("checkpoint directory is required")
		}
		c.checkpointDir = dir
		if interval > 0 {
			c.checkpointInterval = interval
		}
		if retention > 0 {
			c.checkpointRetention = retention
		}
		return nil
	}
}

// WithCheckpointEncryption encrypts checkpoints to key.
func WithCheckpointEncryption(key *age.X25519Identity) Option {
	return func(c *config) error {
		c.checkpointKey = key
		return nil
	}
}

// WithTrustedIssuers adds root authorities besides the local node.
func WithTrustedIssuers(ids ...mesh.NodeID) Option {
	return func(c *config) error {
		c.trusted = append(c.trusted, ids...)
		return nil
	}
}

// WithGrantPolicy decides which remote capability requests the local root
// authority grants. The default denies them all.
func WithGrantPolicy(policy security.GrantPolicy) Option {
	return func(c *config) error {
		c.grantPolicy = policy
		return nil
	}
}

func WithMaxCapabilityTTL(ttl time.Duration) Option {
	return func(c *config) error {
		c.maxCapTTL = ttl
		return nil
	}
}

// WithAuditLog writes the audit log to path, rotated. Without it, the log
// is only kept in memory.
func WithAuditLog(path string) Option {
	return func(c *config) error {
		c.auditPath = path
		return nil
	}
}

func WithAlertRules(rules ...monitor.Rule) Option {
	return func(c *config) error {
		c.rules = append(c.rules, rules...)
		return nil
	}
}

func WithAlertSinks(sinks ...monitor.Sink) Option {
	return func(c *config) error {
		c.sinks = append(c.sinks, sinks...)
		return nil
	}
}

// WithMetricRetention bounds how many samples per series the node keeps.
func WithMetricRetention(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("metric retention must be at least 1, got %d", n)
		}
		c.retention = n
		return nil
	}
}
