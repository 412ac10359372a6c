// Package config loads the deployment settings of a node.
//
// Settings come, in increasing priority, from the defaults, an optional
// YAML file, an optional .env file and NOODLENET_* environment variables.
// The environment variable of a setting is its YAML key in upper case,
// prefixed with NOODLENET_: peer_ttl_s is read from NOODLENET_PEER_TTL_S.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/raskyld/noodlenet"
	"github.com/raskyld/noodlenet/pkg/discovery"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/monitor"
	"github.com/raskyld/noodlenet/pkg/routing"
	"github.com/raskyld/noodlenet/pkg/wire"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "NOODLENET_"

var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	// Pool and transport.
	MaxConnectionsPerPeer int     `yaml:"max_connections_per_peer"`
	ConnectionTimeoutS    float64 `yaml:"connection_timeout_s"`
	PoolAcquireTimeoutS   float64 `yaml:"pool_acquire_timeout_s"`
	MaxIdleTimeS          float64 `yaml:"max_idle_time_s"`
	MaxRetries            int     `yaml:"max_retries"`
	RetryDelayMs          float64 `yaml:"retry_delay_ms"`
	MaxMessageSize        int     `yaml:"max_message_size"`
	CompressionThreshold  int     `yaml:"compression_threshold"`
	BatchFlushWindowMs    float64 `yaml:"batch_flush_window_ms"`

	BindAddr      string   `yaml:"bind_addr"`
	BindPort      int      `yaml:"bind_port"`
	AdvertiseAddr string   `yaml:"advertise_addr"`
	QUICPort      int      `yaml:"quic_port"`
	Seeds         []string `yaml:"seeds"`
	Capacity      float64  `yaml:"capacity"`

	// Discovery.
	PeerTTLS           float64 `yaml:"peer_ttl_s"`
	GossipIntervalS    float64 `yaml:"gossip_interval_s"`
	GossipFanout       int     `yaml:"gossip_fanout"`
	MulticastEnabled   bool    `yaml:"multicast_enabled"`
	MulticastGroup     string  `yaml:"multicast_group"`
	MulticastTTL       int     `yaml:"multicast_ttl"`
	AnnounceIntervalS  float64 `yaml:"announce_interval_s"`
	STUNServer         string  `yaml:"stun_server"`
	HeartbeatIntervalS float64 `yaml:"heartbeat_interval_s"`
	HeartbeatMisses    int     `yaml:"heartbeat_miss_threshold"`

	// Routing.
	LoadBalancingStrategy   string  `yaml:"load_balancing_strategy"`
	RouteRecomputeIntervalS float64 `yaml:"route_recompute_interval_s"`
	RouteDebounceMs         float64 `yaml:"route_debounce_ms"`
	RouteStaleAfterS        float64 `yaml:"route_stale_after_s"`

	// Fault tolerance.
	ReplicationFactor   int     `yaml:"replication_factor"`
	CheckpointDir       string  `yaml:"checkpoint_dir"`
	CheckpointIntervalS float64 `yaml:"checkpoint_interval_s"`
	CheckpointRetention int     `yaml:"checkpoint_retention"`

	// Security.
	IdentityPath   string   `yaml:"identity_path"`
	AuditLogPath   string   `yaml:"audit_log_path"`
	TrustedIssuers []string `yaml:"trusted_issuers"`

	// Operations.
	AdminAddr    string `yaml:"admin_addr"`
	AlertWebhook string `yaml:"alert_webhook"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
}

func Default() *Config {
	return &Config{
		MaxConnectionsPerPeer: 10,
		ConnectionTimeoutS:    2,
		PoolAcquireTimeoutS:   5,
		MaxIdleTimeS:          60,
		MaxRetries:            3,
		RetryDelayMs:          1000,
		MaxMessageSize:        wire.DefaultMaxFrameSize,
		BatchFlushWindowMs:    seconds(noodlenet.DefaultBatchWindow) * 1000,
		BindAddr:              "0.0.0.0",
		BindPort:              4040,
		Capacity:              noodlenet.DefaultCapacity,

		PeerTTLS:           seconds(discovery.DefaultPeerTTL),
		GossipIntervalS:    seconds(discovery.DefaultGossipInterval),
		GossipFanout:       discovery.DefaultGossipFanout,
		MulticastGroup:     discovery.DefaultMulticastGroup,
		MulticastTTL:       discovery.DefaultMulticastTTL,
		AnnounceIntervalS:  seconds(discovery.DefaultAnnounceInterval),
		HeartbeatIntervalS: 5,
		HeartbeatMisses:    3,

		LoadBalancingStrategy:   routing.LeastLoaded.String(),
		RouteRecomputeIntervalS: seconds(routing.DefaultRecomputeInterval),
		RouteDebounceMs:         seconds(routing.DefaultDebounce) * 1000,

		ReplicationFactor:   3,
		CheckpointIntervalS: 60,
		CheckpointRetention: 5,

		AdminAddr: "127.0.0.1:9040",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load builds the configuration of a node. path and envFile are optional,
// a missing .env file is not an error.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
		}
	}

	if envFile != "" {
		// godotenv never overrides variables already set.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, envFile, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides every field whose variable is set.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := range t.NumField() {
		key := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		name := EnvPrefix + strings.ToUpper(key)
		raw, ok := lookup(name)
		if !ok {
			continue
		}
		if err := setField(v.Field(i), strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, name, err)
		}
	}
	return nil
}

func setField(f reflect.Value, raw string) error {
	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		f.SetInt(int64(n))
	case reflect.Float64:
		x, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		f.SetFloat(x)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		f.SetBool(b)
	case reflect.Slice:
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		f.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported kind %s", f.Kind())
	}
	return nil
}

// Validate rejects out of range values.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.MaxConnectionsPerPeer >= 1, "max_connections_per_peer must be at least 1")
	check(c.ConnectionTimeoutS > 0, "connection_timeout_s must be positive")
	check(c.PoolAcquireTimeoutS > 0, "pool_acquire_timeout_s must be positive")
	check(c.MaxIdleTimeS >= 0, "max_idle_time_s must not be negative")
	check(c.MaxRetries >= 0, "max_retries must not be negative")
	check(c.RetryDelayMs > 0, "retry_delay_ms must be positive")
	check(c.MaxMessageSize >= 1024, "max_message_size must be at least 1024")
	check(c.BatchFlushWindowMs >= 0, "batch_flush_window_ms must not be negative")
	check(c.BindPort >= -1 && c.BindPort <= math.MaxUint16, "bind_port %d is out of range", c.BindPort)
	check(c.QUICPort >= -1 && c.QUICPort <= math.MaxUint16, "quic_port %d is out of range", c.QUICPort)
	check(c.Capacity >= 0, "capacity must not be negative")
	check(c.PeerTTLS > 0, "peer_ttl_s must be positive")
	check(c.GossipIntervalS > 0, "gossip_interval_s must be positive")
	check(c.GossipFanout >= 1, "gossip_fanout must be at least 1")
	check(!c.MulticastEnabled || c.MulticastTTL >= 1, "multicast_ttl must be at least 1")
	check(!c.MulticastEnabled || c.AnnounceIntervalS > 0, "announce_interval_s must be positive")
	check(c.HeartbeatIntervalS > 0, "heartbeat_interval_s must be positive")
	check(c.HeartbeatMisses >= 1, "heartbeat_miss_threshold must be at least 1")
	check(c.RouteRecomputeIntervalS >= 0, "route_recompute_interval_s must not be negative")
	check(c.RouteDebounceMs >= 0, "route_debounce_ms must not be negative")
	check(c.RouteStaleAfterS >= 0, "route_stale_after_s must not be negative")
	check(c.ReplicationFactor >= 1, "replication_factor must be at least 1")
	check(c.CheckpointIntervalS > 0, "checkpoint_interval_s must be positive")
	check(c.CheckpointRetention >= 1, "checkpoint_retention must be at least 1")

	if _, err := routing.ParseStrategy(c.LoadBalancingStrategy); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	check(c.LogFormat == "text" || c.LogFormat == "json", "log_format must be text or json, got %q", c.LogFormat)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// NodeOptions translates the configuration to node options. handler is
// the log handler of the node, nil for the default one.
func (c *Config) NodeOptions(handler slog.Handler) ([]noodlenet.Option, error) {
	strategy, err := routing.ParseStrategy(c.LoadBalancingStrategy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	opts := []noodlenet.Option{
		noodlenet.WithListenOn(c.BindAddr, c.BindPort),
		noodlenet.WithCapacity(c.Capacity),
		noodlenet.WithDialTimeout(duration(c.ConnectionTimeoutS)),
		noodlenet.WithPool(c.MaxConnectionsPerPeer, duration(c.PoolAcquireTimeoutS), duration(c.MaxIdleTimeS)),
		noodlenet.WithRetry(c.MaxRetries, duration(c.RetryDelayMs/1000)),
		noodlenet.WithMaxMessageSize(c.MaxMessageSize),
		noodlenet.WithCompressionThreshold(c.CompressionThreshold),
		noodlenet.WithBatching(duration(c.BatchFlushWindowMs/1000), 0),
		noodlenet.WithPeerTTL(duration(c.PeerTTLS), duration(c.PeerTTLS)),
		noodlenet.WithGossip(duration(c.GossipIntervalS), c.GossipFanout),
		noodlenet.WithHeartbeat(duration(c.HeartbeatIntervalS), c.HeartbeatMisses),
		noodlenet.WithStrategy(strategy),
		noodlenet.WithRouting(
			duration(c.RouteRecomputeIntervalS),
			duration(c.RouteDebounceMs/1000),
			duration(c.RouteStaleAfterS),
		),
		noodlenet.WithReplication(c.ReplicationFactor, 0),
	}
	if handler != nil {
		opts = append(opts, noodlenet.WithLog(handler))
	}
	if c.AdvertiseAddr != "" {
		opts = append(opts, noodlenet.WithAdvertiseAddr(c.AdvertiseAddr))
	}
	if c.QUICPort != 0 {
		opts = append(opts, noodlenet.WithQUIC(c.QUICPort))
	}
	if len(c.Seeds) > 0 {
		opts = append(opts, noodlenet.WithSeeds(c.Seeds))
	}
	if c.MulticastEnabled {
		opts = append(opts, noodlenet.WithMulticast(c.MulticastGroup, c.MulticastTTL, duration(c.AnnounceIntervalS)))
	}
	if c.STUNServer != "" {
		opts = append(opts, noodlenet.WithSTUN(c.STUNServer))
	}
	if c.CheckpointDir != "" {
		opts = append(opts, noodlenet.WithCheckpoints(c.CheckpointDir, duration(c.CheckpointIntervalS), c.CheckpointRetention))
	}
	if c.IdentityPath != "" {
		opts = append(opts, noodlenet.WithIdentityPath(c.IdentityPath))
	}
	if c.AuditLogPath != "" {
		opts = append(opts, noodlenet.WithAuditLog(c.AuditLogPath))
	}
	if len(c.TrustedIssuers) > 0 {
		ids := make([]mesh.NodeID, 0, len(c.TrustedIssuers))
		for _, id := range c.TrustedIssuers {
			ids = append(ids, mesh.NodeID(id))
		}
		opts = append(opts, noodlenet.WithTrustedIssuers(ids...))
	}
	if c.AlertWebhook != "" {
		opts = append(opts, noodlenet.WithAlertSinks(monitor.NewWebhookSink(c.AlertWebhook)))
	}
	return opts, nil
}

// LogHandler builds the handler described by log_level and log_format.
func (c *Config) LogHandler(w *os.File) (slog.Handler, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, hopts), nil
	}
	return slog.NewTextHandler(w, hopts), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log_level %q: %w", s, err)
	}
	return level, nil
}

func duration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func seconds(d time.Duration) float64 {
	return d.Seconds()
}
