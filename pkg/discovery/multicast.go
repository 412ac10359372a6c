package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/wire"
	"golang.org/x/net/ipv4"
)

const (
	DefaultMulticastGroup    = "224.1.1.1:10000"
	DefaultMulticastTTL      = 1
	DefaultAnnounceInterval  = 5 * time.Second
	maxMulticastDatagramSize = 1500
)

var (
	MetricMulticastOut = []string{"noodlenet", "discovery", "multicast", "out", "count"}
	MetricMulticastIn  = []string{"noodlenet", "discovery", "multicast", "in", "count"}
)

type MulticastConfig struct {
	// Group is the "ip:port" multicast group, DefaultMulticastGroup if empty.
	Group string

	// TTL of outgoing datagrams, 1 keeps them on the local link.
	TTL int

	// Interface to join the group on, nil lets the system choose.
	Interface *net.Interface

	// Interval between two announces.
	Interval time.Duration

	LogHandler slog.Handler
	MetricSink metrics.MetricSink
}

// Multicaster periodically announces the local node on a multicast group
// and ingests the announces of the other nodes of the local network.
type Multicaster struct {
	cfg       MulticastConfig
	group     *net.UDPAddr
	conn      *net.UDPConn
	pc        *ipv4.PacketConn
	announcer *Announcer
	ingester  *Ingester
	logger    *slog.Logger
	msink     metrics.MetricSink

	closeOnce sync.Once
}

func NewMulticaster(cfg MulticastConfig, announcer *Announcer, ingester *Ingester) (*Multicaster, error) {
	if cfg.Group == "" {
		cfg.Group = DefaultMulticastGroup
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultMulticastTTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultAnnounceInterval
	}

	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("%w: multicast group: %w", ErrInvalidCfg, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%w: %s is not a multicast address", ErrInvalidCfg, group.IP)
	}

	// ListenMulticastUDP sets SO_REUSEADDR so several nodes of one host can
	// share the group port.
	conn, err := net.ListenMulticastUDP("udp4", cfg.Interface, group)
	if err != nil {
		return nil, fmt.Errorf("discovery: join multicast group: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(cfg.TTL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("discovery: multicast ttl: %w", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("discovery: multicast loopback: %w", err)
	}
	if cfg.Interface != nil {
		if err := pc.SetMulticastInterface(cfg.Interface); err != nil {
			conn.Close()
			return nil, fmt.Errorf("discovery: multicast interface: %w", err)
		}
	}

	return &Multicaster{
		cfg:       cfg,
		group:     group,
		conn:      conn,
		pc:        pc,
		announcer: announcer,
		ingester:  ingester,
		logger:    mesh.Logger(cfg.LogHandler).With("component", "multicaster", "group", group.String()),
		msink:     mesh.Sink(cfg.MetricSink),
	}, nil
}

// AnnounceNow sends one compact announce to the group.
func (m *Multicaster) AnnounceNow() error {
	ann := m.announcer.Announce(false)
	env := wire.NewEnvelope(ann, ann.NodeID, "")
	if _, err := m.pc.WriteTo(env.Marshal(), nil, m.group); err != nil {
		return fmt.Errorf("discovery: multicast announce: %w", err)
	}
	m.msink.IncrCounter(MetricMulticastOut, 1.0)
	return nil
}

// Run announces every interval and ingests received announces until ctx is
// done.
func (m *Multicaster) Run(ctx context.Context) error {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		m.readLoop()
	}()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	if err := m.AnnounceNow(); err != nil {
		m.logger.Warn("could not announce", mesh.LabelError.L(err))
	}
	for {
		select {
		case <-ctx.Done():
			m.Close()
			<-readDone
			return nil
		case <-ticker.C:
			if err := m.AnnounceNow(); err != nil {
				m.logger.Warn("could not announce", mesh.LabelError.L(err))
			}
		}
	}
}

func (m *Multicaster) readLoop() {
	buf := make([]byte, maxMulticastDatagramSize)
	for {
		n, _, src, err := m.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Debug("multicast read error", mesh.LabelError.L(err))
			continue
		}
		m.msink.IncrCounter(MetricMulticastIn, 1.0)

		env, err := wire.Unmarshal(buf[:n])
		if err != nil {
			m.logger.Debug("invalid multicast datagram", mesh.LabelPeerAddr.L(src), mesh.LabelError.L(err))
			continue
		}
		m.ingester.IngestEnvelope(env, SourceMulticast)
	}
}

func (m *Multicaster) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.conn.Close()
	})
	return err
}
