package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/noodlenet/pkg/mesh"
)

const (
	defaultUDPBufferSize = 1 << 21
	defaultBindPort      = 4040
	maxDatagramSize      = 65536
	modeReadTimeout      = 5 * time.Second
)

// TransportConfig configures the shared UDP and TCP listener.
type TransportConfig struct {
	// BindAddr and BindPort are where both listeners bind. A BindPort of -1
	// lets the OS choose, the TCP port then being reused for UDP.
	BindAddr string
	BindPort int

	// AdvertiseAddr overrides the address announced to peers.
	AdvertiseAddr string

	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we divide the requested BufferSize by 2 until it fits.
	EnforceBufferSize bool

	// DialTimeout bounds outbound connection establishment.
	DialTimeout time.Duration

	// DatagramBacklog is how many inbound mesh datagrams can wait before new
	// ones are dropped.
	DatagramBacklog int

	// QUIC enables the optional QUIC listener for mesh streams.
	QUIC *QUICConfig

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

// Transport multiplexes gossip and mesh traffic over one UDP socket and one
// TCP listener.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam connection errors in logs
	gracefulTerm atomic.Bool
	shutdownCh   chan struct{}
	wg           sync.WaitGroup

	// memberlist protocol
	packetCh chan *memberlist.Packet
	streamCh chan net.Conn

	// mesh protocol
	meshCh     chan net.Conn
	datagramCh chan *Datagram

	tcpLn *net.TCPListener
	udpLn *net.UDPConn
	quic  *quicLayer
}

var _ memberlist.NodeAwareTransport = (*Transport)(nil)

func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	if cfg == nil {
		cfg = &TransportConfig{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.DatagramBacklog <= 0 {
		cfg.DatagramBacklog = 256
	}

	t = &Transport{
		cfg:        cfg,
		logger:     mesh.Logger(cfg.LogHandler).With("component", "link"),
		msink:      mesh.Sink(cfg.MetricSink),
		packetCh:   make(chan *memberlist.Packet),
		streamCh:   make(chan net.Conn),
		meshCh:     make(chan net.Conn),
		datagramCh: make(chan *Datagram, cfg.DatagramBacklog),
		shutdownCh: make(chan struct{}),
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	port := cfg.BindPort
	switch {
	case port == 0:
		port = defaultBindPort
	case port < 0:
		port = 0
	}

	addr := net.ParseIP(cfg.BindAddr)
	if cfg.BindAddr != "" && addr == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddr, cfg.BindAddr)
	}
	if addr == nil {
		addr = net.IPv4zero
	}

	// TCP first so an OS-chosen port can be reused for UDP.
	tcpLn, err := net.ListenTCP("tcp", &net.TCPAddr{IP: addr, Port: port})
	if err != nil {
		return nil, fmt.Errorf("link: failed to allocate TCP listener: %w", err)
	}
	t.tcpLn = tcpLn
	port = tcpLn.Addr().(*net.TCPAddr).Port

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: port})
	if err != nil {
		return nil, fmt.Errorf("link: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := t.negotiateBufferSize(requested); err != nil {
		return nil, err
	}

	if cfg.QUIC != nil {
		ql, err := newQUICLayer(cfg.QUIC, addr, t)
		if err != nil {
			return nil, err
		}
		t.quic = ql
	}

	t.wg.Add(2)
	go t.tcpListen()
	go t.udpListen()
	return t, nil
}

// Addr returns the bound address, OS-chosen port resolved.
func (t *Transport) Addr() *net.TCPAddr {
	return t.tcpLn.Addr().(*net.TCPAddr)
}

// AdvertiseAddr is the "host:port" peers should use to reach us.
func (t *Transport) AdvertiseAddr() string {
	ip, port, err := t.FinalAdvertiseAddr("", 0)
	if err != nil {
		return t.Addr().String()
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port))
}

// QUICAddr is the "quic://host:port" address of the QUIC listener, empty
// when QUIC is disabled.
func (t *Transport) QUICAddr() string {
	if t.quic == nil {
		return ""
	}
	ip, _, err := t.FinalAdvertiseAddr("", 0)
	if err != nil {
		return ""
	}
	return QUICScheme + net.JoinHostPort(ip.String(), strconv.Itoa(t.quic.port()))
}

func (t *Transport) FinalAdvertiseAddr(ip string, port int) (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrUDPNotAvailable
	}

	if ip == "" {
		ip = t.cfg.AdvertiseAddr
	}
	if port == 0 {
		port = t.Addr().Port
	}

	var advertise net.IP
	if ip != "" {
		advertise = net.ParseIP(ip)
		if advertise == nil {
			return nil, 0, fmt.Errorf("%w: %q", ErrInvalidAddr, ip)
		}
	} else {
		bound := t.Addr().IP
		if bound == nil || bound.IsUnspecified() {
			private, err := privateIP()
			if err != nil {
				return nil, 0, err
			}
			bound = private
		}
		advertise = bound
	}

	if ip4 := advertise.To4(); ip4 != nil {
		advertise = ip4
	}
	return advertise, port, nil
}

// privateIP picks the first non loopback unicast address, or loopback.
func privateIP() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("link: list interface addresses: %w", err)
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		if ipnet.IP.IsPrivate() {
			return ipnet.IP, nil
		}
	}
	return net.IPv4(127, 0, 0, 1), nil
}

// WriteTo sends a memberlist packet.
func (t *Transport) WriteTo(b []byte, addr string) (time.Time, error) {
	return t.WriteToAddress(b, memberlist.Address{Addr: addr})
}

func (t *Transport) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	return t.writeDatagram(ModeGossip, b, addr.Addr)
}

// SendUnreliable sends a fire-and-forget mesh datagram to addr.
func (t *Transport) SendUnreliable(addr string, b []byte) error {
	_, err := t.writeDatagram(ModeMesh, b, addr)
	return err
}

func (t *Transport) writeDatagram(mode Mode, b []byte, addr string) (time.Time, error) {
	mLabels := append(t.labelsForAddr(addr), mesh.LabelStreamMode.M(mode.String()))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricDatagramOutErrorCount, 1.0, mLabels)
		return time.Time{}, fmt.Errorf("%w: %w", ErrPeerUnreachable, err)
	}

	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, byte(mode))
	buf = append(buf, b...)

	ts := time.Now()
	if _, err := t.udpLn.WriteToUDP(buf, udpAddr); err != nil {
		t.msink.IncrCounterWithLabels(MetricDatagramOutErrorCount, 1.0, mLabels)
		return ts, Classify(nil, err, false)
	}
	t.msink.IncrCounterWithLabels(MetricDatagramOutBytes, float32(len(buf)), mLabels)
	return ts, nil
}

func (t *Transport) PacketCh() <-chan *memberlist.Packet {
	return t.packetCh
}

func (t *Transport) StreamCh() <-chan net.Conn {
	return t.streamCh
}

// MeshCh yields inbound mesh streams from TCP and QUIC, mode byte consumed.
func (t *Transport) MeshCh() <-chan net.Conn {
	return t.meshCh
}

// Datagrams yields inbound mesh datagrams.
func (t *Transport) Datagrams() <-chan *Datagram {
	return t.datagramCh
}

func (t *Transport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return t.DialAddressTimeout(memberlist.Address{Addr: addr}, timeout)
}

func (t *Transport) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.dialTCP(ctx, addr.Addr, ModeGossip)
}

// DialMesh opens a mesh stream to addr, over QUIC when addr carries the
// quic:// scheme.
func (t *Transport) DialMesh(ctx context.Context, addr string) (net.Conn, error) {
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	if target, ok := quicTarget(addr); ok {
		if t.quic == nil {
			return nil, ErrQUICDisabled
		}
		return t.quic.dial(ctx, target)
	}
	return t.dialTCP(ctx, addr, ModeMesh)
}

func (t *Transport) dialTCP(ctx context.Context, addr string, mode Mode) (net.Conn, error) {
	mLabels := append(t.labelsForAddr(addr), mesh.LabelStreamMode.M(mode.String()))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricStreamOutErrorCount,
			1.0,
			append(mLabels, mesh.LabelError.M("dial")),
		)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnectTimeout, err)
		}
		return nil, Classify(ctx, err, true)
	}

	if _, err := conn.Write([]byte{byte(mode)}); err != nil {
		conn.Close()
		t.msink.IncrCounterWithLabels(
			MetricStreamOutErrorCount,
			1.0,
			append(mLabels, mesh.LabelError.M("cannot_send_mode")),
		)
		return nil, Classify(ctx, err, false)
	}

	t.msink.IncrCounterWithLabels(MetricStreamOutCount, 1.0, mLabels)
	return conn, nil
}

func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}
	close(t.shutdownCh)

	var errs []error
	if t.tcpLn != nil {
		errs = append(errs, t.tcpLn.Close())
	}
	if t.udpLn != nil {
		errs = append(errs, t.udpLn.Close())
	}
	if t.quic != nil {
		errs = append(errs, t.quic.close())
	}
	t.wg.Wait()
	return errors.Join(errs...)
}

func (t *Transport) negotiateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(MetricUDPBufferSizeBytes, float32(size), t.cfg.MetricLabels)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) udpListen() {
	defer t.wg.Done()
	for {
		buf := make([]byte, maxDatagramSize)
		n, from, err := t.udpLn.ReadFrom(buf)
		ts := time.Now()
		if t.gracefulTerm.Load() {
			t.logger.Debug("datagram listener gracefully shutting down")
			return
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.logger.Warn("unexpected UDP listener closure", mesh.LabelError.L(err))
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				append(t.cfg.MetricLabels, mesh.LabelError.M("unknown")),
			)
			t.logger.Error("error reading UDP packet", mesh.LabelError.L(err))
			continue
		}

		mLabels := append(t.labelsForAddr(from.String()), mesh.LabelStreamMode.M(Mode(buf[0]).String()))
		if n < 2 {
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				append(mLabels, mesh.LabelError.M("too_small")),
			)
			t.logger.Warn("received a too short udp packet", "length", n)
			continue
		}

		t.msink.IncrCounterWithLabels(MetricDatagramInBytes, float32(n), mLabels)
		switch Mode(buf[0]) {
		case ModeGossip:
			select {
			case t.packetCh <- &memberlist.Packet{
				Buf:       buf[1:n],
				From:      from,
				Timestamp: ts,
			}:
			case <-t.shutdownCh:
				return
			}
		case ModeMesh:
			select {
			case t.datagramCh <- &Datagram{Buf: buf[1:n], From: from}:
			default:
				t.msink.IncrCounterWithLabels(MetricDatagramDropCount, 1.0, mLabels)
			}
		default:
			t.msink.IncrCounterWithLabels(
				MetricDatagramInErrorCount,
				1.0,
				append(mLabels, mesh.LabelError.M("protocol_violation")),
			)
		}
	}
}

func (t *Transport) tcpListen() {
	defer t.wg.Done()
	for {
		conn, err := t.tcpLn.AcceptTCP()
		if t.gracefulTerm.Load() {
			if conn != nil {
				conn.Close()
			}
			t.logger.Debug("stream listener gracefully shutting down")
			return
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.logger.Warn("unexpected TCP listener closure", mesh.LabelError.L(err))
				return
			}
			t.msink.IncrCounterWithLabels(
				MetricStreamInErrorCount,
				1.0,
				append(t.cfg.MetricLabels, mesh.LabelError.M("accept")),
			)
			t.logger.Warn("error accepting stream", mesh.LabelError.L(err))
			continue
		}

		t.wg.Add(1)
		go t.handleStream(conn)
	}
}

// handleStream reads the mode byte then hands the stream over.
func (t *Transport) handleStream(conn net.Conn) {
	defer t.wg.Done()
	mLabels := t.labelsForAddr(conn.RemoteAddr().String())
	logger := t.logger.With(mesh.LabelPeerAddr.L(conn.RemoteAddr().String()))

	conn.SetReadDeadline(time.Now().Add(modeReadTimeout))
	var mode [1]byte
	if _, err := io.ReadFull(conn, mode[:]); err != nil {
		conn.Close()
		t.msink.IncrCounterWithLabels(
			MetricStreamInErrorCount,
			1.0,
			append(mLabels, mesh.LabelError.M("no_mode")),
		)
		logger.Debug("error waiting for stream mode", mesh.LabelError.L(err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	t.dispatch(Mode(mode[0]), conn, mLabels, logger)
}

func (t *Transport) dispatch(mode Mode, conn net.Conn, mLabels []metrics.Label, logger *slog.Logger) {
	var out chan net.Conn
	switch mode {
	case ModeGossip:
		out = t.streamCh
	case ModeMesh:
		out = t.meshCh
	default:
		conn.Close()
		logger.Warn("protocol violation: unknown stream mode", "mode", byte(mode))
		t.msink.IncrCounterWithLabels(
			MetricStreamInErrorCount,
			1.0,
			append(mLabels, mesh.LabelError.M("protocol_violation")),
		)
		return
	}

	t.msink.IncrCounterWithLabels(
		MetricStreamInCount,
		1.0,
		append(mLabels, mesh.LabelStreamMode.M(mode.String())),
	)
	select {
	case out <- conn:
	case <-t.shutdownCh:
		conn.Close()
	}
}

func (t *Transport) labelsForAddr(addr string) []metrics.Label {
	labels := make([]metrics.Label, 0, len(t.cfg.MetricLabels)+1)
	labels = append(labels, t.cfg.MetricLabels...)
	return append(labels, mesh.LabelPeerAddr.M(addr))
}
