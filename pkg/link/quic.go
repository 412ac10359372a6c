package link

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/noodlenet/pkg/mesh"
)

// QUICScheme prefixes peer addresses served over QUIC.
const QUICScheme = "quic://"

const quicALPN = "noodlenet/1"

var (
	quicErrInternal = quic.ApplicationErrorCode(0x1)
	quicErrShutdown = quic.ApplicationErrorCode(0x3)
)

// QUICConfig enables mesh streams over QUIC on a dedicated UDP port.
type QUICConfig struct {
	// BindPort of the QUIC socket, -1 lets the OS choose.
	BindPort int

	// Key signs the self-signed TLS certificate. Peers are authenticated by
	// the secure channel running on top of every stream, not by TLS.
	Key ed25519.PrivateKey

	MaxIdleTimeout     time.Duration
	MaxIncomingStreams int64
}

type quicLayer struct {
	t        *Transport
	udp      *net.UDPConn
	tr       *quic.Transport
	ln       *quic.Listener
	client   *tls.Config
	quicConf *quic.Config

	conns map[string]quic.Connection
	lk    sync.Mutex
}

func quicTarget(addr string) (string, bool) {
	if !strings.HasPrefix(addr, QUICScheme) {
		return "", false
	}
	return strings.TrimPrefix(addr, QUICScheme), true
}

func newQUICLayer(cfg *QUICConfig, ip net.IP, t *Transport) (*quicLayer, error) {
	key := cfg.Key
	if key == nil {
		var err error
		if _, key, err = ed25519.GenerateKey(rand.Reader); err != nil {
			return nil, err
		}
	}
	cert, err := selfSignedCert(key)
	if err != nil {
		return nil, fmt.Errorf("link: QUIC certificate: %w", err)
	}

	port := cfg.BindPort
	if port < 0 {
		port = 0
	}
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, fmt.Errorf("link: failed to allocate QUIC socket: %w", err)
	}

	idle := cfg.MaxIdleTimeout
	if idle <= 0 {
		idle = time.Minute
	}
	streams := cfg.MaxIncomingStreams
	if streams <= 0 {
		streams = 10000
	}

	ql := &quicLayer{
		t:   t,
		udp: udp,
		tr:  &quic.Transport{Conn: udp},
		client: &tls.Config{
			// The secure channel handshake authenticates the peer.
			InsecureSkipVerify: true,
			NextProtos:         []string{quicALPN},
			MinVersion:         tls.VersionTLS13,
		},
		quicConf: &quic.Config{
			Versions:           []quic.Version{quic.Version2, quic.Version1},
			MaxIncomingStreams: streams,
			MaxIdleTimeout:     idle,
			KeepAlivePeriod:    idle / 3,
		},
		conns: make(map[string]quic.Connection),
	}

	ln, err := ql.tr.Listen(&tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
		MinVersion:   tls.VersionTLS13,
	}, ql.quicConf)
	if err != nil {
		ql.tr.Close()
		udp.Close()
		return nil, fmt.Errorf("link: failed to allocate QUIC listener: %w", err)
	}
	ql.ln = ln

	t.wg.Add(1)
	go ql.acceptConns()
	return ql, nil
}

func selfSignedCert(key ed25519.PrivateKey) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "noodlenet"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

func (ql *quicLayer) port() int {
	return ql.udp.LocalAddr().(*net.UDPAddr).Port
}

func (ql *quicLayer) acceptConns() {
	defer ql.t.wg.Done()
	for {
		conn, err := ql.ln.Accept(context.Background())
		if err != nil {
			if !ql.t.gracefulTerm.Load() {
				ql.t.logger.Warn("unexpected QUIC listener closure", mesh.LabelError.L(err))
			}
			return
		}
		ql.track(conn)
	}
}

func (ql *quicLayer) track(conn quic.Connection) {
	ql.lk.Lock()
	if old, ok := ql.conns[conn.RemoteAddr().String()]; ok && old.Context().Err() == nil && old != conn {
		// Keep the newest, the old one is closed by its idle timeout.
		ql.t.logger.Debug("replacing QUIC connection", mesh.LabelPeerAddr.L(conn.RemoteAddr().String()))
	}
	ql.conns[conn.RemoteAddr().String()] = conn
	ql.lk.Unlock()

	ql.t.wg.Add(1)
	go ql.acceptStreams(conn)
}

func (ql *quicLayer) acceptStreams(conn quic.Connection) {
	defer ql.t.wg.Done()
	ctx := conn.Context()
	mLabels := ql.t.labelsForAddr(conn.RemoteAddr().String())
	for {
		stream, err := conn.AcceptStream(ctx)
		if ql.t.gracefulTerm.Load() {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				ql.t.msink.IncrCounterWithLabels(
					MetricStreamInErrorCount,
					1.0,
					append(mLabels, mesh.LabelError.M("quic_accept")),
				)
			}
			ql.forget(conn)
			return
		}

		ql.t.wg.Add(1)
		go ql.t.handleStream(&streamConn{
			Stream: stream,
			local:  conn.LocalAddr(),
			remote: conn.RemoteAddr(),
		})
	}
}

func (ql *quicLayer) forget(conn quic.Connection) {
	ql.lk.Lock()
	defer ql.lk.Unlock()
	key := conn.RemoteAddr().String()
	if ql.conns[key] == conn {
		delete(ql.conns, key)
	}
}

func (ql *quicLayer) active(ctx context.Context, target string) (quic.Connection, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	ql.lk.Lock()
	conn, ok := ql.conns[addr.String()]
	ql.lk.Unlock()
	if ok && conn.Context().Err() == nil {
		return conn, nil
	}

	conn, err = ql.tr.Dial(ctx, addr, ql.client, ql.quicConf)
	if ql.t.gracefulTerm.Load() {
		if conn != nil {
			conn.CloseWithError(quicErrShutdown, "shutting down")
		}
		return nil, ErrShutdown
	}
	if err != nil {
		return nil, Classify(ctx, err, true)
	}
	ql.track(conn)
	return conn, nil
}

func (ql *quicLayer) dial(ctx context.Context, target string) (net.Conn, error) {
	mLabels := append(ql.t.labelsForAddr(QUICScheme+target), mesh.LabelStreamMode.M(ModeMesh.String()))
	conn, err := ql.active(ctx, target)
	if err != nil {
		ql.t.msink.IncrCounterWithLabels(
			MetricStreamOutErrorCount,
			1.0,
			append(mLabels, mesh.LabelError.M("no_conn_to_host")),
		)
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		ql.t.msink.IncrCounterWithLabels(
			MetricStreamOutErrorCount,
			1.0,
			append(mLabels, mesh.LabelError.M("cannot_open_stream")),
		)
		if ctx.Err() == nil {
			conn.CloseWithError(quicErrInternal, "cannot open stream")
			ql.forget(conn)
		}
		return nil, Classify(ctx, err, true)
	}

	sc := &streamConn{Stream: stream, local: conn.LocalAddr(), remote: conn.RemoteAddr()}
	if _, err := sc.Write([]byte{byte(ModeMesh)}); err != nil {
		sc.Close()
		ql.t.msink.IncrCounterWithLabels(
			MetricStreamOutErrorCount,
			1.0,
			append(mLabels, mesh.LabelError.M("cannot_send_mode")),
		)
		return nil, Classify(ctx, err, false)
	}

	ql.t.msink.IncrCounterWithLabels(MetricStreamOutCount, 1.0, mLabels)
	return sc, nil
}

func (ql *quicLayer) close() error {
	ql.lk.Lock()
	for _, conn := range ql.conns {
		conn.CloseWithError(quicErrShutdown, "we are shutting down! bye!")
	}
	ql.conns = make(map[string]quic.Connection)
	ql.lk.Unlock()

	return errors.Join(ql.ln.Close(), ql.tr.Close(), ql.udp.Close())
}

// streamConn adapts a QUIC stream to net.Conn.
type streamConn struct {
	local  net.Addr
	remote net.Addr

	// quic-go guards Read, Write and Close with its own locks.
	quic.Stream
}

func (sc *streamConn) LocalAddr() net.Addr {
	return sc.local
}

func (sc *streamConn) RemoteAddr() net.Addr {
	return sc.remote
}

// Close closes both directions, a bare quic Stream.Close only ends the
// write side.
func (sc *streamConn) Close() error {
	sc.CancelRead(0)
	return sc.Stream.Close()
}
