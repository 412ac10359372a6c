package security

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/raskyld/noodlenet/pkg/identity"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/wire"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	handshakeMaxFrame = 1024
	helloNonceSize    = 16

	serverContext = "noodlenet/1 server"
	clientContext = "noodlenet/1 client"
	infoC2S       = "noodlenet/1 c2s"
	infoS2C       = "noodlenet/1 s2c"
)

var (
	ErrHandshake     = errors.New("channel: handshake failed")
	ErrUnexpectedID  = errors.New("channel: peer is not the expected node")
	ErrChannelClosed = errors.New("channel: closed")
	ErrDecrypt       = errors.New("channel: message authentication failed")
)

type hello struct {
	id        mesh.NodeID
	pub       ed25519.PublicKey
	ephemeral []byte
	nonce     []byte
	signature []byte
}

func (h *hello) marshal(withSignature bool) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, string(h.id))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, h.pub)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, h.ephemeral)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, h.nonce)
	if withSignature && len(h.signature) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, h.signature)
	}
	return b
}

func unmarshalHello(b []byte) (*hello, error) {
	h := &hello{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return nil, fmt.Errorf("%w: malformed hello", ErrHandshake)
		}
		b = b[n:]
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: malformed hello", ErrHandshake)
		}
		b = b[n:]
		switch num {
		case 1:
			h.id = mesh.NodeID(v)
		case 2:
			h.pub = bytes.Clone(v)
		case 3:
			h.ephemeral = bytes.Clone(v)
		case 4:
			h.nonce = bytes.Clone(v)
		case 5:
			h.signature = bytes.Clone(v)
		}
	}

	if len(h.pub) != ed25519.PublicKeySize || len(h.ephemeral) != curve25519.PointSize || len(h.nonce) != helloNonceSize {
		return nil, fmt.Errorf("%w: incomplete hello", ErrHandshake)
	}
	if identity.DeriveNodeID(h.pub) != h.id {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, identity.ErrIDMismatch)
	}
	return h, nil
}

func newHello(ident *identity.Identity) (*hello, []byte, error) {
	scalar := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(scalar); err != nil {
		return nil, nil, err
	}
	ephemeral, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, helloNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return &hello{
		id:        ident.ID(),
		pub:       ident.PublicKey(),
		ephemeral: ephemeral,
		nonce:     nonce,
	}, scalar, nil
}

func transcript(client, server *hello) []byte {
	h := sha256.New()
	h.Write(client.marshal(false))
	h.Write(server.marshal(false))
	return h.Sum(nil)
}

func signTranscript(ident *identity.Identity, label string, sum []byte) []byte {
	return ident.Sign(append([]byte(label), sum...))
}

func verifyTranscript(pub ed25519.PublicKey, label string, sum, sig []byte) bool {
	return ed25519.Verify(pub, append([]byte(label), sum...), sig)
}

func deriveAEAD(shared, salt []byte, info string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(info)), key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}

// Conn is an authenticated, encrypted message channel bound to a peer
// identity. Each direction has its own key and a strictly increasing nonce,
// so replayed or reordered frames fail authentication.
type Conn struct {
	conn     net.Conn
	local    mesh.NodeID
	peer     mesh.NodeID
	peerKey  ed25519.PublicKey
	maxFrame int

	send    cipher.AEAD
	sendSeq uint64
	wlk     sync.Mutex

	recv    cipher.AEAD
	recvSeq uint64
	rlk     sync.Mutex
}

func handshakeDeadline(ctx context.Context, conn net.Conn) func() {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblocks any pending read or write.
		conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		conn.SetDeadline(time.Time{})
	}
}

func handshakeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return mesh.Cancelled(ctx.Err())
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return mesh.Cancelled(context.DeadlineExceeded)
	}
	if errors.Is(err, ErrHandshake) || errors.Is(err, ErrUnexpectedID) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrHandshake, err)
}

// Client runs the initiator side of the handshake over conn. When expected
// is set, the peer must prove it owns that node id.
func Client(
	ctx context.Context,
	conn net.Conn,
	ident *identity.Identity,
	dir *identity.Directory,
	expected mesh.NodeID,
	maxFrame int,
) (*Conn, error) {
	defer handshakeDeadline(ctx, conn)()

	mine, scalar, err := newHello(ident)
	if err != nil {
		return nil, handshakeErr(ctx, err)
	}
	if err := wire.WriteFrame(conn, mine.marshal(false)); err != nil {
		return nil, handshakeErr(ctx, err)
	}

	raw, err := wire.ReadFrame(conn, handshakeMaxFrame)
	if err != nil {
		return nil, handshakeErr(ctx, err)
	}
	theirs, err := unmarshalHello(raw)
	if err != nil {
		return nil, handshakeErr(ctx, err)
	}
	if expected != "" && theirs.id != expected {
		return nil, fmt.Errorf("%w: got %s", ErrUnexpectedID, theirs.id.Short())
	}

	sum := transcript(mine, theirs)
	if !verifyTranscript(theirs.pub, serverContext, sum, theirs.signature) {
		return nil, fmt.Errorf("%w: bad server signature", ErrHandshake)
	}

	finish := signTranscript(ident, clientContext, sum)
	if err := wire.WriteFrame(conn, finish); err != nil {
		return nil, handshakeErr(ctx, err)
	}

	return establish(conn, ident, dir, theirs, scalar, sum, true, maxFrame)
}

// Server runs the responder side of the handshake over conn.
func Server(
	ctx context.Context,
	conn net.Conn,
	ident *identity.Identity,
	dir *identity.Directory,
	maxFrame int,
) (*Conn, error) {
	defer handshakeDeadline(ctx, conn)()

	raw, err := wire.ReadFrame(conn, handshakeMaxFrame)
	if err != nil {
		return nil, handshakeErr(ctx, err)
	}
	theirs, err := unmarshalHello(raw)
	if err != nil {
		return nil, handshakeErr(ctx, err)
	}

	mine, scalar, err := newHello(ident)
	if err != nil {
		return nil, handshakeErr(ctx, err)
	}
	sum := transcript(theirs, mine)
	mine.signature = signTranscript(ident, serverContext, sum)
	if err := wire.WriteFrame(conn, mine.marshal(true)); err != nil {
		return nil, handshakeErr(ctx, err)
	}

	finish, err := wire.ReadFrame(conn, handshakeMaxFrame)
	if err != nil {
		return nil, handshakeErr(ctx, err)
	}
	if !verifyTranscript(theirs.pub, clientContext, sum, finish) {
		return nil, fmt.Errorf("%w: bad client signature", ErrHandshake)
	}

	return establish(conn, ident, dir, theirs, scalar, sum, false, maxFrame)
}

func establish(
	conn net.Conn,
	ident *identity.Identity,
	dir *identity.Directory,
	peer *hello,
	scalar, sum []byte,
	initiator bool,
	maxFrame int,
) (*Conn, error) {
	shared, err := curve25519.X25519(scalar, peer.ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	c2s, err := deriveAEAD(shared, sum, infoC2S)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	s2c, err := deriveAEAD(shared, sum, infoS2C)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	if dir != nil {
		if err := dir.Learn(peer.id, peer.pub); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
		}
	}

	sc := &Conn{
		conn:     conn,
		local:    ident.ID(),
		peer:     peer.id,
		peerKey:  peer.pub,
		maxFrame: maxFrame,
	}
	if initiator {
		sc.send, sc.recv = c2s, s2c
	} else {
		sc.send, sc.recv = s2c, c2s
	}
	return sc, nil
}

func nonceFor(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

// WriteMessage encrypts and frames msg.
func (c *Conn) WriteMessage(msg []byte) error {
	c.wlk.Lock()
	defer c.wlk.Unlock()
	sealed := c.send.Seal(nil, nonceFor(c.sendSeq), msg, nil)
	c.sendSeq++
	return wire.WriteFrame(c.conn, sealed)
}

// ReadMessage reads and decrypts the next message.
func (c *Conn) ReadMessage() ([]byte, error) {
	c.rlk.Lock()
	defer c.rlk.Unlock()
	limit := c.maxFrame
	if limit > 0 {
		limit += chacha20poly1305.Overhead
	}
	sealed, err := wire.ReadFrame(c.conn, limit)
	if err != nil {
		return nil, err
	}
	msg, err := c.recv.Open(nil, nonceFor(c.recvSeq), sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	c.recvSeq++
	return msg, nil
}

func (c *Conn) WriteEnvelope(env *wire.Envelope) error {
	return c.WriteMessage(env.Marshal())
}

func (c *Conn) ReadEnvelope() (*wire.Envelope, error) {
	msg, err := c.ReadMessage()
	if err != nil {
		return nil, err
	}
	return wire.Unmarshal(msg)
}

func (c *Conn) Peer() mesh.NodeID {
	return c.peer
}

func (c *Conn) PeerKey() ed25519.PublicKey {
	return c.peerKey
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
