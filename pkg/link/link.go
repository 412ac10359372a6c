// Package link provides the raw transport primitives of a node.
//
// A single port carries both UDP datagrams and TCP streams. The first byte
// of every datagram and of every stream is a Mode telling whether the
// traffic belongs to the membership layer (memberlist) or to the mesh
// itself. Transport implements memberlist.NodeAwareTransport so the gossip
// protocol and the mesh share one listener.
package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/raskyld/noodlenet/pkg/mesh"
)

var (
	ErrConnectTimeout  = errors.New("link: connect timeout")
	ErrWriteError      = errors.New("link: write error")
	ErrPeerUnreachable = errors.New("link: peer unreachable")

	ErrBufferSize        = errors.New("link: could not allocate udp buffer")
	ErrInvalidAddr       = errors.New("link: invalid address")
	ErrUDPNotAvailable   = errors.New("link: UDP listener not available")
	ErrShutdown          = errors.New("link: shutting down")
	ErrProtocolViolation = errors.New("link: protocol violation")
	ErrQUICDisabled      = errors.New("link: QUIC is not enabled")
)

// Mode is the first byte of a datagram or a stream.
type Mode byte

const (
	ModeGossip Mode = 'g'
	ModeMesh   Mode = 'm'
)

func (m Mode) String() string {
	switch m {
	case ModeGossip:
		return "gossip"
	case ModeMesh:
		return "mesh"
	default:
		return "unknown"
	}
}

var (
	MetricDatagramInBytes       = []string{"noodlenet", "link", "datagram", "in", "bytes"}
	MetricDatagramInErrorCount  = []string{"noodlenet", "link", "datagram", "in", "error", "count"}
	MetricDatagramOutBytes      = []string{"noodlenet", "link", "datagram", "out", "bytes"}
	MetricDatagramOutErrorCount = []string{"noodlenet", "link", "datagram", "out", "error", "count"}
	MetricDatagramDropCount     = []string{"noodlenet", "link", "datagram", "dropped", "count"}
	MetricStreamInCount         = []string{"noodlenet", "link", "stream", "in", "count"}
	MetricStreamInErrorCount    = []string{"noodlenet", "link", "stream", "in", "error", "count"}
	MetricStreamOutCount        = []string{"noodlenet", "link", "stream", "out", "count"}
	MetricStreamOutErrorCount   = []string{"noodlenet", "link", "stream", "out", "error", "count"}
	MetricUDPBufferSizeBytes    = []string{"noodlenet", "link", "udp", "buffer", "size", "bytes"}
	MetricRetryCount            = []string{"noodlenet", "link", "retry", "count"}
)

// Datagram is an inbound mesh datagram, mode byte stripped.
type Datagram struct {
	Buf  []byte
	From net.Addr
}

// Classify maps a dial or write failure to the link error taxonomy. The
// returned error wraps both the taxonomy error and err.
func Classify(ctx context.Context, err error, dialing bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mesh.ErrOperationCancelled) ||
		errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrWriteError) ||
		errors.Is(err, ErrPeerUnreachable) {
		return err
	}
	if ctx != nil && ctx.Err() != nil {
		return mesh.Cancelled(ctx.Err())
	}

	var nerr net.Error
	timeout := errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout())

	switch {
	case dialing && timeout:
		return fmt.Errorf("%w: %w", ErrConnectTimeout, err)
	case dialing:
		return fmt.Errorf("%w: %w", ErrPeerUnreachable, err)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return fmt.Errorf("%w: %w", ErrPeerUnreachable, err)
	default:
		return fmt.Errorf("%w: %w", ErrWriteError, err)
	}
}

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrWriteError) ||
		errors.Is(err, ErrPeerUnreachable)
}
