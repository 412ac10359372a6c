package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/raskyld/noodlenet/pkg/identity"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/wire"
)

const (
	defaultSeenSize = 4096
	defaultSeenTTL  = 2 * time.Minute
)

// Source names where an announce came from, for telemetry.
type Source string

const (
	SourceMulticast  Source = "multicast"
	SourceGossip     Source = "gossip"
	SourceMembership Source = "membership"
)

type seenKey struct {
	id mesh.NodeID
	ts int64
}

// Ingester is the single entry point of announces into the PeerTable. It
// verifies signatures once per announce, remembering recently seen ones in
// an expirable LRU so the same announce relayed by many peers is cheap.
type Ingester struct {
	table   *PeerTable
	dir     *identity.Directory
	now     func() time.Time
	maxSkew time.Duration
	seen    *expirable.LRU[seenKey, struct{}]
	logger  *slog.Logger
	msink   metrics.MetricSink
}

func NewIngester(table *PeerTable, dir *identity.Directory, logHandler slog.Handler, ms metrics.MetricSink) *Ingester {
	return &Ingester{
		table:   table,
		dir:     dir,
		now:     table.cfg.now,
		maxSkew: DefaultMaxClockSkew,
		seen:    expirable.NewLRU[seenKey, struct{}](defaultSeenSize, nil, defaultSeenTTL),
		logger:  mesh.Logger(logHandler).With("component", "ingester"),
		msink:   mesh.Sink(ms),
	}
}

// Ingest verifies ann and merges it. It reports whether the announce was
// new to this node, in which case it is worth relaying.
func (in *Ingester) Ingest(ann *wire.Announce, src Source) (bool, error) {
	if ann == nil {
		return false, fmt.Errorf("%w: nil announce", ErrBadAnnounce)
	}
	key := seenKey{id: ann.NodeID, ts: ann.Timestamp.UnixNano()}
	if in.seen.Contains(key) {
		return false, nil
	}

	if err := VerifyAnnounce(ann, in.dir, in.now(), in.maxSkew); err != nil {
		in.msink.IncrCounterWithLabels(MetricAnnounceRejected, 1.0, []metrics.Label{
			mesh.LabelSource.M(string(src)),
		})
		in.logger.Warn(
			"announce rejected",
			mesh.LabelPeer.L(ann.NodeID),
			mesh.LabelSource.L(src),
			mesh.LabelError.L(err),
		)
		return false, err
	}
	in.seen.Add(key, struct{}{})

	if err := in.table.Merge(ann); err != nil {
		if errors.Is(err, ErrStaleAnnounce) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IngestEnvelope handles announce and gossip envelopes, other types are
// ignored.
func (in *Ingester) IngestEnvelope(env *wire.Envelope, src Source) int {
	msg, err := wire.Decode(env)
	if err != nil {
		in.logger.Debug("undecodable discovery message", mesh.LabelError.L(err), mesh.LabelSource.L(src))
		return 0
	}

	var anns []*wire.Announce
	switch m := msg.(type) {
	case *wire.Announce:
		anns = []*wire.Announce{m}
	case *wire.Gossip:
		anns = m.Announces
	default:
		return 0
	}

	fresh := 0
	for _, ann := range anns {
		if ok, _ := in.Ingest(ann, src); ok {
			fresh++
		}
	}
	return fresh
}
