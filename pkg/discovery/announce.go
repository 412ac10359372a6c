package discovery

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/raskyld/noodlenet/pkg/identity"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/wire"
)

// DefaultMaxClockSkew is how far in the future an announce may be stamped.
const DefaultMaxClockSkew = time.Minute

// LocalState is what the local node advertises about itself.
type LocalState struct {
	Addrs    []string
	Capacity float64
	Load     float64
	Links    map[mesh.NodeID]float64
}

// Announcer produces signed announces of the local node. Timestamps are
// strictly increasing so two announces built in the same clock tick are
// still ordered by the peer tables receiving them.
type Announcer struct {
	ident *identity.Identity
	state func() LocalState
	now   func() time.Time

	last time.Time
	lk   sync.Mutex
}

func NewAnnouncer(ident *identity.Identity, state func() LocalState) *Announcer {
	return &Announcer{
		ident: ident,
		state: state,
		now:   time.Now,
	}
}

// Announce builds and signs an announce. A full announce carries the link
// latencies, a compact one leaves them out to fit in small datagrams.
func (a *Announcer) Announce(full bool) *wire.Announce {
	st := a.state()

	a.lk.Lock()
	ts := a.now()
	if !ts.After(a.last) {
		ts = a.last.Add(time.Nanosecond)
	}
	a.last = ts
	a.lk.Unlock()

	ann := &wire.Announce{
		NodeID:    a.ident.ID(),
		PublicKey: a.ident.PublicKey(),
		Addrs:     slices.Clone(st.Addrs),
		Capacity:  st.Capacity,
		Load:      st.Load,
		Timestamp: ts,
	}
	if full {
		ann.Links = maps.Clone(st.Links)
		ann.LinksIncluded = true
	}
	ann.Signature = a.ident.Sign(ann.SigningBytes())
	return ann
}

// VerifyAnnounce checks that ann is self-consistent, signed by the key it
// carries and not stamped too far in the future. The key is then learned
// by dir.
func VerifyAnnounce(ann *wire.Announce, dir *identity.Directory, now time.Time, maxSkew time.Duration) error {
	if ann == nil || ann.NodeID == "" {
		return fmt.Errorf("%w: missing node id", ErrBadAnnounce)
	}
	if identity.DeriveNodeID(ann.PublicKey) != ann.NodeID {
		return fmt.Errorf("%w: %w", ErrBadAnnounce, identity.ErrIDMismatch)
	}
	if !identity.VerifyKey(ann.PublicKey, ann.SigningBytes(), ann.Signature) {
		return fmt.Errorf("%w: bad signature from %s", ErrBadAnnounce, ann.NodeID.Short())
	}
	if maxSkew > 0 && ann.Timestamp.After(now.Add(maxSkew)) {
		return ErrFutureAnnounce
	}
	if known, ok := dir.PublicKey(ann.NodeID); ok && !bytes.Equal(known, ann.PublicKey) {
		return fmt.Errorf("%w: %w", ErrBadAnnounce, identity.ErrKeyConflict)
	}
	if err := dir.Learn(ann.NodeID, ann.PublicKey); err != nil {
		return fmt.Errorf("%w: %w", ErrBadAnnounce, err)
	}
	return nil
}
