// Package noodlenet is a self-organising, authenticated message mesh.
//
// A `Node` joins the mesh through a set of seeds, discovers its peers by
// gossip and keeps a routing table towards every reachable node, including
// the ones it is not directly connected to. Applications `Listen` on named
// resources and `Send` payloads to resources of other nodes, holding a
// capability issued for that purpose.
//
// ## How it works
//
// Every node owns an Ed25519 identity, its `mesh.NodeID` is derived from the
// public key. Announces are signed and spread by two complementary gossip
// layers: [`hashicorp/memberlist`][dep-mbl] for membership, and a lightweight
// epidemic protocol carrying the full announces over the same UDP port.
//
// Nodes exchange heartbeats with their direct peers. The measured round-trip
// times become the weights of the mesh graph, and a failure detector marks
// silent peers `Degraded` then `Unreachable`. Routes are recomputed, with a
// debounce, whenever the topology or a link changes.
//
// The data plane runs over authenticated and encrypted channels, on TCP or
// QUIC, which are pooled per peer. A message which cannot go through its next
// hop fails over to the best route avoiding it. The destination acknowledges
// delivery with the path the message took.
//
// ## Design Principles
//
// ### Anti-Fragile
//
// There is no consensus protocol. Every node acts on its own, eventually
// consistent, view of the mesh. APIs MUST NOT model an infallible mesh, every
// error returned by a `Node` matches one of the taxonomy errors of this
// package with `errors.Is`.
//
// ### Capability-Based
//
// Nothing is delivered without a capability: a signed, scoped and
// time-bounded grant that may be delegated and revoked. Authorisation is
// checked before a message leaves its source and again at its destination.
//
// ### Observable
//
// Components log through `log/slog` and emit [`go-metrics`][dep-met]. A node
// keeps its own metric collector, evaluates alert rules against it and can
// checkpoint its state to disk to restart warm.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
// [dep-met]: https://pkg.go.dev/github.com/hashicorp/go-metrics
package noodlenet
