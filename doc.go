// A *Mesh* is a group of Golang processes forming one invocation fan-out
// cluster. Every node in a Mesh runs the same fixed-size pool of
// *delegates* — long-lived mailbox workers — and can *invoke* an
// [Operation] against any [Target], local or remote, without ever knowing
// which node actually hosts it.
//
// ## How it works
//
// The first thing to do is [Create] a `Mesh` and [Mesh.JoinCluster] an
// existing one. Under the hood, this uses `serf`'s UDP gossip protocol to
// discover peers and exchange each node's delegate pool size. Nodes
// converge quickly on which peers, and how many delegates per peer, are
// reachable.
//
// For the actual invocation traffic, nodes are *lazily* peered together
// over mutually authenticated QUIC connections. A caller targeting N
// `Target`s living on the same remote node gets exactly one coalesced
// message to that node's delegate, never N. Every invocation from one
// caller is also routed to the same delegate index on every node, so two
// invocations from that caller to the same target run in the order they
// were sent (see the routing function in routing.go).
//
// Once coalesced, a delegate applies the operation to every target in the
// batch, turning a panic or a returned error into a structured [Outcome]
// instead of ever crashing its own mailbox goroutine.
//
// The same pool of delegates also backs a distributed monitor registry:
// [Mesh.Monitor] multiplexes any number of local observers watching the
// same remote target onto a single subscription against that target's
// home-node delegate, which is the only place a native [LivenessWatcher]
// can actually watch it.
//
// ## Design Principles
//
// > coalesce is anti-fragile, scalable, and minimalist.
//
// ### Anti-Fragile
//
// There is no strongly consistent protocol anywhere in this package: a
// Mesh should keep working on top of a lossy, partitioning network. APIs
// MUST NOT model an infallible Mesh — this doesn't exist. A node going
// dark mid-invocation produces a node-down [Outcome], not a hang; host
// applications MUST be ready to handle it.
//
// ### Scalable
//
// Not running a heavy consensus protocol lets a Mesh scale horizontally:
// the delegate pool size is the only thing that must be agreed cluster-wide
// ([ErrPoolSizeMismatch]), and it is fixed at boot, not renegotiated.
//
// ### Minimalist
//
// coalesce is a focused library, not a framework: it owns routing,
// coalescing, and monitor multiplexing, and leaves everything else — how a
// target actually receives a message, how liveness is natively observed —
// to the host application through the [Deliverer] and [LivenessWatcher]
// interfaces.
//
// Dependencies are kept to what each concern actually needs:
//
//   - [hashicorp/serf] and [hashicorp/memberlist], for cluster membership
//     and the UDP gossip protocol.
//   - [quic-go/quic-go], for the mTLS delegate transport; one connection per
//     peer carries both gossip traffic and coalesced RPC streams.
//   - [hashicorp/go-metrics], for every counter and gauge this package
//     emits, with an [armon/go-metrics] label shim where memberlist still
//     expects the legacy type.
//   - [cespare/xxhash], for the stable, non-cryptographic routing hash.
//   - [vmihailenco/msgpack], to encode the coalesced RPC envelope and
//     arbitrary operation arguments/return values without requiring every
//     host application to hand-write a wire format.
//
// [hashicorp/serf]: https://pkg.go.dev/github.com/hashicorp/serf/serf
// [hashicorp/memberlist]: https://pkg.go.dev/github.com/hashicorp/memberlist
// [quic-go/quic-go]: https://pkg.go.dev/github.com/quic-go/quic-go
// [hashicorp/go-metrics]: https://pkg.go.dev/github.com/hashicorp/go-metrics
// [armon/go-metrics]: https://pkg.go.dev/github.com/armon/go-metrics
// [cespare/xxhash]: https://pkg.go.dev/github.com/cespare/xxhash/v2
// [vmihailenco/msgpack]: https://pkg.go.dev/github.com/vmihailenco/msgpack/v5
package coalesce
