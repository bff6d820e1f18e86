package coalesce

// streamMode tags the very first message written on a freshly dialed QUIC
// stream, so the acceptor knows whether to hand it to serf's gossip TCP
// fallback or to the delegate RPC dispatcher.
type streamMode uint8

const (
	modeGossip streamMode = iota
	modeRPC
)

type streamInit struct {
	Mode streamMode
}

// rpcKind enumerates the message kinds a delegate mailbox accepts. Only
// rpcInvoke, rpcInvokeCast, rpcMonitor and rpcDemonitor ever cross the wire
// on an rpcRequest; rpcDown crosses the wire too, but on a deliverRequest,
// forwarded by notifyDown to an observer's home node.
type rpcKind uint8

const (
	rpcInvoke rpcKind = iota
	rpcInvokeCast
	rpcMonitor
	rpcDemonitor
	rpcDown
)

// wireTarget is the serializable form of a Target.
type wireTarget struct {
	Node string
	ID   string
}

func toWireTarget(t Target) wireTarget {
	return wireTarget{Node: t.Node(), ID: t.ID()}
}

func (w wireTarget) target() Pid {
	return Pid{NodeName: w.Node, LocalID: w.ID}
}

// wireOperation is the serializable form of a symbolic Operation.
type wireOperation struct {
	Module   string
	Function string
	ArgsBlob []byte
}

// wireFailure is the serializable form of an InvocationError.
type wireFailure struct {
	Kind   FailureKind
	Class  string
	Reason string
	Stack  string
	Node   string
}

func toWireFailure(e *InvocationError) *wireFailure {
	if e == nil {
		return nil
	}
	return &wireFailure{Kind: e.Kind, Class: e.Class, Reason: e.Reason, Stack: e.Stack, Node: e.Node}
}

func (w *wireFailure) failure() *InvocationError {
	if w == nil {
		return nil
	}
	return &InvocationError{Kind: w.Kind, Class: w.Class, Reason: w.Reason, Stack: w.Stack, Node: w.Node}
}

// wireOutcome is the serializable form of an Outcome. Value is carried
// pre-encoded so the delegate never needs to know how to marshal an
// arbitrary application return value beyond what msgpack already does.
type wireOutcome struct {
	Target    wireTarget
	ValueBlob []byte
	Failure   *wireFailure
}

// rpcRequest is the single coalesced message sent to one remote node's
// delegate: it carries every target the caller has on that node plus the
// operation, regardless of how many targets triggered the send.
type rpcRequest struct {
	Kind      rpcKind
	Delegate  string
	Caller    string
	Operation wireOperation
	Targets   []wireTarget

	// Observer/Watched are only set for Kind == rpcMonitor/rpcDemonitor.
	Observer wireTarget
	Watched  wireTarget
}

// rpcReply answers an rpcInvoke request with one outcome per requested
// target, in the order the delegate processed them.
type rpcReply struct {
	Outcomes []wireOutcome
}

// deliverRequest carries a monitor down-notification to an observer's home
// node for local delivery there. Call/cast payloads travel as symbolic
// operations on an rpcRequest instead.
type deliverRequest struct {
	Kind   rpcKind
	Target wireTarget

	// Down-notification fields, set only when Kind == rpcDown.
	Delegate string
	Watched  wireTarget
	Reason   string
}
