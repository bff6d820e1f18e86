package coalesce

import (
	"context"
	"time"
)

// transportFacade is the fan-out core's only dependency on the network: a
// unicast synchronous request with an infinite timeout, its fire-and-forget
// sibling, and a way to learn when a node goes away. The production
// implementation is backed by QUIC (transport.go); tests use fakeTransport
// to assert invariants like "exactly one message per node" without any real
// networking.
type transportFacade interface {
	unicast(ctx context.Context, node, delegate string, req rpcRequest) (rpcReply, error)
	cast(ctx context.Context, node, delegate string, req rpcRequest) error
	deliver(ctx context.Context, node string, req deliverRequest) error
	watchNode(node string) <-chan struct{}
}

// partitionTargets splits targets into those living on localNode and a
// map of the rest grouped by their home node.
func partitionTargets(localNode string, targets []Target) (local []Target, groups map[string][]Target) {
	for _, t := range targets {
		if t.Node() == localNode {
			local = append(local, t)
		} else {
			if groups == nil {
				groups = make(map[string][]Target)
			}
			groups[t.Node()] = append(groups[t.Node()], t)
		}
	}
	return
}

// Invoke applies op to a single target, local or remote, and re-raises any
// failure as a plain Go error rather than returning it structured — the
// single-target shape spec §4.2 calls "single-pid re-raise".
func (m *Mesh) Invoke(ctx context.Context, caller string, target Target, op Operation) (any, error) {
	outcome := m.invokeOne(ctx, caller, target, op)
	if !outcome.OK() {
		return nil, outcome.Err
	}
	return outcome.Value, nil
}

// InvokeMany applies op to every target and returns the full partition of
// successes and failures; every input target appears in exactly one of the
// two slices.
func (m *Mesh) InvokeMany(ctx context.Context, caller string, targets []Target, op Operation) (successes, failures []Outcome) {
	if len(targets) == 0 {
		return nil, nil
	}
	if len(targets) == 1 {
		return partitionOutcomes([]Outcome{m.invokeOne(ctx, caller, targets[0], op)})
	}

	local, groups := partitionTargets(m.localNode, targets)

	var outcomes []Outcome
	if len(groups) > 0 {
		if wireOp, ok := op.remote(); ok {
			outcomes = append(outcomes, m.dispatchRemote(ctx, caller, groups, wireOp)...)
		} else {
			for _, ts := range groups {
				for _, t := range ts {
					outcomes = append(outcomes, failure(t, captureError(ErrOperationNotRemotable)))
				}
			}
		}
	}
	for _, t := range local {
		m.msink.IncrCounterWithLabels(MetricInvokeLocalCount, 1.0, m.mlabels)
		outcomes = append(outcomes, safeApply(op, t))
	}
	return partitionOutcomes(outcomes)
}

// InvokeNoResult is the fire-and-forget sibling of InvokeMany: local
// targets still run synchronously in the caller, but remote targets are
// dispatched best-effort and every error, including node-down, is dropped.
func (m *Mesh) InvokeNoResult(ctx context.Context, caller string, targets []Target, op Operation) {
	local, groups := partitionTargets(m.localNode, targets)

	for _, t := range local {
		safeApply(op, t)
		m.msink.IncrCounterWithLabels(MetricInvokeLocalCount, 1.0, m.mlabels)
	}

	if len(groups) == 0 {
		return
	}

	wireOp, ok := op.remote()
	if !ok {
		return
	}

	nodes := make([]string, 0, len(groups))
	for n := range groups {
		nodes = append(nodes, n)
	}
	if err := m.poolSizeCheck(nodes); err != nil {
		return
	}

	delegateName := m.router.route(caller)

	// A lone destination node is dispatched on the caller's own goroutine:
	// a Cast immediately followed by a Call to the same node from the same
	// caller must reach the wire in that order, and Go gives no ordering
	// guarantee between two independently spawned goroutines even if one is
	// started before the other.
	if len(groups) == 1 {
		for node, ts := range groups {
			m.castOneNode(ctx, node, delegateName, caller, ts, wireOp)
		}
		return
	}

	for node, ts := range groups {
		req := rpcRequest{
			Kind:      rpcInvokeCast,
			Delegate:  delegateName,
			Caller:    caller,
			Operation: wireOp,
			Targets:   toWireTargets(ts),
		}
		go func(node string, req rpcRequest) {
			m.msink.IncrCounterWithLabels(MetricInvokeRemoteCount, 1.0, m.mlabels)
			if err := m.transport.cast(ctx, node, delegateName, req); err != nil {
				m.msink.IncrCounterWithLabels(MetricInvokeRemoteErrorCount, 1.0, m.mlabels)
			}
		}(node, req)
	}
}

// castOneNode is InvokeNoResult's single-remote-node path.
func (m *Mesh) castOneNode(ctx context.Context, node, delegateName, caller string, targets []Target, wireOp wireOperation) {
	req := rpcRequest{
		Kind:      rpcInvokeCast,
		Delegate:  delegateName,
		Caller:    caller,
		Operation: wireOp,
		Targets:   toWireTargets(targets),
	}
	m.msink.IncrCounterWithLabels(MetricInvokeRemoteCount, 1.0, m.mlabels)
	if err := m.transport.cast(ctx, node, delegateName, req); err != nil {
		m.msink.IncrCounterWithLabels(MetricInvokeRemoteErrorCount, 1.0, m.mlabels)
	}
}

// Call is the send-sync convenience wrapper: invoke with "deliver message"
// as the operation.
func (m *Mesh) Call(ctx context.Context, caller string, target Target, message any) (any, error) {
	return m.Invoke(ctx, caller, target, m.sendOperation(message))
}

// CallMany is Call's list-shaped counterpart.
func (m *Mesh) CallMany(ctx context.Context, caller string, targets []Target, message any) (successes, failures []Outcome) {
	return m.InvokeMany(ctx, caller, targets, m.sendOperation(message))
}

// Cast is the send-async convenience wrapper: invoke-no-result with
// "deliver message" as the operation.
func (m *Mesh) Cast(ctx context.Context, caller string, targets []Target, message any) {
	m.InvokeNoResult(ctx, caller, targets, m.sendOperation(message))
}

// ForgetCaller releases caller's memoized route. Call it once caller will
// never invoke again; Go has no per-process dictionary to do this for you.
func (m *Mesh) ForgetCaller(caller string) {
	m.router.forget(caller)
}

func (m *Mesh) sendOperation(message any) Operation {
	return m.registry.Symbolic(deliverModule, deliverFunction, message)
}

// invokeOne is the single-target path: local applies in-process, remote is
// a direct one-shot unicast with no grouping or goroutine spawn — spec.md
// §4.2's single-remote-target fast path, kept as its own branch rather than
// funneled through the N-node general case so the hottest cluster traffic
// shape never pays for a map allocation or a channel it doesn't need.
func (m *Mesh) invokeOne(ctx context.Context, caller string, target Target, op Operation) Outcome {
	if target.Node() == m.localNode {
		m.msink.IncrCounterWithLabels(MetricInvokeLocalCount, 1.0, m.mlabels)
		return safeApply(op, target)
	}

	wireOp, ok := op.remote()
	if !ok {
		return failure(target, captureError(ErrOperationNotRemotable))
	}

	node := target.Node()
	if err := m.poolSizeCheck([]string{node}); err != nil {
		return failure(target, captureError(err))
	}

	delegateName := m.router.route(caller)
	req := rpcRequest{
		Kind:      rpcInvoke,
		Delegate:  delegateName,
		Caller:    caller,
		Operation: wireOp,
		Targets:   toWireTargets([]Target{target}),
	}

	start := time.Now()
	reply, err := m.transport.unicast(ctx, node, delegateName, req)
	m.msink.AddSampleWithLabels(MetricInvokeDurationMs, float32(time.Since(start).Milliseconds()), m.mlabels)
	if err != nil {
		m.msink.IncrCounterWithLabels(MetricInvokeNodeDownCount, 1.0, m.mlabels)
		m.msink.IncrCounterWithLabels(MetricInvokeRemoteErrorCount, 1.0, m.mlabels)
		return failure(target, nodeDownError(node))
	}
	m.msink.IncrCounterWithLabels(MetricInvokeRemoteCount, 1.0, m.mlabels)

	outcomes := fromWireReply(reply)
	if len(outcomes) == 0 {
		return failure(target, nodeDownError(node))
	}
	return outcomes[0]
}

// dispatchRemote sends exactly one coalesced rpcRequest per node in groups
// and merges the replies (or synthesized node-down failures) into a flat
// outcome list. A single destination node is dispatched synchronously, on
// the caller's own goroutine, for the same ordering reason castOneNode
// exists; concurrent fan-out only kicks in once there is more than one node
// to wait on, since only then does overlapping the round-trips actually
// buy anything.
func (m *Mesh) dispatchRemote(ctx context.Context, caller string, groups map[string][]Target, wireOp wireOperation) []Outcome {
	nodes := make([]string, 0, len(groups))
	for n := range groups {
		nodes = append(nodes, n)
	}

	if err := m.poolSizeCheck(nodes); err != nil {
		var outcomes []Outcome
		for _, ts := range groups {
			for _, t := range ts {
				outcomes = append(outcomes, failure(t, captureError(err)))
			}
		}
		return outcomes
	}

	delegateName := m.router.route(caller)

	if len(groups) == 1 {
		for node, ts := range groups {
			return m.dispatchOneNode(ctx, node, delegateName, caller, ts, wireOp)
		}
	}

	type result struct {
		node  string
		reply rpcReply
		err   error
	}

	resultCh := make(chan result, len(groups))
	for node, ts := range groups {
		req := rpcRequest{
			Kind:      rpcInvoke,
			Delegate:  delegateName,
			Caller:    caller,
			Operation: wireOp,
			Targets:   toWireTargets(ts),
		}
		go func(node string, req rpcRequest) {
			start := time.Now()
			reply, err := m.transport.unicast(ctx, node, delegateName, req)
			m.msink.AddSampleWithLabels(MetricInvokeDurationMs, float32(time.Since(start).Milliseconds()), m.mlabels)
			resultCh <- result{node: node, reply: reply, err: err}
		}(node, req)
	}

	var outcomes []Outcome
	for range groups {
		res := <-resultCh
		if res.err != nil {
			m.msink.IncrCounterWithLabels(MetricInvokeNodeDownCount, 1.0, m.mlabels)
			m.msink.IncrCounterWithLabels(MetricInvokeRemoteErrorCount, 1.0, m.mlabels)
			for _, t := range groups[res.node] {
				outcomes = append(outcomes, failure(t, nodeDownError(res.node)))
			}
			continue
		}
		m.msink.IncrCounterWithLabels(MetricInvokeRemoteCount, 1.0, m.mlabels)
		outcomes = append(outcomes, fromWireReply(res.reply)...)
	}
	return outcomes
}

// dispatchOneNode is dispatchRemote's single-destination-node path.
func (m *Mesh) dispatchOneNode(ctx context.Context, node, delegateName, caller string, targets []Target, wireOp wireOperation) []Outcome {
	req := rpcRequest{
		Kind:      rpcInvoke,
		Delegate:  delegateName,
		Caller:    caller,
		Operation: wireOp,
		Targets:   toWireTargets(targets),
	}

	start := time.Now()
	reply, err := m.transport.unicast(ctx, node, delegateName, req)
	m.msink.AddSampleWithLabels(MetricInvokeDurationMs, float32(time.Since(start).Milliseconds()), m.mlabels)
	if err != nil {
		m.msink.IncrCounterWithLabels(MetricInvokeNodeDownCount, 1.0, m.mlabels)
		m.msink.IncrCounterWithLabels(MetricInvokeRemoteErrorCount, 1.0, m.mlabels)
		var outcomes []Outcome
		for _, t := range targets {
			outcomes = append(outcomes, failure(t, nodeDownError(node)))
		}
		return outcomes
	}
	m.msink.IncrCounterWithLabels(MetricInvokeRemoteCount, 1.0, m.mlabels)
	return fromWireReply(reply)
}

func toWireTargets(targets []Target) []wireTarget {
	wire := make([]wireTarget, len(targets))
	for i, t := range targets {
		wire[i] = toWireTarget(t)
	}
	return wire
}
