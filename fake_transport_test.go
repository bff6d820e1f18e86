package coalesce

import (
	"context"
	"sync"
)

// orderedCall records one transportFacade call against the fake, in the
// order fakeTransport observed it, so a test can assert relative ordering
// between a cast and a call (e.g. "the cast for target X was recorded
// before the call for target X") without caring about wall-clock timing.
type orderedCall struct {
	kind string // "unicast" or "cast"
	req  rpcRequest
}

// fakeTransport is an in-memory transportFacade double: it records every
// unicast/cast/deliver it was asked to send instead of touching the
// network, so fan-out invariants ("exactly one message per node") can be
// asserted directly.
type fakeTransport struct {
	mu       sync.Mutex
	unicasts []rpcRequest
	casts    []rpcRequest
	delivers []deliverRequest
	order    []orderedCall
	downCh   map[string]chan struct{}

	// reply, when set, overrides the default echo-the-targets-back
	// behavior of unicast.
	reply func(req rpcRequest) (rpcReply, error)
	// unicastErr, when set, makes unicast fail for the named node.
	unicastErr map[string]error
	// castErr, when set, makes cast fail for the named node.
	castErr map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{downCh: make(map[string]chan struct{})}
}

func (f *fakeTransport) unicast(ctx context.Context, node, delegate string, req rpcRequest) (rpcReply, error) {
	f.mu.Lock()
	f.unicasts = append(f.unicasts, req)
	f.order = append(f.order, orderedCall{kind: "unicast", req: req})
	if err, ok := f.unicastErr[node]; ok {
		f.mu.Unlock()
		return rpcReply{}, err
	}
	reply := f.reply
	f.mu.Unlock()

	if reply != nil {
		return reply(req)
	}

	outcomes := make([]wireOutcome, len(req.Targets))
	for i, target := range req.Targets {
		outcomes[i] = wireOutcome{Target: target}
	}
	return rpcReply{Outcomes: outcomes}, nil
}

func (f *fakeTransport) cast(ctx context.Context, node, delegate string, req rpcRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.casts = append(f.casts, req)
	f.order = append(f.order, orderedCall{kind: "cast", req: req})
	if err, ok := f.castErr[node]; ok {
		return err
	}
	return nil
}

func (f *fakeTransport) deliver(ctx context.Context, node string, req deliverRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivers = append(f.delivers, req)
	return nil
}

func (f *fakeTransport) watchNode(node string) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.downCh[node]
	if !ok {
		ch = make(chan struct{})
		f.downCh[node] = ch
	}
	return ch
}

// markDown simulates the node vanishing from gossip.
func (f *fakeTransport) markDown(node string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.downCh[node]
	if !ok {
		ch = make(chan struct{})
		f.downCh[node] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}
