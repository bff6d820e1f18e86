package coalesce

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/serf/serf"
)

const (
	deliverModule   = "coalesce"
	deliverFunction = "deliver"
)

// Mesh is a single node's membership in the invocation fan-out cluster: the
// gossip layer, the QUIC delegate transport, this node's delegate pool, and
// the glue routing caller invocations and monitor subscriptions to both.
type Mesh struct {
	localNode string
	pool      pool
	router    *router
	registry  *Registry
	watcher   LivenessWatcher
	deliverer Deliverer

	transport transportFacade
	tr        *Transport
	serf      *serf.Serf
	eventCh   chan serf.Event

	delegates map[string]*delegate

	// poolSizeCheck defaults to checkPoolSizes, reading live serf
	// membership; tests substitute a stub so invoke.go's fan-out logic can
	// be exercised without a real serf.Serf instance.
	poolSizeCheck func(nodes []string) error

	logger      *slog.Logger
	msink       metrics.MetricSink
	mlabels     []metrics.Label
	gracePeriod time.Duration

	neighbours []string

	closeOnce sync.Once
	done      chan struct{}
}

// Create boots a Mesh: it allocates the node's delegate pool, starts the
// QUIC transport, and brings up serf gossip membership, but does not join
// any cluster yet — call JoinCluster once you are ready to contact peers.
func Create(opts ...Option) (m *Mesh, err error) {
	serfCfg := serf.DefaultConfig()
	serfCfg.Tags = make(map[string]string)

	cfg := &config{
		serfCfg: serfCfg,
		trCfg:   TransportConfig{},
		msink:   metrics.Default(),
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if cfg.poolSize <= 0 {
		return nil, fmt.Errorf("%w: WithPool is required", ErrInvalidCfg)
	}
	if cfg.registry == nil {
		return nil, fmt.Errorf("%w: WithRegistry is required", ErrInvalidCfg)
	}
	if cfg.watcher == nil {
		return nil, fmt.Errorf("%w: WithLivenessWatcher is required", ErrInvalidCfg)
	}
	if cfg.deliver == nil {
		return nil, fmt.Errorf("%w: WithDeliverer is required", ErrInvalidCfg)
	}

	logger := slog.Default()
	if cfg.logHandler != nil {
		logger = slog.New(cfg.logHandler)
	}

	// Allocate the Mesh pointer before the transport and serf instance
	// exist, so their callbacks can close over m and reach the delegate
	// pool and registry they dispatch into once construction finishes.
	m = &Mesh{
		localNode:   cfg.serfCfg.NodeName,
		pool:        newPool(cfg.poolPrefix, cfg.poolSize),
		router:      newRouter(cfg.poolPrefix, cfg.poolSize, cfg.msink, cfg.metricLabels),
		registry:    cfg.registry,
		watcher:     cfg.watcher,
		deliverer:   cfg.deliver,
		delegates:   make(map[string]*delegate),
		logger:      logger,
		msink:       cfg.msink,
		mlabels:     cfg.metricLabels,
		gracePeriod: cfg.trCfg.GracePeriod,
		neighbours:  cfg.neighbours,
		done:        make(chan struct{}),
	}

	m.registry.Register(deliverModule, deliverFunction, func(ctx context.Context, target Target, args ...any) (any, error) {
		var payload any
		if len(args) > 0 {
			payload = args[0]
		}
		return nil, m.deliverer.Deliver(ctx, target, payload)
	})

	cfg.trCfg.RPCHandler = m.handleRPC
	cfg.trCfg.DeliverHandler = m.handleDeliver

	transport, err := newTransport(&cfg.trCfg)
	if err != nil {
		return nil, err
	}
	m.tr = transport
	m.transport = transport

	cfg.serfCfg.MemberlistConfig.Transport = transport
	cfg.serfCfg.Tags[poolSizeTag] = strconv.Itoa(cfg.poolSize)

	eventCh := make(chan serf.Event, 256)
	cfg.serfCfg.EventCh = eventCh
	m.eventCh = eventCh

	s, err := serf.Create(cfg.serfCfg)
	if err != nil {
		transport.Shutdown()
		return nil, fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	m.serf = s
	if m.localNode == "" {
		m.localNode = s.LocalMember().Name
	}

	for i := 0; i < cfg.poolSize; i++ {
		name := m.pool.name(i)
		m.delegates[name] = newDelegate(m.localNode, name, m.registry, m.watcher, m.notifyDown, m.logger, m.msink, m.mlabels)
	}

	m.poolSizeCheck = m.checkPoolSizes

	go m.handleEvents()

	return m, nil
}

// JoinCluster attempts to contact the neighbours configured with
// WithNeighbours. It is a no-op if none were configured.
func (m *Mesh) JoinCluster() error {
	if len(m.neighbours) == 0 {
		return nil
	}
	if _, err := m.serf.Join(m.neighbours, true); err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	return nil
}

// Topology returns the current gossip membership view.
func (m *Mesh) Topology() []serf.Member {
	return m.serf.Members()
}

// Shutdown leaves the cluster, stops every delegate and then shuts the
// transport down, in that order. A stopped delegate does not run requests
// still queued in its mailbox. The configured grace period is waited out
// inside the transport's shutdown, after the delegates have stopped and
// before the peer connections are closed.
func (m *Mesh) Shutdown() error {
	var shutdownErr error
	m.closeOnce.Do(func() {
		close(m.done)

		if err := m.serf.Leave(); err != nil {
			m.logger.Warn("error leaving cluster", labelError.L(err))
		}
		if err := m.serf.Shutdown(); err != nil {
			m.logger.Warn("error shutting down serf", labelError.L(err))
		}

		for _, d := range m.delegates {
			d.stop()
		}

		shutdownErr = m.tr.Shutdown()
	})
	return shutdownErr
}

func (m *Mesh) handleEvents() {
	for {
		select {
		case event := <-m.eventCh:
			memberEvent, ok := event.(serf.MemberEvent)
			if !ok {
				continue
			}
			logMemberEvent(m.logger, memberEvent)
			switch memberEvent.EventType() {
			case serf.EventMemberJoin:
				for _, member := range memberEvent.Members {
					m.tr.clearDown(member.Name)
				}
			default:
				for _, node := range downNodes(memberEvent) {
					m.tr.markDown(node)
				}
			}
		case <-m.done:
			return
		}
	}
}

// checkPoolSizes verifies every node in nodes advertises the same delegate
// pool size as this node, so the routing hash (spec §4.1) means the same
// thing everywhere. A peer running a different pool size, or one we can no
// longer see in the membership view, fails the whole batch.
func (m *Mesh) checkPoolSizes(nodes []string) error {
	members := m.serf.Members()
	sizes := make(map[string]int, len(members))
	for _, mem := range members {
		if size, ok := poolSizeOf(mem); ok {
			sizes[mem.Name] = size
		}
	}

	for _, node := range nodes {
		size, ok := sizes[node]
		if !ok || size != m.pool.count() {
			return ErrPoolSizeMismatch
		}
	}
	return nil
}

// Monitor subscribes observer to watched's liveness, multiplexing any
// number of local Monitor calls against the same remote watched target onto
// a single subscription held by one delegate on watched's node (spec §4.4).
func (m *Mesh) Monitor(ctx context.Context, observer, watched Target) (Subscription, error) {
	if watched.Node() == m.localNode {
		cancel, err := m.watcher.Watch(watched, func(reason string) {
			m.notifyDown(observer, DownNotification{Watched: watched, Reason: reason})
		})
		if err != nil {
			return nil, err
		}
		return nativeSubscription{cancel: cancel}, nil
	}

	node := watched.Node()
	if err := m.poolSizeCheck([]string{node}); err != nil {
		return nil, err
	}

	delegateName := m.router.route(key(watched))
	req := rpcRequest{
		Kind:     rpcMonitor,
		Delegate: delegateName,
		Observer: toWireTarget(observer),
		Watched:  toWireTarget(watched),
	}
	if err := m.transport.cast(ctx, node, delegateName, req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNodeDown, err)
	}

	sub := remoteSubscription{node: node, delegate: delegateName, observer: observer, watched: watched}
	go m.watchRemoteNode(sub)
	return sub, nil
}

// Demonitor cancels a subscription returned by Monitor.
func (m *Mesh) Demonitor(sub Subscription) error {
	switch s := sub.(type) {
	case nativeSubscription:
		s.cancel()
		return nil
	case remoteSubscription:
		if err := m.poolSizeCheck([]string{s.node}); err != nil {
			return err
		}
		req := rpcRequest{
			Kind:     rpcDemonitor,
			Delegate: s.delegate,
			Observer: toWireTarget(s.observer),
			Watched:  toWireTarget(s.watched),
		}
		return m.transport.cast(context.Background(), s.node, s.delegate, req)
	default:
		return fmt.Errorf("coalesce: unknown subscription type %T", sub)
	}
}

// watchRemoteNode synthesizes a down-notification for sub's observer if the
// whole node holding sub's watched target disappears from gossip, which is
// the one case a remote delegate can never report itself: it died with its
// node before it could.
func (m *Mesh) watchRemoteNode(sub remoteSubscription) {
	select {
	case <-m.transport.watchNode(sub.node):
		m.notifyDown(sub.observer, DownNotification{Subscription: sub, Watched: sub.watched, Reason: "node-down"})
	case <-m.done:
	}
}

// notifyDown hands a down-notification to observer, locally if it lives on
// this node or over the wire to its home node otherwise.
func (m *Mesh) notifyDown(observer Target, n DownNotification) {
	if observer.Node() == m.localNode {
		if err := m.deliverer.Deliver(context.Background(), observer, n); err != nil {
			m.logger.Warn("failed to deliver down notification", labelError.L(err))
		}
		return
	}

	var delegateName string
	if rs, ok := n.Subscription.(remoteSubscription); ok {
		delegateName = rs.delegate
	}

	req := deliverRequest{
		Kind:     rpcDown,
		Target:   toWireTarget(observer),
		Delegate: delegateName,
		Watched:  toWireTarget(n.Watched),
		Reason:   n.Reason,
	}
	if err := m.transport.deliver(context.Background(), observer.Node(), req); err != nil {
		m.logger.Warn("failed to forward down notification", labelError.L(err))
	}
}

// handleRPC answers an inbound rpcRequest by forwarding it to the named
// local delegate.
func (m *Mesh) handleRPC(ctx context.Context, req rpcRequest) (rpcReply, error) {
	d, ok := m.delegates[req.Delegate]
	if !ok {
		return rpcReply{}, fmt.Errorf("%w: %s", ErrDelegateGone, req.Delegate)
	}

	switch req.Kind {
	case rpcInvoke:
		op := operationFromWire(m.registry, req.Operation)
		reply := make(chan []Outcome, 1)
		if err := d.submit(ctx, delegateRequest{kind: rpcInvoke, operation: op, targets: fromWireTargets(req.Targets), reply: reply}); err != nil {
			return rpcReply{}, err
		}
		return toWireReply(<-reply)

	case rpcInvokeCast:
		op := operationFromWire(m.registry, req.Operation)
		_ = d.submit(ctx, delegateRequest{kind: rpcInvoke, operation: op, targets: fromWireTargets(req.Targets)})
		return rpcReply{}, nil

	case rpcMonitor:
		_ = d.submit(ctx, delegateRequest{kind: rpcMonitor, observer: req.Observer.target(), watched: req.Watched.target()})
		return rpcReply{}, nil

	case rpcDemonitor:
		_ = d.submit(ctx, delegateRequest{kind: rpcDemonitor, observer: req.Observer.target(), watched: req.Watched.target()})
		return rpcReply{}, nil
	}

	return rpcReply{}, fmt.Errorf("coalesce: unexpected rpc kind %d", req.Kind)
}

// handleDeliver answers an inbound deliverRequest: a synthesized
// down-notification forwarded from the node that owns the matching
// monitor subscription.
func (m *Mesh) handleDeliver(ctx context.Context, req deliverRequest) error {
	switch req.Kind {
	case rpcDown:
		n := DownNotification{
			Subscription: remoteSubscription{node: req.Watched.Node, delegate: req.Delegate, observer: req.Target.target(), watched: req.Watched.target()},
			Watched:      req.Watched.target(),
			Reason:       req.Reason,
		}
		return m.deliverer.Deliver(ctx, req.Target.target(), n)
	default:
		return fmt.Errorf("coalesce: unexpected deliver kind %d", req.Kind)
	}
}

func operationFromWire(registry *Registry, op wireOperation) Operation {
	return wireBoundOperation{registry: registry, op: op}
}

// wireBoundOperation adapts a wireOperation received over the network back
// into an Operation, so an inbound rpcRequest flows through the exact same
// delegate.apply/safeApply path as a locally issued symbolic invocation.
type wireBoundOperation struct {
	registry *Registry
	op       wireOperation
}

func (w wireBoundOperation) Apply(ctx context.Context, target Target) (any, error) {
	return w.registry.applyWire(ctx, w.op, target)
}

func (w wireBoundOperation) remote() (wireOperation, bool) {
	return w.op, true
}

func fromWireTargets(ws []wireTarget) []Target {
	ts := make([]Target, len(ws))
	for i, w := range ws {
		ts[i] = w.target()
	}
	return ts
}
