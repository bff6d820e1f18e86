package coalesce

import (
	"context"
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/vmihailenco/msgpack/v5"
)

// delegateRequest is what the transport layer and the local fast path both
// feed into a delegate's mailbox. reply is nil for casts and for monitor /
// demonitor requests, which never answer.
type delegateRequest struct {
	kind      rpcKind
	operation Operation
	targets   []Target
	observer  Target
	watched   Target
	reason    string
	reply     chan []Outcome
}

// monitorEntry is one row of a delegate's monitors table: the native
// subscription backing it, plus every local observer still interested.
type monitorEntry struct {
	cancel    func()
	observers map[string]Target
}

// delegate is the long-lived, single-goroutine server process owning one
// node's slice of a coalesced invocation plus this node's monitor table.
// The monitors table is only ever touched from run, so no lock is needed —
// the mailbox is the only synchronization it requires.
type delegate struct {
	node     string
	name     string
	registry *Registry
	watcher  LivenessWatcher
	notify   func(observer Target, n DownNotification)
	logger   *slog.Logger
	msink    metrics.MetricSink
	mlabels  []metrics.Label

	mailbox  chan delegateRequest
	monitors map[string]*monitorEntry
	done     chan struct{}
}

func newDelegate(
	node, name string,
	registry *Registry,
	watcher LivenessWatcher,
	notify func(observer Target, n DownNotification),
	logger *slog.Logger,
	msink metrics.MetricSink,
	mlabels []metrics.Label,
) *delegate {
	d := &delegate{
		node:     node,
		name:     name,
		registry: registry,
		watcher:  watcher,
		notify:   notify,
		logger:   logger.With(labelDelegate.L(name)),
		msink:    msink,
		mlabels:  append(mlabels, labelDelegate.M(name)),
		mailbox:  make(chan delegateRequest, 64),
		monitors: make(map[string]*monitorEntry),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// submit enqueues req and blocks until it is accepted or the delegate has
// been stopped. It is safe to call from any goroutine, local or from the
// transport's stream handler.
func (d *delegate) submit(ctx context.Context, req delegateRequest) error {
	select {
	case d.mailbox <- req:
		return nil
	case <-d.done:
		return ErrMeshClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *delegate) stop() {
	close(d.done)
}

func (d *delegate) run() {
	for {
		select {
		case req := <-d.mailbox:
			d.msink.SetGaugeWithLabels(MetricDelegateMailboxDepth, float32(len(d.mailbox)), d.mlabels)
			d.handle(req)
		case <-d.done:
			return
		}
	}
}

func (d *delegate) handle(req delegateRequest) {
	switch req.kind {
	case rpcInvoke, rpcInvokeCast:
		outcomes := make([]Outcome, 0, len(req.targets))
		for _, target := range req.targets {
			outcomes = append(outcomes, d.apply(req.operation, target))
		}
		if req.reply != nil {
			req.reply <- outcomes
		}
	case rpcMonitor:
		d.monitor(req.observer, req.watched)
	case rpcDemonitor:
		d.demonitor(req.observer, req.watched)
	case rpcDown:
		d.down(req.watched, req.reason)
	}
}

// apply runs op against a single target, turning a panic or a returned
// error into a structured outcome instead of ever crashing the mailbox
// goroutine (spec §7: "delegate workers never crash on user operation
// failures").
func (d *delegate) apply(op Operation, target Target) Outcome {
	outcome := safeApply(op, target)
	if !outcome.OK() {
		d.msink.IncrCounterWithLabels(MetricDelegatePanicCount, 1.0, d.mlabels)
	}
	d.msink.IncrCounterWithLabels(MetricDelegateAppliedCount, 1.0, d.mlabels)
	return outcome
}

// safeApply runs op against a single target, catching a panic and turning
// it (or a returned error) into a structured Outcome. Used both by a
// delegate's mailbox and by the fan-out core's local-target fast path,
// which must never let a caller's goroutine die from a bug in an Operation
// either.
func safeApply(op Operation, target Target) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = failure(target, capturePanic(r))
		}
	}()

	value, err := op.Apply(context.Background(), target)
	if err != nil {
		return failure(target, captureError(err))
	}
	return success(target, value)
}

func (d *delegate) monitor(observer, watched Target) {
	k := key(watched)
	entry, ok := d.monitors[k]
	if !ok {
		cancel, err := d.watcher.Watch(watched, func(reason string) {
			// Watch must not block; hop back onto the mailbox so the
			// monitors table is only ever mutated by run.
			select {
			case d.mailbox <- delegateRequest{kind: rpcDown, watched: watched, reason: reason}:
			case <-d.done:
			}
		})
		if err != nil {
			d.logger.Warn("failed to establish native liveness subscription", labelError.L(err))
			return
		}
		entry = &monitorEntry{cancel: cancel, observers: make(map[string]Target)}
		d.monitors[k] = entry
		d.msink.SetGaugeWithLabels(MetricMonitorActiveSubs, float32(len(d.monitors)), d.mlabels)
	}
	entry.observers[key(observer)] = observer
}

func (d *delegate) demonitor(observer, watched Target) {
	k := key(watched)
	entry, ok := d.monitors[k]
	if !ok {
		return
	}
	delete(entry.observers, key(observer))
	if len(entry.observers) == 0 {
		entry.cancel()
		delete(d.monitors, k)
		d.msink.SetGaugeWithLabels(MetricMonitorActiveSubs, float32(len(d.monitors)), d.mlabels)
	}
}

func (d *delegate) down(watched Target, reason string) {
	k := key(watched)
	entry, ok := d.monitors[k]
	if !ok {
		return
	}
	delete(d.monitors, k)
	d.msink.SetGaugeWithLabels(MetricMonitorActiveSubs, float32(len(d.monitors)), d.mlabels)

	n := DownNotification{
		Subscription: remoteSubscription{node: d.node, delegate: d.name, watched: watched},
		Watched:      watched,
		Reason:       reason,
	}
	for _, observer := range entry.observers {
		d.notify(observer, n)
		d.msink.IncrCounterWithLabels(MetricMonitorDownNotifyCount, 1.0, d.mlabels)
	}
}

// toWireReply encodes outcomes for transmission, msgpack-encoding each
// success value individually so the delegate never needs to know the
// concrete return type of an arbitrary Operation.
func toWireReply(outcomes []Outcome) (rpcReply, error) {
	wire := make([]wireOutcome, len(outcomes))
	for i, o := range outcomes {
		wo := wireOutcome{Target: toWireTarget(o.Target), Failure: toWireFailure(o.Err)}
		if o.OK() && o.Value != nil {
			blob, err := msgpack.Marshal(o.Value)
			if err != nil {
				return rpcReply{}, err
			}
			wo.ValueBlob = blob
		}
		wire[i] = wo
	}
	return rpcReply{Outcomes: wire}, nil
}

func fromWireReply(reply rpcReply) []Outcome {
	outcomes := make([]Outcome, len(reply.Outcomes))
	for i, wo := range reply.Outcomes {
		target := wo.Target.target()
		if wo.Failure != nil {
			outcomes[i] = failure(target, wo.Failure.failure())
			continue
		}
		var value any
		if len(wo.ValueBlob) > 0 {
			_ = msgpack.Unmarshal(wo.ValueBlob, &value)
		}
		outcomes[i] = success(target, value)
	}
	return outcomes
}
