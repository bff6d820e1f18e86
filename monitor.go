package coalesce

import "context"

// LivenessWatcher is the host application's own native, single-node
// liveness mechanism — the external collaborator this package multiplexes
// onto the network. Implementations are usually a thin wrapper around
// whatever process-monitor primitive the host already has.
type LivenessWatcher interface {
	// Watch subscribes to watched's liveness. watched MUST live on this
	// node. onDown is invoked exactly once, with a human-readable reason,
	// when watched dies; it MUST NOT block. The returned cancel tears the
	// subscription down early without firing onDown.
	Watch(watched Target, onDown func(reason string)) (cancel func(), err error)
}

// Deliverer is the host application's callback for handing a message to one
// of its own local targets. It backs the call/cast convenience wrappers and
// is how a delegate gets a down-notification back to a local observer.
type Deliverer interface {
	Deliver(ctx context.Context, target Target, message any) error
}

// DownNotification is what an observer receives when a watched target dies,
// mirroring spec §4.4's (down, subscription, process, watched, info) shape.
type DownNotification struct {
	Subscription Subscription
	Watched      Target
	Reason       string
}

// Subscription is the opaque handle Monitor returns: either a native,
// local subscription, or a composite (delegate, watched) pair describing a
// remote one. Demonitor dispatches on the concrete type.
type Subscription interface {
	isSubscription()
}

// nativeSubscription wraps a direct, same-node LivenessWatcher subscription.
type nativeSubscription struct {
	cancel func()
}

func (nativeSubscription) isSubscription() {}

// remoteSubscription identifies a subscription held on a remote delegate on
// behalf of this observer.
type remoteSubscription struct {
	node     string
	delegate string
	observer Target
	watched  Target
}

func (remoteSubscription) isSubscription() {}
