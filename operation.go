package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrOperationNotRemotable is returned immediately, before any network
	// traffic, when a closure-shaped [Operation] (or a symbolic one whose
	// args cannot be msgpack-encoded) is applied to a target that does not
	// live on the local node.
	ErrOperationNotRemotable = errors.New("coalesce: operation is not serializable across nodes")

	// ErrOperationNotRegistered is returned when a symbolic operation
	// names a (module, function) pair the receiving node's [Registry]
	// does not know about.
	ErrOperationNotRegistered = errors.New("coalesce: operation not registered on this node")
)

// OperationFunc is the shape a registered symbolic operation must take.
type OperationFunc func(ctx context.Context, target Target, args ...any) (any, error)

// Operation is either a captured function taking one target and returning
// a value (local-only), or a symbolic (module, function, extra-args) triple
// resolved through a [Registry] on whichever node executes it (remotable).
type Operation interface {
	// Apply executes the operation against a single target.
	Apply(ctx context.Context, target Target) (any, error)

	// remote returns the wire-transmissible symbolic form of this
	// operation, or ok=false if it is a captured closure that cannot
	// cross a node boundary.
	remote() (wireOperation, bool)
}

type funcOperation struct {
	fn func(ctx context.Context, target Target) (any, error)
}

// Func wraps a plain Go closure as an [Operation]. Closures can only be
// applied to local targets: the fan-out core rejects them with
// [ErrOperationNotRemotable] before sending anything over the network.
func Func(fn func(ctx context.Context, target Target) (any, error)) Operation {
	return funcOperation{fn: fn}
}

func (f funcOperation) Apply(ctx context.Context, target Target) (any, error) {
	return f.fn(ctx, target)
}

func (f funcOperation) remote() (wireOperation, bool) {
	return wireOperation{}, false
}

type symbolicOperation struct {
	module   string
	function string
	args     []any
	registry *Registry
}

func (s symbolicOperation) Apply(ctx context.Context, target Target) (any, error) {
	fn, ok := s.registry.lookup(s.module, s.function)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrOperationNotRegistered, s.module, s.function)
	}
	return fn(ctx, target, s.args...)
}

func (s symbolicOperation) remote() (wireOperation, bool) {
	blob, err := msgpack.Marshal(s.args)
	if err != nil {
		// args must be msgpack-encodable by contract of a symbolic
		// operation; one that violates this is treated like a closure, so
		// remote targets fail with ErrOperationNotRemotable instead of
		// running without their args. Local targets still run.
		return wireOperation{}, false
	}
	return wireOperation{
		Module:   s.module,
		Function: s.function,
		ArgsBlob: blob,
	}, true
}

// Registry maps (module, function) pairs to executable code, the same way
// every node in the cluster must agree on symbol -> code mappings for a
// symbolic [Operation] to mean the same thing everywhere it runs.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]OperationFunc
}

func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]OperationFunc)}
}

// Register associates (module, function) with fn. Every node that might
// execute a symbolic operation targeting this pair must call Register
// with an equivalent fn before joining the cluster.
func (r *Registry) Register(module, function string, fn OperationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[regKey(module, function)] = fn
}

// Symbolic builds an [Operation] that resolves (module, function) through
// this registry wherever it ends up executing, local or remote.
func (r *Registry) Symbolic(module, function string, args ...any) Operation {
	return symbolicOperation{module: module, function: function, args: args, registry: r}
}

func (r *Registry) lookup(module, function string) (OperationFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[regKey(module, function)]
	return fn, ok
}

// applyWire resolves and executes a [wireOperation] as received from a
// remote caller.
func (r *Registry) applyWire(ctx context.Context, op wireOperation, target Target) (any, error) {
	fn, ok := r.lookup(op.Module, op.Function)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrOperationNotRegistered, op.Module, op.Function)
	}

	var args []any
	if len(op.ArgsBlob) > 0 {
		if err := msgpack.Unmarshal(op.ArgsBlob, &args); err != nil {
			return nil, fmt.Errorf("coalesce: decoding operation args: %w", err)
		}
	}

	return fn(ctx, target, args...)
}

func regKey(module, function string) string {
	return module + "." + function
}
