package coalesce

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-metrics"
)

// router maps a caller identity to a delegate name and pins it for the
// caller's lifetime. Every invocation issued by the same caller lands on the
// same delegate index on every peer node it ever targets; combined with
// FIFO delivery on the substrate, this is what makes two invocations from
// one caller to one target execute in send order (spec §4.1).
type router struct {
	prefix  string
	size    int
	memo    sync.Map // caller string -> delegate name string
	msink   metrics.MetricSink
	mlabels []metrics.Label
}

func newRouter(prefix string, size int, msink metrics.MetricSink, mlabels []metrics.Label) *router {
	return &router{prefix: prefix, size: size, msink: msink, mlabels: mlabels}
}

// route returns the delegate name caller is pinned to, computing it from a
// stable hash of the caller identity on first use and memoizing the result
// for every call after. route takes no peer set: the index is bounded by
// this node's own pool size, which callers check against every peer's with
// Mesh.checkPoolSizes before routing.
func (r *router) route(caller string) string {
	if cached, ok := r.memo.Load(caller); ok {
		r.msink.IncrCounterWithLabels(MetricRouteCacheHitCount, 1.0, r.mlabels)
		return cached.(string)
	}

	index := int(xxhash.Sum64String(caller) % uint64(r.size))
	name := newPool(r.prefix, r.size).name(index)

	actual, loaded := r.memo.LoadOrStore(caller, name)
	if loaded {
		r.msink.IncrCounterWithLabels(MetricRouteCacheHitCount, 1.0, r.mlabels)
	} else {
		r.msink.IncrCounterWithLabels(MetricRouteCacheMissCount, 1.0, r.mlabels)
	}
	return actual.(string)
}

// forget releases caller's memoized route. Go has no per-process
// dictionary torn down on termination, so the host application must call
// this explicitly once the caller identity will never invoke again.
func (r *router) forget(caller string) {
	r.memo.Delete(caller)
}
