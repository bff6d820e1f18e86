package coalesce

import "fmt"

// pool is the fixed-size, boot-time set of delegate names a node runs.
// There is no dynamic registration: every worker prefix+0..prefix+(size-1)
// is created once, at Create, and lives for the node's lifetime.
type pool struct {
	prefix string
	size   int
}

func newPool(prefix string, size int) pool {
	return pool{prefix: prefix, size: size}
}

// name returns the registered name of the index-th worker in this pool.
func (p pool) name(index int) string {
	return fmt.Sprintf("%s%d", p.prefix, index)
}

// count is the effective pool size callers use to bound the routing hash.
func (p pool) count() int {
	return p.size
}
