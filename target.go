package coalesce

import "fmt"

// Target is an opaque process identity the fan-out core applies an
// [Operation] to. It only needs to carry enough information to determine
// its home node; everything else (mailbox, liveness, actual delivery) is
// owned by the surrounding application.
type Target interface {
	// ID uniquely identifies the target process on its home node.
	ID() string

	// Node returns the name of the node this target lives on, as it
	// appears in the cluster's gossip membership.
	Node() string
}

// Pid is the default [Target] implementation: a bare (node, id) pair.
// Applications with a richer process-handle type are free to implement
// [Target] directly instead.
type Pid struct {
	NodeName string
	LocalID  string
}

func (p Pid) ID() string   { return p.LocalID }
func (p Pid) Node() string { return p.NodeName }

func (p Pid) String() string {
	return fmt.Sprintf("%s@%s", p.LocalID, p.NodeName)
}

// key returns a string uniquely identifying the target, suitable for use
// as a map key (monitor tables, monitor routing).
func key(t Target) string {
	return t.Node() + "/" + t.ID()
}
