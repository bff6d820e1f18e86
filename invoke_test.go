package coalesce

import (
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestMesh(localNode string, ft *fakeTransport) *Mesh {
	return &Mesh{
		localNode:     localNode,
		pool:          newPool("worker-", 2),
		router:        newRouter("worker-", 2, &metrics.BlackholeSink{}, nil),
		registry:      NewRegistry(),
		transport:     ft,
		msink:         &metrics.BlackholeSink{},
		poolSizeCheck: func(nodes []string) error { return nil },
	}
}

func echoOperation() Operation {
	return Func(func(ctx context.Context, target Target) (any, error) {
		return target.ID(), nil
	})
}

func TestInvokeManyAllLocal(t *testing.T) {
	m := newTestMesh("node1", newFakeTransport())
	targets := []Target{
		Pid{NodeName: "node1", LocalID: "a"},
		Pid{NodeName: "node1", LocalID: "b"},
	}

	successes, failures := m.InvokeMany(context.Background(), "caller-1", targets, echoOperation())
	require.Empty(t, failures)
	require.Len(t, successes, 2)
}

func TestInvokeManyCoalescesOneRequestPerNode(t *testing.T) {
	ft := newFakeTransport()
	m := newTestMesh("node1", ft)

	registry := m.registry
	op := registry.Symbolic("m", "f")
	registry.Register("m", "f", func(ctx context.Context, target Target, args ...any) (any, error) {
		return target.ID(), nil
	})

	targets := []Target{
		Pid{NodeName: "node2", LocalID: "a"},
		Pid{NodeName: "node2", LocalID: "b"},
		Pid{NodeName: "node3", LocalID: "c"},
	}

	successes, failures := m.InvokeMany(context.Background(), "caller-1", targets, op)
	require.Empty(t, failures)
	require.Len(t, successes, 3)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Len(t, ft.unicasts, 2, "exactly one coalesced request per remote node")
	for _, req := range ft.unicasts {
		if len(req.Targets) == 2 {
			require.Equal(t, "node2", req.Targets[0].Node)
		} else {
			require.Len(t, req.Targets, 1)
			require.Equal(t, "node3", req.Targets[0].Node)
		}
	}
}

func TestInvokeManySameCallerPinsSameDelegate(t *testing.T) {
	ft := newFakeTransport()
	m := newTestMesh("node1", ft)
	op := m.registry.Symbolic("m", "f")
	m.registry.Register("m", "f", func(ctx context.Context, target Target, args ...any) (any, error) {
		return nil, nil
	})

	targets := []Target{Pid{NodeName: "node2", LocalID: "a"}}
	_, _ = m.InvokeMany(context.Background(), "caller-1", targets, op)
	_, _ = m.InvokeMany(context.Background(), "caller-1", targets, op)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Len(t, ft.unicasts, 2)
	require.Equal(t, ft.unicasts[0].Delegate, ft.unicasts[1].Delegate)
}

func TestInvokeManyEmptyTargetsProducesNoTraffic(t *testing.T) {
	ft := newFakeTransport()
	m := newTestMesh("node1", ft)

	successes, failures := m.InvokeMany(context.Background(), "caller-1", nil, echoOperation())
	require.Nil(t, successes)
	require.Nil(t, failures)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Empty(t, ft.unicasts)
	require.Empty(t, ft.casts)
}

func TestInvokeManyNonRemotableOperationFailsRemoteTargets(t *testing.T) {
	ft := newFakeTransport()
	m := newTestMesh("node1", ft)

	targets := []Target{
		Pid{NodeName: "node1", LocalID: "local"},
		Pid{NodeName: "node2", LocalID: "remote"},
	}

	successes, failures := m.InvokeMany(context.Background(), "caller-1", targets, echoOperation())
	require.Len(t, successes, 1)
	require.Len(t, failures, 1)
	require.ErrorIs(t, failures[0].Err, ErrOperationNotRemotable)
}

func TestInvokeSingleTargetReRaisesFailure(t *testing.T) {
	ft := newFakeTransport()
	m := newTestMesh("node1", ft)

	_, err := m.Invoke(context.Background(), "caller-1", Pid{NodeName: "node1", LocalID: "x"}, echoOperation())
	require.NoError(t, err)

	op := Func(func(ctx context.Context, target Target) (any, error) {
		return nil, errBoom
	})
	_, err = m.Invoke(context.Background(), "caller-1", Pid{NodeName: "node1", LocalID: "x"}, op)
	require.Error(t, err)
}

func TestInvokeNodeDownSynthesizesFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.unicastErr = map[string]error{"node2": errBoom}
	m := newTestMesh("node1", ft)

	op := m.registry.Symbolic("m", "f")
	m.registry.Register("m", "f", func(ctx context.Context, target Target, args ...any) (any, error) {
		return nil, nil
	})

	_, err := m.Invoke(context.Background(), "caller-1", Pid{NodeName: "node2", LocalID: "a"}, op)
	require.Error(t, err)
	require.True(t, IsNodeDown(err))
}

func TestCastThenCallSameNodePreservesOrder(t *testing.T) {
	ft := newFakeTransport()
	m := newTestMesh("node1", ft)
	op := m.registry.Symbolic("m", "f")
	m.registry.Register("m", "f", func(ctx context.Context, target Target, args ...any) (any, error) {
		return nil, nil
	})

	target := Pid{NodeName: "node2", LocalID: "a"}

	for i := 0; i < 20; i++ {
		m.InvokeNoResult(context.Background(), "caller-1", []Target{target}, op)
		_, err := m.Invoke(context.Background(), "caller-1", target, op)
		require.NoError(t, err)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Len(t, ft.order, 40, "a cast and a call recorded per round-trip")
	for i := 0; i < len(ft.order); i += 2 {
		require.Equal(t, "cast", ft.order[i].kind, "round %d: cast must be recorded before its call", i/2)
		require.Equal(t, "unicast", ft.order[i+1].kind, "round %d: call must follow its cast", i/2)
	}
}

func TestInvokeNoResultIgnoresRemoteErrors(t *testing.T) {
	ft := newFakeTransport()
	ft.castErr = map[string]error{"node2": errBoom}
	m := newTestMesh("node1", ft)
	op := m.registry.Symbolic("m", "f")
	m.registry.Register("m", "f", func(ctx context.Context, target Target, args ...any) (any, error) {
		return nil, nil
	})

	require.NotPanics(t, func() {
		m.InvokeNoResult(context.Background(), "caller-1", []Target{Pid{NodeName: "node2", LocalID: "a"}}, op)
	})
}
