package coalesce

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWatcher is an in-memory LivenessWatcher double. It records how many
// times Watch actually opened a subscription, so a test can assert that N
// Monitor calls against the same watched target multiplex onto exactly one
// native subscription (spec.md §4.4, §8 scenario 3), rather than one per
// observer.
type fakeWatcher struct {
	mu        sync.Mutex
	watches   int
	cancelled int
	onDown    map[string]func(string)
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{onDown: make(map[string]func(string))}
}

func (w *fakeWatcher) Watch(watched Target, onDown func(reason string)) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watches++
	k := key(watched)
	w.onDown[k] = onDown
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.cancelled++
		delete(w.onDown, k)
	}, nil
}

func (w *fakeWatcher) fire(watched Target, reason string) {
	w.mu.Lock()
	onDown := w.onDown[key(watched)]
	w.mu.Unlock()
	if onDown != nil {
		onDown(reason)
	}
}

func (w *fakeWatcher) watchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watches
}

func (w *fakeWatcher) cancelCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

func newTestDelegate(watcher LivenessWatcher, notify func(observer Target, n DownNotification)) *delegate {
	return newDelegate("node2", "worker-0", NewRegistry(), watcher, notify, testLogger(), &metrics.BlackholeSink{}, nil)
}

func TestDelegateMonitorMultiplexesOntoOneNativeSubscription(t *testing.T) {
	watcher := newFakeWatcher()

	var mu sync.Mutex
	var notified []Target

	d := newTestDelegate(watcher, func(observer Target, n DownNotification) {
		mu.Lock()
		notified = append(notified, observer)
		mu.Unlock()
	})
	defer d.stop()

	watched := Pid{NodeName: "node1", LocalID: "w"}
	observer1 := Pid{NodeName: "node3", LocalID: "o1"}
	observer2 := Pid{NodeName: "node4", LocalID: "o2"}

	require.NoError(t, d.submit(context.Background(), delegateRequest{kind: rpcMonitor, observer: observer1, watched: watched}))
	require.NoError(t, d.submit(context.Background(), delegateRequest{kind: rpcMonitor, observer: observer2, watched: watched}))

	require.Eventually(t, func() bool { return watcher.watchCount() == 1 }, time.Second, time.Millisecond,
		"two Monitor calls against the same watched target must open exactly one native subscription")

	watcher.fire(watched, "process exited")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notified) == 2
	}, time.Second, time.Millisecond, "every multiplexed observer must be notified once the shared subscription fires")
}

func TestDelegateDemonitorCancelsOnlyAfterLastObserverLeaves(t *testing.T) {
	watcher := newFakeWatcher()
	d := newTestDelegate(watcher, func(observer Target, n DownNotification) {})
	defer d.stop()

	watched := Pid{NodeName: "node1", LocalID: "w"}
	observer1 := Pid{NodeName: "node3", LocalID: "o1"}
	observer2 := Pid{NodeName: "node4", LocalID: "o2"}

	require.NoError(t, d.submit(context.Background(), delegateRequest{kind: rpcMonitor, observer: observer1, watched: watched}))
	require.NoError(t, d.submit(context.Background(), delegateRequest{kind: rpcMonitor, observer: observer2, watched: watched}))
	require.Eventually(t, func() bool { return watcher.watchCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, d.submit(context.Background(), delegateRequest{kind: rpcDemonitor, observer: observer1, watched: watched}))
	// One observer down-monitoring must not tear down the shared subscription
	// while another is still interested.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, watcher.cancelCount())

	require.NoError(t, d.submit(context.Background(), delegateRequest{kind: rpcDemonitor, observer: observer2, watched: watched}))
	require.Eventually(t, func() bool { return watcher.cancelCount() == 1 }, time.Second, time.Millisecond,
		"the last observer leaving must cancel the native subscription")
}

func TestMeshMonitorLocalTargetUsesNativeWatcher(t *testing.T) {
	watcher := newFakeWatcher()
	ft := newFakeTransport()
	m := newTestMesh("node1", ft)
	m.watcher = watcher

	watched := Pid{NodeName: "node1", LocalID: "w"}
	observer := Pid{NodeName: "node1", LocalID: "o"}

	sub, err := m.Monitor(context.Background(), observer, watched)
	require.NoError(t, err)
	require.IsType(t, nativeSubscription{}, sub)
	require.Equal(t, 1, watcher.watchCount())

	require.NoError(t, m.Demonitor(sub))
	require.Equal(t, 1, watcher.cancelCount())

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Empty(t, ft.casts, "a local watched target must never generate wire traffic")
}

func TestMeshMonitorRemoteTargetCastsMonitorRequest(t *testing.T) {
	ft := newFakeTransport()
	m := newTestMesh("node1", ft)

	watched := Pid{NodeName: "node2", LocalID: "w"}
	observer := Pid{NodeName: "node1", LocalID: "o"}

	sub, err := m.Monitor(context.Background(), observer, watched)
	require.NoError(t, err)

	rs, ok := sub.(remoteSubscription)
	require.True(t, ok)
	require.Equal(t, "node2", rs.node)

	ft.mu.Lock()
	require.Len(t, ft.casts, 1)
	require.Equal(t, rpcMonitor, ft.casts[0].Kind)
	require.Equal(t, "w", ft.casts[0].Watched.ID)
	ft.mu.Unlock()

	require.NoError(t, m.Demonitor(sub))

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Len(t, ft.casts, 2)
	require.Equal(t, rpcDemonitor, ft.casts[1].Kind)
}

func TestMeshMonitorRemoteTargetRespectsPoolSizeMismatch(t *testing.T) {
	ft := newFakeTransport()
	m := newTestMesh("node1", ft)
	m.poolSizeCheck = func(nodes []string) error { return ErrPoolSizeMismatch }

	watched := Pid{NodeName: "node2", LocalID: "w"}
	observer := Pid{NodeName: "node1", LocalID: "o"}

	_, err := m.Monitor(context.Background(), observer, watched)
	require.ErrorIs(t, err, ErrPoolSizeMismatch)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Empty(t, ft.casts, "a pool-size mismatch must short-circuit before any wire traffic")
}
