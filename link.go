package coalesce

import (
	"context"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/mnxumalo/coalesce/pkg/wire"
)

// pendingReply is one in-flight unicast waiting for its rpcReply to come
// back on an rpcLink's shared stream.
type pendingReply struct {
	replyCh chan rpcReply
	errCh   chan error
}

// rpcLink is the single persistent, bidirectional QUIC stream this node
// reuses for every RPC envelope it ever sends to one peer node. Funnelling
// every unicast/cast/deliver through one wire.Sender (itself single-
// goroutine, so writes serialize in submission order) and correlating
// replies through one wire.Receiver read loop is what gives two successive
// calls from the same caller to the same node the FIFO ordering the
// caller-pinned routing function exists to provide — QUIC only orders bytes
// within one stream, never across independently opened streams on the same
// connection.
type rpcLink struct {
	node string

	sender   *wire.Sender[*envelope]
	receiver *wire.Receiver[*envelope]

	mu       sync.Mutex
	waiters  []*pendingReply
	closed   bool
	closeErr error
}

func newRPCLink(node string, stream quic.Stream, codec wire.MsgpackCodec[*envelope]) *rpcLink {
	l := &rpcLink{
		node:     node,
		sender:   wire.NewSender[*envelope](wire.RemoteSender{SendStream: stream}, codec, 64),
		receiver: wire.NewReceiver[*envelope](wire.RemoteReceiver{ReceiveStream: stream}, codec, 64),
	}
	go l.readLoop()
	return l
}

func (l *rpcLink) readLoop() {
	for {
		env, err := l.receiver.Recv(context.Background())
		if err != nil {
			l.fail(err)
			return
		}
		if env == nil || env.Reply == nil {
			continue
		}
		l.resolve(*env.Reply)
	}
}

// resolve hands the next reply off the link to the oldest still-waiting
// caller. Replies arrive in the order their requests were written, because
// the peer's serveRPCStream answers one request at a time off the same
// stream, so a plain FIFO queue is enough to correlate them without a
// request ID on the wire.
func (l *rpcLink) resolve(reply rpcReply) {
	l.mu.Lock()
	if len(l.waiters) == 0 {
		l.mu.Unlock()
		return
	}
	pr := l.waiters[0]
	l.waiters = l.waiters[1:]
	l.mu.Unlock()
	pr.replyCh <- reply
}

func (l *rpcLink) removeWaiter(target *pendingReply) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.waiters {
		if w == target {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

func (l *rpcLink) fail(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.closeErr = err
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	for _, w := range waiters {
		w.errCh <- err
	}
}

// dead reports whether the link has already failed, so getRPCLink knows to
// dial a fresh one instead of handing out a link no one will ever read a
// reply from again.
func (l *rpcLink) dead() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *rpcLink) close() {
	l.fail(wire.ErrStreamClosed)
	_ = l.sender.Close()
	_ = l.receiver.Close()
}

func (l *rpcLink) call(ctx context.Context, req rpcRequest) (rpcReply, error) {
	pr := &pendingReply{replyCh: make(chan rpcReply, 1), errCh: make(chan error, 1)}

	l.mu.Lock()
	if l.closed {
		err := l.closeErr
		l.mu.Unlock()
		return rpcReply{}, err
	}
	l.waiters = append(l.waiters, pr)
	l.mu.Unlock()

	if err := l.sender.Send(ctx, &envelope{Request: &req}); err != nil {
		l.removeWaiter(pr)
		return rpcReply{}, err
	}

	select {
	case <-ctx.Done():
		l.removeWaiter(pr)
		return rpcReply{}, ctx.Err()
	case reply := <-pr.replyCh:
		return reply, nil
	case err := <-pr.errCh:
		return rpcReply{}, err
	}
}

func (l *rpcLink) cast(ctx context.Context, req rpcRequest) error {
	return l.sender.Send(ctx, &envelope{Request: &req})
}

func (l *rpcLink) deliver(ctx context.Context, req deliverRequest) error {
	return l.sender.Send(ctx, &envelope{Deliver: &req})
}
