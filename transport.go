package coalesce

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unique"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/quic-go/quic-go"

	"github.com/mnxumalo/coalesce/pkg/wire"
)

const defaultUDPBufferSize int = 1 << 21

// TransportConfig configures the QUIC-backed delegate transport.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails Create if the kernel doesn't allocate what we
	// asked. Otherwise we retry with half the requested size until it fits.
	EnforceBufferSize bool

	// TlsConfig must be configured with mTLS: peer hostnames are resolved
	// from the client certificate.
	TlsConfig *tls.Config

	BindAddr string
	BindPort int

	// HintMaxFlows indicates how many concurrent RPC streams we expect to
	// hold with any one peer.
	HintMaxFlows int64

	HostnameResolver HostnameResolver
	MetricLabels     []metrics.Label
	MetricSink       metrics.MetricSink
	DialTimeout      time.Duration
	GracePeriod      time.Duration
	LogHandler       slog.Handler

	// RPCHandler answers an inbound rpcRequest, producing a reply for
	// rpcInvoke and an ignored zero value for the cast-shaped kinds.
	RPCHandler func(ctx context.Context, req rpcRequest) (rpcReply, error)

	// DeliverHandler answers an inbound deliverRequest (a remote monitor
	// down-notification).
	DeliverHandler func(ctx context.Context, req deliverRequest) error
}

// Transport is the QUIC-backed substrate carrying both memberlist's gossip
// traffic and this package's own coalesced RPC envelopes, multiplexed over
// the same mTLS connections.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	gracefulTerm atomic.Bool

	envCodec wire.MsgpackCodec[*envelope]

	AddrToHost map[string]unique.Handle[Hostname]
	hostsInfo  map[unique.Handle[Hostname]]Host
	hostsCxs   map[unique.Handle[Hostname]][]hostCx
	hostsLock  sync.RWMutex

	downLock    sync.Mutex
	downSet     map[string]struct{}
	downWatchCh map[string][]chan struct{}

	linksLock sync.Mutex
	rpcLinks  map[string]*rpcLink

	// Memberlist protocol
	packetCh chan *memberlist.Packet
	streamCh chan net.Conn

	tr    *quic.Transport
	ln    *quic.Listener
	udpLn *net.UDPConn
}

type hostCx struct {
	closeCh chan struct{}
	quic.Connection
}

// envelope is the single message type ever written to a stream: the first
// envelope on a stream always carries Init, declaring whether the stream is
// a gossip-protocol stream (handed to memberlist) or an RPC/deliver one
// handled here.
type envelope struct {
	Init    *streamInit
	Request *rpcRequest
	Reply   *rpcReply
	Deliver *deliverRequest
}

func newTransport(cfg *TransportConfig) (t *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &Transport{
		cfg:         cfg,
		envCodec:    wire.NewMsgpackCodec[*envelope](false),
		AddrToHost:  make(map[string]unique.Handle[Hostname]),
		hostsInfo:   make(map[unique.Handle[Hostname]]Host),
		hostsCxs:    make(map[unique.Handle[Hostname]][]hostCx),
		packetCh:    make(chan *memberlist.Packet),
		streamCh:    make(chan net.Conn),
		downSet:     make(map[string]struct{}),
		downWatchCh: make(map[string][]chan struct{}),
		rpcLinks:    make(map[string]*rpcLink),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	port := cfg.BindPort
	if port == 0 {
		port = 6174
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{Conn: udpLn}

	hintFlow := cfg.HintMaxFlows
	if hintFlow == 0 {
		hintFlow = 10000
	}

	ln, err := t.tr.Listen(t.cfg.TlsConfig, &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		EnableDatagrams:       true,
		Allow0RTT:             false,
		MaxIncomingStreams:    hintFlow,
		MaxIncomingUniStreams: hintFlow,
		MaxIdleTimeout:        1 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	go t.acceptCx()
	return t, nil
}

func (t *Transport) advertiseAddr() (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrUdpNotAvailable
	}

	ipPort := strings.Split(t.udpLn.LocalAddr().String(), ":")
	if len(ipPort) != 2 {
		panic("go runtime produced an unexpected udp addr format")
	}

	parsedPort, err := strconv.Atoi(ipPort[1])
	if err != nil {
		panic(err)
	}

	ip := net.ParseIP(ipPort[0])
	if ip == nil {
		panic("go runtime produced an invalid udp IP")
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}

	return ip, parsedPort, nil
}

// -- memberlist.Transport --

func (t *Transport) FinalAdvertiseAddr(_ string, _ int) (net.IP, int, error) {
	return t.advertiseAddr()
}

func (t *Transport) WriteTo(b []byte, addr string) (time.Time, error) {
	return t.WriteToAddress(b, memberlist.Address{Addr: addr})
}

func (t *Transport) WriteToAddress(b []byte, addr memberlist.Address) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()

	conn, err := t.getActiveCx(ctx, addr)
	if err != nil {
		return time.Time{}, err
	}

	ts := time.Now()
	err = conn.SendDatagram(b)
	mLabels := append(t.cfg.MetricLabels, labelPeerAddr.M(addr.Addr))
	if err == nil {
		t.msink.IncrCounterWithLabels(MetricTransportDatagramOutBytes, float32(len(b)), mLabels)
	} else {
		t.msink.IncrCounterWithLabels(MetricTransportDatagramOutErrorCount, 1.0, mLabels)
	}
	return ts, err
}

func (t *Transport) PacketCh() <-chan *memberlist.Packet { return t.packetCh }

func (t *Transport) DialTimeout(addr string, timeout time.Duration) (net.Conn, error) {
	return t.DialAddressTimeout(memberlist.Address{Addr: addr}, timeout)
}

func (t *Transport) DialAddressTimeout(addr memberlist.Address, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	hcx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		return nil, err
	}

	stream, err := hcx.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}

	swrap := &streamWrapper{localAddr: hcx.LocalAddr(), remoteAddr: hcx.RemoteAddr(), Stream: stream}
	go swrap.garbageCollector(hcx.closeCh)

	if err := t.envCodec.Encode(stream, &envelope{Init: &streamInit{Mode: modeGossip}}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	return swrap, nil
}

func (t *Transport) StreamCh() <-chan net.Conn { return t.streamCh }

func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}

	t.linksLock.Lock()
	for node, link := range t.rpcLinks {
		link.close()
		delete(t.rpcLinks, node)
	}
	t.linksLock.Unlock()

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			close(cx.closeCh)
		}
	}
	t.hostsLock.Unlock()

	grace := t.cfg.GracePeriod
	if grace == 0 {
		grace = 10 * time.Second
	}
	time.Sleep(grace)

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			qErrShutdown.Close(cx.Connection, "node is shutting down")
		}
	}
	t.hostsLock.Unlock()

	if t.tr != nil {
		t.tr.Close()
	}
	if t.udpLn != nil {
		t.udpLn.Close()
	}
	return nil
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(MetricTransportUDPBufferSizeBytes, float32(size), t.cfg.MetricLabels)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) acceptCx() {
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", "error", err)
			}
			return
		}
		t.handleConn(conn)
	}
}

func (t *Transport) waitForDatagrams(hcx hostCx) {
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With("remote", remoteAddr)
	mLabels := append(t.cfg.MetricLabels, labelPeerAddr.M(remoteAddr.String()))

	for {
		buf, err := hcx.ReceiveDatagram(ctx)
		ts := time.Now()
		if t.gracefulTerm.Load() {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.msink.IncrCounterWithLabels(MetricTransportDatagramInErrorCount, 1.0, mLabels)
			logger.Error("error reading datagram", "error", err)
			continue
		}

		t.msink.IncrCounterWithLabels(MetricTransportDatagramInBytes, float32(len(buf)), mLabels)
		t.packetCh <- &memberlist.Packet{Buf: buf, From: remoteAddr, Timestamp: ts}
	}
}

func (t *Transport) handleStreams(hcx hostCx) {
	remoteAddr := hcx.RemoteAddr()
	ctx := hcx.Context()
	logger := t.logger.With("remote", remoteAddr)
	mLabels := append(t.cfg.MetricLabels, labelPeerAddr.M(remoteAddr.String()))

	for {
		stream, err := hcx.AcceptStream(ctx)
		if t.gracefulTerm.Load() {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.msink.IncrCounterWithLabels(MetricTransportStreamEstInErrorCount, 1.0, mLabels)
			logger.Warn("error accepting stream", "error", err)
			continue
		}

		go t.serveStream(hcx, stream, mLabels)
	}
}

func (t *Transport) serveStream(hcx hostCx, stream quic.Stream, mLabels []metrics.Label) {
	go (&streamWrapper{localAddr: hcx.LocalAddr(), remoteAddr: hcx.RemoteAddr(), Stream: stream}).garbageCollector(hcx.closeCh)

	raw, err := t.envCodec.Decode(stream)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricTransportStreamEstInErrorCount, 1.0, mLabels)
		stream.CancelRead(qErrStreamProtocolViolation)
		stream.CancelWrite(qErrStreamProtocolViolation)
		return
	}

	env := raw.(*envelope)
	if env.Init == nil {
		t.logger.Warn("protocol violation: first frame is not init")
		stream.CancelRead(qErrStreamProtocolViolation)
		stream.CancelWrite(qErrStreamProtocolViolation)
		return
	}

	switch env.Init.Mode {
	case modeGossip:
		t.msink.IncrCounterWithLabels(MetricTransportStreamEstInCount, 1.0, mLabels)
		t.streamCh <- &streamWrapper{localAddr: hcx.LocalAddr(), remoteAddr: hcx.RemoteAddr(), Stream: stream}
	case modeRPC:
		t.msink.IncrCounterWithLabels(MetricTransportStreamEstInCount, 1.0, mLabels)
		t.serveRPCStream(stream)
	default:
		stream.CancelRead(qErrStreamProtocolViolation)
		stream.CancelWrite(qErrStreamProtocolViolation)
	}
}

// serveRPCStream answers every envelope arriving on one peer's persistent
// RPC stream, in arrival order, for as long as the stream stays open. The
// peer keeps exactly one such stream open per destination node (rpcLink),
// so this loop is this node's half of the FIFO ordering guarantee: replies
// are written back on the same stream in the order their requests were
// read, which is what lets rpcLink correlate them without a request ID.
func (t *Transport) serveRPCStream(stream quic.Stream) {
	defer stream.Close()

	for {
		raw, err := t.envCodec.Decode(stream)
		if err != nil {
			return
		}
		env := raw.(*envelope)

		switch {
		case env.Request != nil:
			req := *env.Request
			switch req.Kind {
			case rpcInvoke:
				reply, err := t.cfg.RPCHandler(context.Background(), req)
				if err != nil {
					t.logger.Warn("rpc invoke failed", labelError.L(err))
					// Still answer, with one failure per target, so the
					// peer's FIFO reply correlation stays aligned.
					reply = rpcReply{Outcomes: make([]wireOutcome, len(req.Targets))}
					for i, target := range req.Targets {
						reply.Outcomes[i] = wireOutcome{Target: target, Failure: toWireFailure(captureError(err))}
					}
				}
				if err := t.envCodec.Encode(stream, &envelope{Reply: &reply}); err != nil {
					t.logger.Warn("failed to write rpc reply", labelError.L(err))
					return
				}
			default:
				_, _ = t.cfg.RPCHandler(context.Background(), req)
			}
		case env.Deliver != nil:
			if err := t.cfg.DeliverHandler(context.Background(), *env.Deliver); err != nil {
				t.logger.Warn("deliver failed", labelError.L(err))
			}
		}
	}
}

func (t *Transport) getActiveCx(ctx context.Context, target memberlist.Address) (hostCx, error) {
	t.hostsLock.RLock()
	var dest unique.Handle[Hostname]
	if target.Name != "" {
		dest = unique.Make(Hostname(target.Name))
	} else {
		resolved, ok := t.AddrToHost[target.Addr]
		if !ok {
			t.hostsLock.RUnlock()
			return t.dial(ctx, target.Addr)
		}
		dest = resolved
	}

	cx, hasCx := t.firstActiveCx(dest)
	t.hostsLock.RUnlock()
	if hasCx {
		return cx, nil
	}
	return t.dial(ctx, target.Addr)
}

func (t *Transport) dial(ctx context.Context, target string) (hostCx, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return hostCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	cx, err := t.tr.Dial(ctx, addr, t.cfg.TlsConfig, nil)
	if t.gracefulTerm.Load() {
		return hostCx{}, ErrShutdown
	}
	if err != nil {
		return hostCx{}, err
	}

	return t.handleConn(cx)
}

func (t *Transport) garbageCollectCxs(dest unique.Handle[Hostname]) ([]hostCx, bool) {
	cxs, hasCxs := t.hostsCxs[dest]
	if !hasCxs {
		return cxs, hasCxs
	}

	cleaned := make([]hostCx, 0, len(cxs))
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			cleaned = append(cleaned, cx)
		}
	}

	if len(cleaned) == 0 {
		delete(t.hostsCxs, dest)
		return nil, false
	}
	t.hostsCxs[dest] = cleaned
	return cleaned, true
}

func (t *Transport) firstActiveCx(dest unique.Handle[Hostname]) (hostCx, bool) {
	cxs, hasCxs := t.hostsCxs[dest]
	if !hasCxs {
		return hostCx{}, false
	}
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			return cx, true
		}
	}
	return hostCx{}, false
}

func (t *Transport) handleConn(conn quic.Connection) (hostCx, error) {
	peer := conn.RemoteAddr().String()
	peerAddrPort := strings.Split(peer, ":")
	if len(peerAddrPort) != 2 {
		panic("unreachable: unexpected address format")
	}
	peerAddr := peerAddrPort[0]
	peerPort, err := strconv.Atoi(peerAddrPort[1])
	if err != nil {
		panic(err)
	}

	logger := t.logger.With("addr", peerAddr, "port", peerPort)
	resolver := t.cfg.HostnameResolver
	if resolver == nil {
		resolver = CommonNameResolver
	}

	mLabels := append(t.cfg.MetricLabels, labelPeerAddr.M(peer))

	rsvHostname, rerr, uerr := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if rerr != nil {
		logger.Error("failed to resolve hostname", labelError.L(rerr))
		t.msink.IncrCounterWithLabels(MetricTransportConnErrorCount, 1.0, append(mLabels, labelError.M("name_resolution")))
		if uerr == "" {
			qErrInternal.Close(conn, "unexpected error during hostname resolution")
		} else {
			qErrInternal.Close(conn, fmt.Sprintf("error during resolution: %s", uerr))
		}
		return hostCx{}, ErrHostnameResolve
	}

	rsvHandle := unique.Make(rsvHostname)
	t.hostsLock.Lock()
	if current, ok := t.AddrToHost[peer]; !ok || current != rsvHandle {
		t.AddrToHost[peer] = rsvHandle
		logger.Info("peer discovered", "hostname", rsvHostname)
	}
	t.hostsInfo[rsvHandle] = Host{Name: rsvHandle, Addr: peerAddr, Port: peerPort}

	hcx := hostCx{closeCh: make(chan struct{}, 1), Connection: conn}
	gcHost, _ := t.garbageCollectCxs(rsvHandle)
	t.hostsCxs[rsvHandle] = append(gcHost, hcx)
	t.hostsLock.Unlock()

	t.msink.IncrCounterWithLabels(MetricTransportConnEstCount, 1.0, mLabels)

	go t.waitForDatagrams(hcx)
	go t.handleStreams(hcx)
	return hcx, nil
}

// -- Fan-out core transportFacade --

// getRPCLink returns the single persistent RPC stream this node keeps open
// to node, dialing and handshaking a fresh one if none exists yet or the
// cached one has already failed. Every unicast/cast/deliver to node goes
// through this one link, so two successive sends from the same caller land
// on the wire in submission order — the property caller-pinned delegate
// routing depends on.
func (t *Transport) getRPCLink(ctx context.Context, node string) (*rpcLink, error) {
	t.linksLock.Lock()
	if link, ok := t.rpcLinks[node]; ok && !link.dead() {
		t.linksLock.Unlock()
		return link, nil
	}
	t.linksLock.Unlock()

	hcx, err := t.getActiveCx(ctx, memberlist.Address{Name: node})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNodeDown, err)
	}

	stream, err := hcx.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNodeDown, err)
	}

	if err := t.envCodec.Encode(stream, &envelope{Init: &streamInit{Mode: modeRPC}}); err != nil {
		stream.CancelWrite(qErrStreamProtocolViolation)
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	link := newRPCLink(node, stream, t.envCodec)

	t.linksLock.Lock()
	t.rpcLinks[node] = link
	t.linksLock.Unlock()
	return link, nil
}

// dropLink evicts node's cached link after a write/read failure, so the
// next call dials a fresh stream instead of reusing one that will never
// make progress again.
func (t *Transport) dropLink(node string) {
	t.linksLock.Lock()
	link, ok := t.rpcLinks[node]
	if ok {
		delete(t.rpcLinks, node)
	}
	t.linksLock.Unlock()
	if ok {
		link.close()
	}
}

func (t *Transport) unicast(ctx context.Context, node, delegate string, req rpcRequest) (rpcReply, error) {
	link, err := t.getRPCLink(ctx, node)
	if err != nil {
		return rpcReply{}, err
	}

	reply, err := link.call(ctx, req)
	if err != nil {
		t.dropLink(node)
		return rpcReply{}, fmt.Errorf("%w: %w", ErrNodeDown, err)
	}
	return reply, nil
}

func (t *Transport) cast(ctx context.Context, node, delegate string, req rpcRequest) error {
	link, err := t.getRPCLink(ctx, node)
	if err != nil {
		return err
	}

	if err := link.cast(ctx, req); err != nil {
		t.dropLink(node)
		return fmt.Errorf("%w: %w", ErrNodeDown, err)
	}
	return nil
}

func (t *Transport) deliver(ctx context.Context, node string, req deliverRequest) error {
	link, err := t.getRPCLink(ctx, node)
	if err != nil {
		return err
	}

	if err := link.deliver(ctx, req); err != nil {
		t.dropLink(node)
		return fmt.Errorf("%w: %w", ErrNodeDown, err)
	}
	return nil
}

// watchNode returns a channel closed the moment node is observed down. If
// node is already known down, the returned channel is already closed.
func (t *Transport) watchNode(node string) <-chan struct{} {
	t.downLock.Lock()
	defer t.downLock.Unlock()

	ch := make(chan struct{})
	if _, down := t.downSet[node]; down {
		close(ch)
		return ch
	}
	t.downWatchCh[node] = append(t.downWatchCh[node], ch)
	return ch
}

// markDown records node as unreachable and wakes every pending watcher.
func (t *Transport) markDown(node string) {
	t.downLock.Lock()
	defer t.downLock.Unlock()

	t.downSet[node] = struct{}{}
	for _, ch := range t.downWatchCh[node] {
		close(ch)
	}
	delete(t.downWatchCh, node)
}

// clearDown forgets that node was ever down, so a future rejoin under the
// same name gets a fresh watch.
func (t *Transport) clearDown(node string) {
	t.downLock.Lock()
	defer t.downLock.Unlock()
	delete(t.downSet, node)
}

// streamWrapper adapts a quic.Stream into a net.Conn for memberlist's TCP
// gossip fallback.
type streamWrapper struct {
	localAddr  net.Addr
	remoteAddr net.Addr
	quic.Stream
}

func (s *streamWrapper) LocalAddr() net.Addr  { return s.localAddr }
func (s *streamWrapper) RemoteAddr() net.Addr { return s.remoteAddr }

// garbageCollector waits for the owning connection to request closure and
// cancels the stream so it doesn't linger.
func (s *streamWrapper) garbageCollector(closeCh <-chan struct{}) {
	<-closeCh
	if s.Stream != nil {
		s.Stream.CancelRead(qErrStreamProtocolViolation)
		s.Stream.CancelWrite(qErrStreamProtocolViolation)
	}
}
