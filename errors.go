package coalesce

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg   = errors.New("coalesce: invalid options")
	ErrJoinCluster  = errors.New("coalesce: could not join cluster")
	ErrMeshClosed   = errors.New("coalesce: mesh is shutting down")
	ErrNodeDown     = errors.New("coalesce: node is unreachable")
	ErrNoTLSConfig  = errors.New("coalesce: TlsConfig is required")
	ErrTargetLocal  = errors.New("coalesce: target is local, no delegate was contacted")
	ErrDelegateGone = errors.New("coalesce: delegate no longer reachable")

	ErrPoolSizeMismatch = errors.New("coalesce: peer reports a different pool size than ours")

	ErrBufferSize      = errors.New("transport: could not allocate udp buffer")
	ErrHostnameResolve = errors.New("transport: could not resolve hostname from certificate")
	ErrInvalidAddr     = errors.New("transport: the address you provided is invalid")
	ErrUdpNotAvailable = errors.New("transport: UDP listener not available")
	ErrShutdown        = errors.New("transport: shutting down")
	ErrStreamWrite     = errors.New("transport: error writing to a stream")
	ErrNoActiveConn    = errors.New("transport: no active connection to this node")
)

var (
	qErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	qErrInternal = quicApplicationError{code: 0x1, prefix: "internal"}
	qErrHostname = quicApplicationError{code: 0x2, prefix: "hostname"}
	qErrShutdown = quicApplicationError{code: 0x3, prefix: "shutdown"}
)

// quicApplicationError closes a QUIC connection with a stable application
// error code plus a human-readable reason the peer can log.
type quicApplicationError struct {
	code   uint64
	prefix string
}

func (qerr quicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn == nil {
		return nil
	}
	return conn.CloseWithError(
		quic.ApplicationErrorCode(qerr.code),
		fmt.Sprintf("%s: %s", qerr.prefix, msg),
	)
}
