// Package wire provides the generic framing and typed read/write
// machinery used to exchange delegate RPC frames over a QUIC stream. The
// only raw stream implementations it provides are [RemoteSender] and
// [RemoteReceiver], which wrap the two halves of a QUIC stream.
package wire

import "errors"

var (
	ErrStreamClosed = errors.New("wire: stream closed")
)

// Raw is a bidirectional raw byte stream.
//
// Most callers should not use it directly but wrap it in a [Sender] and
// [Receiver] for a typed, thread-safe API.
type Raw struct {
	RawReceiver
	RawSender
}

func (r Raw) Close() error {
	return errors.Join(r.RawReceiver.Close(), r.RawSender.Close())
}
