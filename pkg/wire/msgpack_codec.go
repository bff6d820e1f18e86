package wire

import (
	"reflect"

	"github.com/quic-go/quic-go"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec encodes/decodes a fixed message type with msgpack, framed
// over a [BytesCodec]. It plays the role the teacher's generated-protobuf
// codec plays, without requiring a protoc-generated message type: any Go
// struct with `msgpack:"..."` tags works.
type MsgpackCodec[Msg any] struct {
	inner     BytesCodec
	allocator func() Msg
}

func NewMsgpackCodec[Msg any](localCopy bool) MsgpackCodec[Msg] {
	t := reflect.TypeFor[Msg]()
	var allocator func() Msg
	if t.Kind() == reflect.Ptr {
		allocator = func() Msg {
			return reflect.New(t.Elem()).Interface().(Msg)
		}
	} else {
		allocator = func() (zero Msg) { return zero }
	}

	return MsgpackCodec[Msg]{
		inner:     BytesCodec{copyBuffers: localCopy},
		allocator: allocator,
	}
}

func (enc MsgpackCodec[Msg]) Encode(stream quic.SendStream, msg interface{}) error {
	buf, err := msgpack.Marshal(msg)
	if err != nil {
		return err
	}

	return enc.inner.Encode(stream, buf)
}

func (enc MsgpackCodec[Msg]) ProcessLocal(msg interface{}) (interface{}, error) {
	if !enc.inner.copyBuffers {
		return msg, nil
	}

	buf, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, err
	}

	result := enc.allocator()
	if err := msgpack.Unmarshal(buf, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (enc MsgpackCodec[Msg]) Decode(stream quic.ReceiveStream) (interface{}, error) {
	buf, err := enc.inner.Decode(stream)
	if err != nil {
		return nil, err
	}

	result := enc.allocator()
	err = msgpack.Unmarshal(buf.([]byte), &result)
	return result, err
}
