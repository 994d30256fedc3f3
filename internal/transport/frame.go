// Package transport carries IPC transactions between processes over gRPC.
// A client links to the server with a long-lived stream that doubles as the
// death watch: when it closes, every object the peer handed over dies.
package transport

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedFrame is returned for frames that do not decode
var ErrMalformedFrame = errors.New("malformed transport frame")

type frameKind uint64

const (
	kindHello frameKind = iota + 1
	kindCall
	kindReply
)

// Frame field numbers
const (
	fieldKind       protowire.Number = 1
	fieldID         protowire.Number = 2
	fieldHandle     protowire.Number = 3
	fieldDescriptor protowire.Number = 4
	fieldCode       protowire.Number = 5
	fieldOneway     protowire.Number = 6
	fieldData       protowire.Number = 7
	fieldObject     protowire.Number = 8
	fieldStatus     protowire.Number = 9
	fieldClient     protowire.Number = 10
	fieldToken      protowire.Number = 11
	fieldUID        protowire.Number = 12
	fieldPID        protowire.Number = 13
)

// objectRef names an object exported by the sending side
type objectRef struct {
	handle     uint64
	descriptor string
}

// frame is one message on the wire. Calls and replies travel over both the
// unary transact call and the link stream; hello only opens a link.
type frame struct {
	kind       frameKind
	id         uint64
	handle     uint64
	descriptor string
	code       uint32
	oneway     bool
	data       []byte
	objects    []objectRef
	status     int32

	client string
	token  uint32
	uid    int32
	pid    int32
}

func (f *frame) marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldKind, uint64(f.kind))
	b = appendVarint(b, fieldID, f.id)
	b = appendVarint(b, fieldHandle, f.handle)
	if f.descriptor != "" {
		b = protowire.AppendTag(b, fieldDescriptor, protowire.BytesType)
		b = protowire.AppendString(b, f.descriptor)
	}
	b = appendVarint(b, fieldCode, uint64(f.code))
	if f.oneway {
		b = appendVarint(b, fieldOneway, 1)
	}
	if len(f.data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, f.data)
	}
	for _, o := range f.objects {
		var nested []byte
		nested = appendVarint(nested, 1, o.handle)
		nested = protowire.AppendTag(nested, 2, protowire.BytesType)
		nested = protowire.AppendString(nested, o.descriptor)
		b = protowire.AppendTag(b, fieldObject, protowire.BytesType)
		b = protowire.AppendBytes(b, nested)
	}
	b = appendVarint(b, fieldStatus, protowire.EncodeZigZag(int64(f.status)))
	if f.client != "" {
		b = protowire.AppendTag(b, fieldClient, protowire.BytesType)
		b = protowire.AppendString(b, f.client)
	}
	b = appendVarint(b, fieldToken, uint64(f.token))
	b = appendVarint(b, fieldUID, protowire.EncodeZigZag(int64(f.uid)))
	b = appendVarint(b, fieldPID, protowire.EncodeZigZag(int64(f.pid)))
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func unmarshalFrame(b []byte) (*frame, error) {
	f := &frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := f.setVarint(num, v); err != nil {
				return nil, err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := f.setBytes(num, v); err != nil {
				return nil, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if f.kind < kindHello || f.kind > kindReply {
		return nil, fmt.Errorf("%w: kind %d", ErrMalformedFrame, f.kind)
	}
	return f, nil
}

func (f *frame) setVarint(num protowire.Number, v uint64) error {
	switch num {
	case fieldKind:
		f.kind = frameKind(v)
	case fieldID:
		f.id = v
	case fieldHandle:
		f.handle = v
	case fieldCode:
		if v > 1<<32-1 {
			return fmt.Errorf("%w: code %d", ErrMalformedFrame, v)
		}
		f.code = uint32(v)
	case fieldOneway:
		f.oneway = v != 0
	case fieldStatus:
		f.status = int32(protowire.DecodeZigZag(v))
	case fieldToken:
		f.token = uint32(v)
	case fieldUID:
		f.uid = int32(protowire.DecodeZigZag(v))
	case fieldPID:
		f.pid = int32(protowire.DecodeZigZag(v))
	}
	return nil
}

func (f *frame) setBytes(num protowire.Number, v []byte) error {
	switch num {
	case fieldDescriptor:
		f.descriptor = string(v)
	case fieldData:
		f.data = append([]byte(nil), v...)
	case fieldClient:
		f.client = string(v)
	case fieldObject:
		ref, err := unmarshalObjectRef(v)
		if err != nil {
			return err
		}
		f.objects = append(f.objects, ref)
	}
	return nil
}

func unmarshalObjectRef(b []byte) (objectRef, error) {
	var ref objectRef
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ref, fmt.Errorf("%w: object: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ref, fmt.Errorf("%w: object handle: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			ref.handle = v
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return ref, fmt.Errorf("%w: object descriptor: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			ref.descriptor = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ref, fmt.Errorf("%w: object: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if ref.handle == 0 {
		return ref, fmt.Errorf("%w: object without handle", ErrMalformedFrame)
	}
	return ref, nil
}
