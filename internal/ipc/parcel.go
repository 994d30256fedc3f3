// Package ipc models the request/response substrate the continuation manager
// runs on: parcels carrying typed values and remote objects, and remote
// objects that can receive requests and report their own death.
package ipc

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrParcelUnderflow is returned when a read runs past the end of the parcel.
	ErrParcelUnderflow = errors.New("parcel underflow")
	// ErrParcelOverflow is returned when a decoded value does not fit its type.
	ErrParcelOverflow = errors.New("parcel value overflow")
	// ErrNoObject is returned when an object slot refers to no object.
	ErrNoObject = errors.New("parcel object slot out of range")
)

const nullObjectSlot = -1

// Parcel is an ordered container of values written and read in the same
// order. Scalars use protobuf varint encoding, strings and byte slices are
// length prefixed. Remote objects travel out of band in an object table and
// are referenced by slot index.
type Parcel struct {
	buf     []byte
	pos     int
	objects []RemoteObject
}

// NewParcel creates an empty parcel for writing.
func NewParcel() *Parcel {
	return &Parcel{}
}

// NewParcelFromBytes creates a parcel for reading from encoded bytes.
func NewParcelFromBytes(b []byte) *Parcel {
	return &Parcel{buf: b}
}

// NewParcelWithObjects creates a parcel for reading from encoded bytes and
// an object table.
func NewParcelWithObjects(b []byte, objects []RemoteObject) *Parcel {
	return &Parcel{buf: b, objects: objects}
}

// Bytes returns the encoded data.
func (p *Parcel) Bytes() []byte {
	return p.buf
}

// Objects returns the object table.
func (p *Parcel) Objects() []RemoteObject {
	return p.objects
}

// DataSize returns the total encoded length.
func (p *Parcel) DataSize() int {
	return len(p.buf)
}

// ReadableBytes returns the number of bytes not yet consumed.
func (p *Parcel) ReadableBytes() int {
	return len(p.buf) - p.pos
}

// RewindRead resets the read cursor to the start of the parcel.
func (p *Parcel) RewindRead() {
	p.pos = 0
}

// WriteInt32 appends a signed 32-bit value.
func (p *Parcel) WriteInt32(v int32) {
	p.buf = protowire.AppendVarint(p.buf, protowire.EncodeZigZag(int64(v)))
}

// WriteUint32 appends an unsigned 32-bit value.
func (p *Parcel) WriteUint32(v uint32) {
	p.buf = protowire.AppendVarint(p.buf, uint64(v))
}

// WriteInt64 appends a signed 64-bit value.
func (p *Parcel) WriteInt64(v int64) {
	p.buf = protowire.AppendVarint(p.buf, protowire.EncodeZigZag(v))
}

// WriteBool appends a boolean.
func (p *Parcel) WriteBool(v bool) {
	p.buf = protowire.AppendVarint(p.buf, protowire.EncodeBool(v))
}

// WriteString appends a length-prefixed string.
func (p *Parcel) WriteString(s string) {
	p.buf = protowire.AppendString(p.buf, s)
}

// WriteBytes appends a length-prefixed byte slice.
func (p *Parcel) WriteBytes(b []byte) {
	p.buf = protowire.AppendBytes(p.buf, b)
}

// WriteStringVector appends a count followed by each string.
func (p *Parcel) WriteStringVector(v []string) {
	p.WriteInt32(int32(len(v)))
	for _, s := range v {
		p.WriteString(s)
	}
}

// WriteInterfaceToken appends the interface descriptor that prefixes every
// request.
func (p *Parcel) WriteInterfaceToken(descriptor string) {
	p.WriteString(descriptor)
}

// WriteRemoteObject appends a reference to obj. A nil obj is encoded as an
// empty slot.
func (p *Parcel) WriteRemoteObject(obj RemoteObject) {
	if obj == nil {
		p.WriteInt32(nullObjectSlot)
		return
	}
	p.objects = append(p.objects, obj)
	p.WriteInt32(int32(len(p.objects) - 1))
}

func (p *Parcel) readVarint() (uint64, error) {
	if p.pos >= len(p.buf) {
		return 0, ErrParcelUnderflow
	}
	v, n := protowire.ConsumeVarint(p.buf[p.pos:])
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrParcelUnderflow, protowire.ParseError(n))
	}
	p.pos += n
	return v, nil
}

// ReadInt32 consumes a signed 32-bit value.
func (p *Parcel) ReadInt32() (int32, error) {
	raw, err := p.readVarint()
	if err != nil {
		return 0, err
	}
	v := protowire.DecodeZigZag(raw)
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, ErrParcelOverflow
	}
	return int32(v), nil
}

// ReadUint32 consumes an unsigned 32-bit value.
func (p *Parcel) ReadUint32() (uint32, error) {
	v, err := p.readVarint()
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, ErrParcelOverflow
	}
	return uint32(v), nil
}

// ReadInt64 consumes a signed 64-bit value.
func (p *Parcel) ReadInt64() (int64, error) {
	raw, err := p.readVarint()
	if err != nil {
		return 0, err
	}
	return protowire.DecodeZigZag(raw), nil
}

// ReadBool consumes a boolean.
func (p *Parcel) ReadBool() (bool, error) {
	v, err := p.readVarint()
	if err != nil {
		return false, err
	}
	return protowire.DecodeBool(v), nil
}

// ReadBytes consumes a length-prefixed byte slice.
func (p *Parcel) ReadBytes() ([]byte, error) {
	if p.pos >= len(p.buf) {
		return nil, ErrParcelUnderflow
	}
	v, n := protowire.ConsumeBytes(p.buf[p.pos:])
	if n < 0 {
		return nil, fmt.Errorf("%w: %v", ErrParcelUnderflow, protowire.ParseError(n))
	}
	p.pos += n
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// ReadString consumes a length-prefixed string.
func (p *Parcel) ReadString() (string, error) {
	b, err := p.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadStringVector consumes a count followed by that many strings. The count
// is validated against the remaining bytes before any allocation.
func (p *Parcel) ReadStringVector() ([]string, error) {
	n, err := p.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 || int(n) > p.ReadableBytes() {
		return nil, fmt.Errorf("%w: string vector length %d", ErrParcelUnderflow, n)
	}
	out := make([]string, 0, n)
	for i := int32(0); i < n; i++ {
		s, err := p.ReadString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ReadInterfaceToken consumes the interface descriptor.
func (p *Parcel) ReadInterfaceToken() (string, error) {
	return p.ReadString()
}

// ReadRemoteObject consumes an object reference. An empty slot yields nil
// without error.
func (p *Parcel) ReadRemoteObject() (RemoteObject, error) {
	slot, err := p.ReadInt32()
	if err != nil {
		return nil, err
	}
	if slot == nullObjectSlot {
		return nil, nil
	}
	if slot < 0 || int(slot) >= len(p.objects) {
		return nil, ErrNoObject
	}
	return p.objects[slot], nil
}
