package ipc

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
)

func TestParcel_ScalarsRoundTrip(t *testing.T) {
	p := NewParcel()
	p.WriteInterfaceToken("ohos.test.token")
	p.WriteInt32(-7)
	p.WriteInt32(math.MaxInt32)
	p.WriteUint32(math.MaxUint32)
	p.WriteInt64(math.MinInt64)
	p.WriteBool(true)
	p.WriteString("")
	p.WriteBytes([]byte{0, 1, 2})
	p.WriteStringVector([]string{"a", "bc"})

	r := NewParcelFromBytes(p.Bytes())
	tok, err := r.ReadInterfaceToken()
	require.NoError(t, err)
	assert.Equal(t, "ohos.test.token", tok)

	i1, _ := r.ReadInt32()
	i2, _ := r.ReadInt32()
	u, _ := r.ReadUint32()
	i64, _ := r.ReadInt64()
	b, _ := r.ReadBool()
	s, err := r.ReadString()
	require.NoError(t, err)
	raw, _ := r.ReadBytes()
	vec, err := r.ReadStringVector()
	require.NoError(t, err)

	assert.Equal(t, int32(-7), i1)
	assert.Equal(t, int32(math.MaxInt32), i2)
	assert.Equal(t, uint32(math.MaxUint32), u)
	assert.Equal(t, int64(math.MinInt64), i64)
	assert.True(t, b)
	assert.Equal(t, "", s)
	assert.Equal(t, []byte{0, 1, 2}, raw)
	assert.Equal(t, []string{"a", "bc"}, vec)
	assert.Equal(t, 0, r.ReadableBytes())
}

func TestParcel_Underflow(t *testing.T) {
	r := NewParcelFromBytes(nil)
	_, err := r.ReadInt32()
	assert.True(t, errors.Is(err, ErrParcelUnderflow))
	_, err = r.ReadString()
	assert.True(t, errors.Is(err, ErrParcelUnderflow))
}

func TestParcel_Int32Overflow(t *testing.T) {
	p := NewParcel()
	p.WriteInt64(math.MaxInt64)
	_, err := NewParcelFromBytes(p.Bytes()).ReadInt32()
	assert.ErrorIs(t, err, ErrParcelOverflow)
}

func TestParcel_StringVectorRejectsOversizedCount(t *testing.T) {
	p := NewParcel()
	p.WriteInt32(1000)
	p.WriteString("only-one")
	_, err := NewParcelFromBytes(p.Bytes()).ReadStringVector()
	assert.ErrorIs(t, err, ErrParcelUnderflow)

	p = NewParcel()
	p.WriteInt32(-1)
	_, err = NewParcelFromBytes(p.Bytes()).ReadStringVector()
	assert.ErrorIs(t, err, ErrParcelUnderflow)
}

func TestParcel_RemoteObjects(t *testing.T) {
	obj := NewLocalObject("desc", StubFunc(func(context.Context, uint32, *Parcel, *Parcel) error { return nil }), nil)
	p := NewParcel()
	p.WriteRemoteObject(nil)
	p.WriteRemoteObject(obj)

	r := NewParcelWithObjects(p.Bytes(), p.Objects())
	first, err := r.ReadRemoteObject()
	require.NoError(t, err)
	assert.Nil(t, first)
	second, err := r.ReadRemoteObject()
	require.NoError(t, err)
	assert.Same(t, obj, second)

	// slot without table
	_, err = NewParcelFromBytes(p.Bytes()[1:]).ReadRemoteObject()
	assert.ErrorIs(t, err, ErrNoObject)
}

func TestParcel_Int32Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOf(rapid.Int32()).Draw(t, "values")
		p := NewParcel()
		for _, v := range values {
			p.WriteInt32(v)
		}
		r := NewParcelFromBytes(p.Bytes())
		for _, want := range values {
			got, err := r.ReadInt32()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if got != want {
				t.Fatalf("Expected %d, got %d", want, got)
			}
		}
	})
}

func TestLocalObject_SendRequest(t *testing.T) {
	stub := StubFunc(func(_ context.Context, code uint32, data, reply *Parcel) error {
		v, err := data.ReadInt32()
		if err != nil {
			return err
		}
		reply.WriteInt32(v * int32(code))
		return nil
	})
	obj := NewLocalObject("desc", stub, nil)

	data := NewParcel()
	data.WriteInt32(21)
	reply, err := obj.SendRequest(context.Background(), 2, data, TFSync)
	require.NoError(t, err)
	got, err := reply.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(42), got)
}

func TestLocalObject_AsyncRequest(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	obj := NewLocalObject("desc", StubFunc(func(context.Context, uint32, *Parcel, *Parcel) error {
		calls.Add(1)
		close(done)
		return nil
	}), nil)

	_, err := obj.SendRequest(context.Background(), 1, nil, TFAsync)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async request was not delivered")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestLocalObject_KillNotifiesRecipients(t *testing.T) {
	obj := NewLocalObject("desc", StubFunc(func(context.Context, uint32, *Parcel, *Parcel) error { return nil }), nil)

	var died atomic.Int32
	r1 := NewDeathRecipient(func(RemoteObject) { died.Add(1) })
	r2 := NewDeathRecipient(func(RemoteObject) { died.Add(10) })
	assert.True(t, obj.AddDeathRecipient(r1))
	assert.True(t, obj.AddDeathRecipient(r2))
	assert.True(t, obj.RemoveDeathRecipient(r2))
	assert.False(t, obj.RemoveDeathRecipient(r2))

	obj.Kill()
	obj.Kill()
	assert.Equal(t, int32(1), died.Load())
	assert.True(t, obj.IsDead())
	assert.False(t, obj.AddDeathRecipient(r1))

	_, err := obj.SendRequest(context.Background(), 1, nil, TFSync)
	assert.True(t, errcode.Is(err, errcode.ErrTransactionFailed))
}

func TestCallerContext(t *testing.T) {
	ctx := WithCaller(context.Background(), CallerIdentity{TokenID: 99, UID: 1000})
	assert.Equal(t, uint32(99), CallingTokenID(ctx))
	assert.Equal(t, uint32(0), CallingTokenID(context.Background()))
}
