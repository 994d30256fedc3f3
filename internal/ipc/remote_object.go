package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
)

// MessageOption selects synchronous or one-way delivery.
type MessageOption int

const (
	// TFSync waits for the reply.
	TFSync MessageOption = iota
	// TFAsync returns as soon as the request is accepted.
	TFAsync
)

// RemoteObject is a handle to an endpoint that may live in another process.
type RemoteObject interface {
	// SendRequest delivers code and data to the endpoint and returns its reply.
	SendRequest(ctx context.Context, code uint32, data *Parcel, opt MessageOption) (*Parcel, error)
	// AddDeathRecipient registers r to be told when the endpoint dies. It
	// returns false if the endpoint is already dead.
	AddDeathRecipient(r DeathRecipient) bool
	// RemoveDeathRecipient detaches r.
	RemoveDeathRecipient(r DeathRecipient) bool
	// Descriptor returns the interface descriptor served by the endpoint.
	Descriptor() string
}

// DeathRecipient is notified when a remote object's process goes away.
type DeathRecipient interface {
	OnRemoteDied(obj RemoteObject)
}

// FuncRecipient adapts a function to DeathRecipient. It is used by pointer so
// that it can be compared when removed.
type FuncRecipient struct {
	fn func(RemoteObject)
}

// NewDeathRecipient wraps fn.
func NewDeathRecipient(fn func(RemoteObject)) *FuncRecipient {
	return &FuncRecipient{fn: fn}
}

// OnRemoteDied calls the wrapped function.
func (f *FuncRecipient) OnRemoteDied(obj RemoteObject) {
	if f.fn != nil {
		f.fn(obj)
	}
}

// Stub is the receiving side of a remote object.
type Stub interface {
	OnRemoteRequest(ctx context.Context, code uint32, data, reply *Parcel) error
}

// StubFunc adapts a function to Stub.
type StubFunc func(ctx context.Context, code uint32, data, reply *Parcel) error

// OnRemoteRequest calls f.
func (f StubFunc) OnRemoteRequest(ctx context.Context, code uint32, data, reply *Parcel) error {
	return f(ctx, code, data, reply)
}

// LocalObject is an in-process remote object backed by a Stub. Kill simulates
// the death of the owning process.
type LocalObject struct {
	descriptor string
	stub       Stub
	logger     *slog.Logger

	mu         sync.Mutex
	dead       bool
	recipients []DeathRecipient
}

// NewLocalObject creates a live object serving descriptor with stub.
func NewLocalObject(descriptor string, stub Stub, logger *slog.Logger) *LocalObject {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalObject{
		descriptor: descriptor,
		stub:       stub,
		logger:     logger,
	}
}

// Descriptor returns the interface descriptor.
func (o *LocalObject) Descriptor() string {
	return o.descriptor
}

// IsDead reports whether Kill has been called.
func (o *LocalObject) IsDead() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dead
}

// SendRequest dispatches to the stub. The data parcel is rewound so the stub
// reads from the start. One-way requests run on their own goroutine and
// return an empty reply.
func (o *LocalObject) SendRequest(ctx context.Context, code uint32, data *Parcel, opt MessageOption) (*Parcel, error) {
	if o.IsDead() {
		return nil, fmt.Errorf("send request %d to %s: %w", code, o.descriptor, errcode.ErrTransactionFailed)
	}
	if data == nil {
		data = NewParcel()
	}
	in := NewParcelWithObjects(data.Bytes(), data.Objects())
	reply := NewParcel()

	if opt == TFAsync {
		go func() {
			if err := o.stub.OnRemoteRequest(context.WithoutCancel(ctx), code, in, NewParcel()); err != nil {
				o.logger.Warn("one-way request failed",
					"descriptor", o.descriptor,
					"code", code,
					"error", err,
				)
			}
		}()
		return reply, nil
	}

	if err := o.stub.OnRemoteRequest(ctx, code, in, reply); err != nil {
		return nil, err
	}
	reply.RewindRead()
	return reply, nil
}

// AddDeathRecipient registers r.
func (o *LocalObject) AddDeathRecipient(r DeathRecipient) bool {
	if r == nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dead {
		return false
	}
	o.recipients = append(o.recipients, r)
	return true
}

// RemoveDeathRecipient detaches the first registration of r.
func (o *LocalObject) RemoveDeathRecipient(r DeathRecipient) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, existing := range o.recipients {
		if existing == r {
			o.recipients = append(o.recipients[:i], o.recipients[i+1:]...)
			return true
		}
	}
	return false
}

// Kill marks the object dead and notifies every recipient outside the lock.
func (o *LocalObject) Kill() {
	o.mu.Lock()
	if o.dead {
		o.mu.Unlock()
		return
	}
	o.dead = true
	recipients := o.recipients
	o.recipients = nil
	o.mu.Unlock()

	for _, r := range recipients {
		r.OnRemoteDied(o)
	}
}

// RecipientCount returns the number of attached death recipients.
func (o *LocalObject) RecipientCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.recipients)
}
