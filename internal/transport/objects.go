package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
)

// callFunc delivers a request to the object behind handle on the far side
type callFunc func(ctx context.Context, handle uint64, descriptor string, code uint32, data *ipc.Parcel, opt ipc.MessageOption) (*ipc.Parcel, error)

// proxy is the local face of an object that lives across the link
type proxy struct {
	handle     uint64
	descriptor string
	call       callFunc

	mu         sync.Mutex
	dead       bool
	recipients []ipc.DeathRecipient
}

func (p *proxy) Descriptor() string {
	return p.descriptor
}

func (p *proxy) SendRequest(ctx context.Context, code uint32, data *ipc.Parcel, opt ipc.MessageOption) (*ipc.Parcel, error) {
	p.mu.Lock()
	dead := p.dead
	p.mu.Unlock()
	if dead {
		return nil, fmt.Errorf("send request %d to %s: %w", code, p.descriptor, errcode.ErrTransactionFailed)
	}
	if data == nil {
		data = ipc.NewParcel()
	}
	return p.call(ctx, p.handle, p.descriptor, code, data, opt)
}

func (p *proxy) AddDeathRecipient(r ipc.DeathRecipient) bool {
	if r == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return false
	}
	p.recipients = append(p.recipients, r)
	return true
}

func (p *proxy) RemoveDeathRecipient(r ipc.DeathRecipient) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.recipients {
		if existing == r {
			p.recipients = append(p.recipients[:i], p.recipients[i+1:]...)
			return true
		}
	}
	return false
}

// die marks the proxy dead and notifies recipients outside the lock
func (p *proxy) die() {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return
	}
	p.dead = true
	recipients := p.recipients
	p.recipients = nil
	p.mu.Unlock()

	for _, r := range recipients {
		r.OnRemoteDied(p)
	}
}

// objectTable tracks the objects one side of a link exported to the other
// and the proxies it holds for objects the other side exported.
type objectTable struct {
	call callFunc

	mu      sync.Mutex
	next    uint64
	exports map[uint64]ipc.RemoteObject
	handles map[ipc.RemoteObject]uint64
	imports map[uint64]*proxy
	closed  bool
}

func newObjectTable(call callFunc) *objectTable {
	return &objectTable{
		call:    call,
		exports: make(map[uint64]ipc.RemoteObject),
		handles: make(map[ipc.RemoteObject]uint64),
		imports: make(map[uint64]*proxy),
	}
}

// export returns the handle for obj, allocating one on first use
func (t *objectTable) export(obj ipc.RemoteObject) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.handles[obj]; ok {
		return h
	}
	t.next++
	t.exports[t.next] = obj
	t.handles[obj] = t.next
	return t.next
}

func (t *objectTable) exported(handle uint64) (ipc.RemoteObject, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.exports[handle]
	return obj, ok
}

// imported returns the proxy for a handle the peer exported. The same
// handle always yields the same proxy so callers can compare objects.
func (t *objectTable) imported(ref objectRef) *proxy {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.imports[ref.handle]; ok {
		return p
	}
	p := &proxy{handle: ref.handle, descriptor: ref.descriptor, call: t.call}
	if t.closed {
		p.dead = true
	}
	t.imports[ref.handle] = p
	return p
}

// outbound flattens a parcel's object table into wire references
func (t *objectTable) outbound(p *ipc.Parcel) []objectRef {
	objs := p.Objects()
	if len(objs) == 0 {
		return nil
	}
	refs := make([]objectRef, len(objs))
	for i, obj := range objs {
		refs[i] = objectRef{handle: t.export(obj), descriptor: obj.Descriptor()}
	}
	return refs
}

// inbound rebuilds a parcel from wire data and references
func (t *objectTable) inbound(data []byte, refs []objectRef) *ipc.Parcel {
	if len(refs) == 0 {
		return ipc.NewParcelFromBytes(data)
	}
	objs := make([]ipc.RemoteObject, len(refs))
	for i, ref := range refs {
		objs[i] = t.imported(ref)
	}
	return ipc.NewParcelWithObjects(data, objs)
}

// close kills every imported proxy and forgets the exports
func (t *objectTable) close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	imports := make([]*proxy, 0, len(t.imports))
	for _, p := range t.imports {
		imports = append(imports, p)
	}
	t.exports = make(map[uint64]ipc.RemoteObject)
	t.handles = make(map[ipc.RemoteObject]uint64)
	t.mu.Unlock()

	for _, p := range imports {
		p.die()
	}
}

// importCount reports the number of live proxies
func (t *objectTable) importCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.imports {
		p.mu.Lock()
		if !p.dead {
			n++
		}
		p.mu.Unlock()
	}
	return n
}
