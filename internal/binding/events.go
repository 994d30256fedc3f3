package binding

import (
	"context"
	"sync"
	"time"

	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// maxPendingEvents bounds the inbox of one token. The oldest event is
// dropped when a new one arrives at a full inbox.
const maxPendingEvents = 64

// DeviceEvent is one device selection delivery waiting to be polled
type DeviceEvent struct {
	Token   int32                      `json:"token"`
	Type    string                     `json:"type"`
	Results []types.ContinuationResult `json:"results"`
	At      time.Time                  `json:"at"`
}

// inbox holds undelivered device selection events per token
type inbox struct {
	mu      sync.Mutex
	events  map[int32][]DeviceEvent
	dropped map[int32]int
	now     func() time.Time
}

func newInbox() *inbox {
	return &inbox{
		events:  make(map[int32][]DeviceEvent),
		dropped: make(map[int32]int),
		now:     time.Now,
	}
}

func (b *inbox) push(token int32, cbType string, results []types.ContinuationResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.events[token]
	if len(q) == maxPendingEvents {
		q = q[1:]
		b.dropped[token]++
	}
	b.events[token] = append(q, DeviceEvent{Token: token, Type: cbType, Results: results, At: b.now()})
}

// drain removes and returns the pending events of token and how many were
// dropped since the last drain
func (b *inbox) drain(token int32) ([]DeviceEvent, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, dropped := b.events[token], b.dropped[token]
	delete(b.events, token)
	delete(b.dropped, token)
	return q, dropped
}

func (b *inbox) forget(token int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, token)
	delete(b.dropped, token)
}

// listener feeds one token's notifier deliveries into the inbox
type listener struct {
	token int32
	box   *inbox
}

func (l listener) OnDeviceConnect(_ context.Context, results []types.ContinuationResult) {
	l.box.push(l.token, types.EventConnect, results)
}

func (l listener) OnDeviceDisconnect(_ context.Context, results []types.ContinuationResult) {
	l.box.push(l.token, types.EventDisconnect, results)
}
