package dcontinue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPeerUnreachable is returned when a device is not attached to the network
var ErrPeerUnreachable = errors.New("peer device unreachable")

// Network joins managers running in one process so they can continue
// missions between each other without a real link
type Network struct {
	mu       sync.Mutex
	managers map[string]*Manager
	links    map[int32]link
	nextID   int32
}

type link struct {
	a, b string
}

func (l link) other(device string) (string, bool) {
	switch device {
	case l.a:
		return l.b, true
	case l.b:
		return l.a, true
	}
	return "", false
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{
		managers: make(map[string]*Manager),
		links:    make(map[int32]link),
	}
}

// Attach makes m reachable as deviceID
func (n *Network) Attach(deviceID string, m *Manager) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.managers[deviceID] = m
}

// Endpoint returns the Transport deviceID uses on this network
func (n *Network) Endpoint(deviceID string) Transport {
	return &endpoint{net: n, device: deviceID}
}

type endpoint struct {
	net    *Network
	device string
}

func (e *endpoint) ConnectDevice(_ context.Context, peer string) (int32, error) {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.managers[peer]; !ok {
		return 0, fmt.Errorf("connect %s: %w", anonymize(peer), ErrPeerUnreachable)
	}
	n.nextID++
	n.links[n.nextID] = link{a: e.device, b: peer}
	return n.nextID, nil
}

func (e *endpoint) DisconnectDevice(_ context.Context, peer string) {
	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, l := range n.links {
		if other, ok := l.other(e.device); ok && other == peer {
			delete(n.links, id)
		}
	}
}

// SendData hands data to the peer's manager before returning
func (e *endpoint) SendData(_ context.Context, sessionID int32, data []byte) error {
	n := e.net
	n.mu.Lock()
	l, ok := n.links[sessionID]
	var target *Manager
	if ok {
		var peer string
		if peer, ok = l.other(e.device); ok {
			target = n.managers[peer]
		}
	}
	n.mu.Unlock()
	if target == nil {
		return fmt.Errorf("session %d: %w", sessionID, ErrPeerUnreachable)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	target.OnDataRecv(sessionID, buf)
	return nil
}
