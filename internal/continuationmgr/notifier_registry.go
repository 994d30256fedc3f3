package continuationmgr

import (
	"sort"
	"sync"

	"github.com/AltairaLabs/continuation-manager/internal/errcode"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// NotifierInfo holds the device selection endpoints bound to one token and
// the last connect status reported for it
type NotifierInfo struct {
	notifiers map[string]ipc.RemoteObject
	status    *types.ConnectStatusInfo
}

func newNotifierInfo() *NotifierInfo {
	return &NotifierInfo{notifiers: make(map[string]ipc.RemoteObject)}
}

// GetNotifier returns the endpoint bound to cbType, or nil
func (n *NotifierInfo) GetNotifier(cbType string) ipc.RemoteObject {
	return n.notifiers[cbType]
}

// SetNotifier binds notifier to cbType
func (n *NotifierInfo) SetNotifier(cbType string, notifier ipc.RemoteObject) {
	n.notifiers[cbType] = notifier
}

// DeleteNotifier unbinds cbType
func (n *NotifierInfo) DeleteNotifier(cbType string) {
	delete(n.notifiers, cbType)
}

// QueryNotifier reports whether notifier is bound to any event type
func (n *NotifierInfo) QueryNotifier(notifier ipc.RemoteObject) bool {
	for _, existing := range n.notifiers {
		if existing == notifier {
			return true
		}
	}
	return false
}

// IsNotifierMapEmpty reports whether no event type is bound
func (n *NotifierInfo) IsNotifierMapEmpty() bool {
	return len(n.notifiers) == 0
}

// RemoveDeathRecipient detaches recipient from the endpoint bound to cbType,
// or from every endpoint when cbType is empty
func (n *NotifierInfo) RemoveDeathRecipient(recipient ipc.DeathRecipient, cbType string) {
	if cbType != "" {
		if notifier := n.notifiers[cbType]; notifier != nil {
			notifier.RemoveDeathRecipient(recipient)
		}
		return
	}
	for _, notifier := range n.notifiers {
		if notifier != nil {
			notifier.RemoveDeathRecipient(recipient)
		}
	}
}

// ConnectStatusInfo returns the last reported status, or nil
func (n *NotifierInfo) ConnectStatusInfo() *types.ConnectStatusInfo {
	return n.status
}

// SetConnectStatusInfo replaces the reported status
func (n *NotifierInfo) SetConnectStatusInfo(info *types.ConnectStatusInfo) {
	n.status = info
}

// EventTypes returns the bound event types in sorted order
func (n *NotifierInfo) EventTypes() []string {
	out := make([]string, 0, len(n.notifiers))
	for cbType := range n.notifiers {
		out = append(out, cbType)
	}
	sort.Strings(out)
	return out
}

// NotifierRegistry maps tokens to their NotifierInfo. Every method takes
// the registry lock itself.
type NotifierRegistry struct {
	mu        sync.Mutex
	callbacks map[int32]*NotifierInfo
}

// NewNotifierRegistry creates an empty registry
func NewNotifierRegistry() *NotifierRegistry {
	return &NotifierRegistry{callbacks: make(map[int32]*NotifierInfo)}
}

// Has reports whether token has any endpoint bound
func (r *NotifierRegistry) Has(token int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.callbacks[token]
	return ok
}

// HasEvent reports whether token has an endpoint bound to cbType
func (r *NotifierRegistry) HasEvent(token int32, cbType string) bool {
	return r.Notifier(token, cbType) != nil
}

// Notifier returns the endpoint bound to (token, cbType), or nil
func (r *NotifierRegistry) Notifier(token int32, cbType string) ipc.RemoteObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.callbacks[token]
	if !ok {
		return nil
	}
	return info.GetNotifier(cbType)
}

// Register binds notifier to (token, cbType). The death recipient is only
// attached when the token gets its first endpoint.
func (r *NotifierRegistry) Register(token int32, cbType string, notifier ipc.RemoteObject, recipient ipc.DeathRecipient) error {
	if notifier == nil {
		return errcode.ErrNullObject
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.callbacks[token]
	if ok {
		if info.GetNotifier(cbType) != nil {
			return errcode.CallbackHasRegistered
		}
		info.SetNotifier(cbType, notifier)
		return nil
	}

	info = newNotifierInfo()
	info.SetNotifier(cbType, notifier)
	r.callbacks[token] = info
	if recipient != nil {
		notifier.AddDeathRecipient(recipient)
	}
	return nil
}

// Unregister unbinds (token, cbType), detaching recipient from that endpoint.
// The token entry is dropped once no event type is left.
func (r *NotifierRegistry) Unregister(token int32, cbType string, recipient ipc.DeathRecipient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.callbacks[token]
	if !ok || info.GetNotifier(cbType) == nil {
		return errcode.CallbackHasNotRegistered
	}
	info.RemoveDeathRecipient(recipient, cbType)
	info.DeleteNotifier(cbType)
	if info.IsNotifierMapEmpty() {
		delete(r.callbacks, token)
	}
	return nil
}

// RemoveToken drops every endpoint bound to token
func (r *NotifierRegistry) RemoveToken(token int32, recipient ipc.DeathRecipient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.callbacks[token]
	if !ok {
		return false
	}
	info.RemoveDeathRecipient(recipient, "")
	delete(r.callbacks, token)
	return true
}

// SetConnectStatus records the connect status reported for token
func (r *NotifierRegistry) SetConnectStatus(token int32, info *types.ConnectStatusInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.callbacks[token]
	if !ok {
		return errcode.CallbackHasNotRegistered
	}
	entry.SetConnectStatusInfo(info)
	return nil
}

// ConnectStatus returns the status reported for token and whether the token
// has any endpoint bound
func (r *NotifierRegistry) ConnectStatus(token int32) (*types.ConnectStatusInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.callbacks[token]
	if !ok {
		return nil, false
	}
	return entry.ConnectStatusInfo(), true
}

// QueryTokenByNotifier finds the token notifier is bound to
func (r *NotifierRegistry) QueryTokenByNotifier(notifier ipc.RemoteObject) (int32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for token, info := range r.callbacks {
		if info.QueryNotifier(notifier) {
			return token, true
		}
	}
	return 0, false
}

// EventTypes returns the event types bound to token in sorted order
func (r *NotifierRegistry) EventTypes(token int32) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.callbacks[token]
	if !ok {
		return nil
	}
	return info.EventTypes()
}
