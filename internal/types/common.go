// Package types provides the value types shared across the continuation
// manager: selection results, extra parameters and connection status.
package types

import "fmt"

// DeviceConnectStatus is the connection state of a selected peer device.
type DeviceConnectStatus int32

// Connection states, mirrored verbatim by the binding layer.
const (
	DeviceConnectIdle DeviceConnectStatus = iota
	DeviceConnecting
	DeviceConnected
	DeviceDisconnecting
)

// Valid reports whether s is within the defined range.
func (s DeviceConnectStatus) Valid() bool {
	return s >= DeviceConnectIdle && s <= DeviceDisconnecting
}

func (s DeviceConnectStatus) String() string {
	switch s {
	case DeviceConnectIdle:
		return "IDLE"
	case DeviceConnecting:
		return "CONNECTING"
	case DeviceConnected:
		return "CONNECTED"
	case DeviceDisconnecting:
		return "DISCONNECTING"
	default:
		return fmt.Sprintf("DeviceConnectStatus(%d)", int32(s))
	}
}

// ContinuationMode selects single or multiple device selection.
type ContinuationMode int32

// Continuation modes, mirrored verbatim by the binding layer.
const (
	CollaborationSingle ContinuationMode = iota
	CollaborationMultiple
)

// Valid reports whether m is within the defined range.
func (m ContinuationMode) Valid() bool {
	return m >= CollaborationSingle && m <= CollaborationMultiple
}

func (m ContinuationMode) String() string {
	switch m {
	case CollaborationSingle:
		return "COLLABORATION_SINGLE"
	case CollaborationMultiple:
		return "COLLABORATION_MULTIPLE"
	default:
		return fmt.Sprintf("ContinuationMode(%d)", int32(m))
	}
}

// Device selection callback types.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// NormalizeEventType maps a callback type, including the legacy
// "deviceConnect"/"deviceDisconnect" spellings, to its canonical key.
func NormalizeEventType(cbType string) (string, bool) {
	switch cbType {
	case EventConnect, "deviceConnect":
		return EventConnect, true
	case EventDisconnect, "deviceDisconnect":
		return EventDisconnect, true
	default:
		return "", false
	}
}
