package config

// Messages used by the binding server
const (
	// MsgRegistered is the format string for a successful register
	MsgRegistered = "token %d registered"
	// MsgCallbackBound is the format string for a successful on
	MsgCallbackBound = "callback %s bound to token %d"
	// ErrInvalidInt32 is returned when a numeric argument is not an int32
	ErrInvalidInt32 = "%s must be a 32-bit integer: %v"
)
