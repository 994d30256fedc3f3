package types

// CallerType tells how the caller of a remote start was identified
type CallerType int32

// Caller types
const (
	CallerTypeNone    CallerType = 0
	CallerTypeHarmony CallerType = 1
)

// CallerInfo identifies the source-side caller of a continuation
type CallerInfo struct {
	UID            int32
	PID            int32
	CallerType     CallerType
	SourceDeviceID string
	DUID           int32
	CallerAppID    string
	BundleNames    []string
	// AccessToken is the caller's token on the source device
	AccessToken uint32
	// DMSVersion is the peer's protocol version string, empty for old peers
	DMSVersion string
}

// Account types
const (
	SameAccountType int32 = 0
	DiffAccountType int32 = 1
)

// AccountInfo describes how the two devices trust each other
type AccountInfo struct {
	AccountType     int32
	GroupIDList     []string
	ActiveAccountID string
	UserID          int32
}
