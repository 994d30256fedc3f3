package ipc

import "context"

// CallerIdentity describes the process that issued the current request.
type CallerIdentity struct {
	// TokenID is the access-token id of the calling principal.
	TokenID uint32
	UID     int32
	PID     int32
}

type callerKey struct{}

// WithCaller attaches the calling identity to ctx. Transports set it before
// dispatching to a stub.
func WithCaller(ctx context.Context, caller CallerIdentity) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the calling identity carried by ctx.
func CallerFrom(ctx context.Context) (CallerIdentity, bool) {
	c, ok := ctx.Value(callerKey{}).(CallerIdentity)
	return c, ok
}

// CallingTokenID returns the calling access-token id, or 0 when none is set.
func CallingTokenID(ctx context.Context) uint32 {
	c, _ := CallerFrom(ctx)
	return c.TokenID
}
