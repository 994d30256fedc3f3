// Package storage defines the pluggable persistence backends used by the
// continuation manager.
package storage

import (
	"context"
	"errors"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("parameter store is closed")

// ParameterStore is a durable key-value store of string parameters. It backs
// the token counter so restarts do not reissue tokens.
type ParameterStore interface {
	// GetParameter returns the value of key, or def when it is unset
	GetParameter(ctx context.Context, key, def string) (string, error)

	// SetParameter stores value under key
	SetParameter(ctx context.Context, key, value string) error

	// Close releases backend resources
	Close() error
}
