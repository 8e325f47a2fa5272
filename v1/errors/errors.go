package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrStoreUnavailable reports that a call to the backing store failed
	// (network, protocol or auth). The store's own error is wrapped with it.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidArgument reports input rejected before any store call.
	ErrInvalidArgument = errors.New("invalid argument")
)
