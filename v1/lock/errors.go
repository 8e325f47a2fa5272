package lock

import (
	"errors"
	"fmt"

	warperrors "github.com/mirkobrombin/go-warlock/v1/errors"
)

var (
	// ErrLockHeld is the expected outcome of losing an acquisition race.
	ErrLockHeld = errors.New("lock held")
	// ErrStoreUnavailable reports that the store call itself failed.
	ErrStoreUnavailable = warperrors.ErrStoreUnavailable
	// ErrInvalidRequest reports input rejected before any store call.
	ErrInvalidRequest = fmt.Errorf("invalid lock request: %w", warperrors.ErrInvalidArgument)
)

// Kind classifies an acquisition failure.
type Kind int

const (
	KindLockHeld Kind = iota + 1
	KindStoreUnavailable
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindLockHeld:
		return "lock held"
	case KindStoreUnavailable:
		return "store unavailable"
	case KindInvalidRequest:
		return "invalid request"
	}
	return "unknown"
}

func (k Kind) sentinel() error {
	switch k {
	case KindLockHeld:
		return ErrLockHeld
	case KindStoreUnavailable:
		return ErrStoreUnavailable
	case KindInvalidRequest:
		return ErrInvalidRequest
	}
	return nil
}

// AcquireError is returned by Manager.Acquire whenever no handle is issued.
// It matches the sentinel of its Kind and its underlying cause with errors.Is.
type AcquireError struct {
	Kind Kind
	Name string
	// Key is empty when the request was rejected before a key was derived.
	Key string
	Err error
}

func (e *AcquireError) Error() string {
	msg := "lock: acquire " + e.Name
	if e.Key != "" {
		msg += " (" + e.Key + ")"
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AcquireError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the Kind of an acquisition error, or zero if err is not one.
func KindOf(err error) Kind {
	var ae *AcquireError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}
