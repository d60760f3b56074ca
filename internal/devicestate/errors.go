package devicestate

import "errors"

var (
	// ErrClosed is returned by SetProperty and SetProperties after Close.
	ErrClosed = errors.New("devicestate: cache closed")

	// ErrRetriesExhausted is passed to Options.OnFailure when every attempt
	// of an operation failed and the cached state was reset.
	ErrRetriesExhausted = errors.New("devicestate: retries exhausted")
)
