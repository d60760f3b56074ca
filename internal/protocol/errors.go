package protocol

import "errors"

// Errors returned by protocol clients and the driver registry.
//
// Every network-layer failure a client reports is treated as transient by
// the state cache; these sentinels only refine log output.
var (
	// ErrTransient marks a failure worth retrying (timeout, reset, bad frame).
	ErrTransient = errors.New("protocol: transient failure")

	// ErrNotConnected is returned when the client has no open connection.
	ErrNotConnected = errors.New("protocol: not connected")

	// ErrVersionMismatch is returned when the device rejects the selected version.
	ErrVersionMismatch = errors.New("protocol: version mismatch")

	// ErrMalformedResponse is returned when a reply cannot be decoded.
	ErrMalformedResponse = errors.New("protocol: malformed response")

	// ErrInvalidVersion is returned when a version string is not recognised.
	ErrInvalidVersion = errors.New("protocol: invalid version")

	// ErrUnknownDriver is returned by Open for an unregistered driver name.
	ErrUnknownDriver = errors.New("protocol: unknown driver")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("protocol: client closed")
)
