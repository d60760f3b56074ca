package appliance

import "errors"

// Domain errors for the appliance bridge.
var (
	// ErrUnknownDevice is returned for a device id that is not configured.
	ErrUnknownDevice = errors.New("appliance bridge: unknown device")

	// ErrTypeUnresolved is returned while an "auto" device has not been
	// matched to a model yet.
	ErrTypeUnresolved = errors.New("appliance bridge: device type not resolved")

	// ErrInvalidMessage is returned for a command or request that cannot
	// be parsed.
	ErrInvalidMessage = errors.New("appliance bridge: invalid message")

	// ErrDialFailed is returned when the protocol driver cannot open a
	// device.
	ErrDialFailed = errors.New("appliance bridge: dial failed")

	// ErrBridgeStopping is returned for work that arrives after Stop.
	ErrBridgeStopping = errors.New("appliance bridge: stopping")
)
