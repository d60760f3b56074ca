package appliance

import "errors"

// Input validation errors. They are returned before anything reaches the
// device cache, so callers can tell a bad request from an unreachable
// device:
//
//	if errors.Is(err, appliance.ErrInvalidValue) {
//	    // reject the command
//	}
var (
	// ErrUnknownModel is returned when a device class is not recognised.
	ErrUnknownModel = errors.New("appliance: unknown model")

	// ErrUnknownProperty is returned for a property the model does not
	// have, or one behind a feature that is not enabled.
	ErrUnknownProperty = errors.New("appliance: unknown property")

	// ErrReadOnly is returned when writing a sensor or status property.
	ErrReadOnly = errors.New("appliance: property is read-only")

	// ErrInvalidValue is returned when a value has the wrong type, is out
	// of range or is not one of the allowed options.
	ErrInvalidValue = errors.New("appliance: invalid value")

	// ErrUnknownFeature is returned when configuration names a feature the
	// model does not support.
	ErrUnknownFeature = errors.New("appliance: unknown feature")

	// ErrInvalidUnit is returned for an unrecognised temperature unit.
	ErrInvalidUnit = errors.New("appliance: invalid temperature unit")
)
