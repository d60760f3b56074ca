package devicestate

import "github.com/nerrad567/gray-logic-appliance/internal/dps"

// TypeUnknown is returned by InferDeviceType when no rule matches.
const TypeUnknown = "unknown"

// TypeRule identifies a device model by the data points its firmware
// reports. Rules are checked in order because signatures overlap.
type TypeRule struct {
	// Type is the model tag returned on a match.
	Type string

	// Present lists data points that must all be reported.
	Present []dps.ID

	// Absent lists data points that must not be reported.
	Absent []dps.ID
}

// Matches reports whether state satisfies the rule. A rule with no
// conditions never matches.
func (r TypeRule) Matches(state dps.State) bool {
	if len(r.Present) == 0 && len(r.Absent) == 0 {
		return false
	}
	for _, id := range r.Present {
		if !state.Has(id) {
			return false
		}
	}
	for _, id := range r.Absent {
		if state.Has(id) {
			return false
		}
	}
	return true
}
