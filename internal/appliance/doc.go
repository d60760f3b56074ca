// Package appliance maps named appliance properties onto device data
// points.
//
// Each supported model (heater, dehumidifier, fan) is a table of
// properties: which data point carries it, its value kind, its allowed
// range or options, and whether it can be written. A Device binds a model
// to one configured unit, applying its enabled optional features and
// temperature unit.
//
// The package holds no state and does no I/O. Encode validates a set of
// named values and produces the data points to write, plus any data points
// the firmware changes as a side effect (to be passed to
// devicestate.Cache.Anticipate). Decode turns a data point snapshot back
// into named values.
package appliance
