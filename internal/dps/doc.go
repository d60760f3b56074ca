// Package dps defines the data point model shared by the protocol adapter,
// the device state cache and the appliance mapping tables.
//
// A device exposes a small set of numbered data point (DP) slots. Each slot
// holds one scalar: a boolean, an integer or an enumerated string. Value is
// a closed tagged union over those three kinds, and State maps slot
// identifiers to values.
//
// Usage:
//
//	state := dps.State{"1": dps.Bool(true), "2": dps.Int(21)}
//	if v, ok := state["2"].AsInt(); ok {
//	    fmt.Println(v) // 21
//	}
package dps

import "errors"

// ErrUnsupportedValue is returned when a raw value cannot be represented
// as a data point value.
var ErrUnsupportedValue = errors.New("dps: unsupported value")
