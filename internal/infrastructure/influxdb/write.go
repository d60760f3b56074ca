package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-appliance/internal/dps"
)

// Measurement names written by the bridge.
const (
	MeasurementState    = "appliance_state"
	MeasurementFailures = "appliance_failures"
)

// WriteDeviceState records a device's confirmed data points.
//
// Each data point becomes a field named dp_<id>. Booleans and integers are
// written as floats so dashboards can graph them; enum strings are written
// as-is. A state with no data points writes nothing.
func (c *Client) WriteDeviceState(deviceID, deviceType string, state dps.State, at time.Time) {
	if !c.IsConnected() {
		return
	}
	if point := statePoint(deviceID, deviceType, state, at); point != nil {
		c.writeAPI.WritePoint(point)
	}
}

// WriteFailure records an exhausted retry budget.
func (c *Client) WriteFailure(deviceID, operation string, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementFailures,
		map[string]string{"device_id": deviceID, "operation": operation},
		map[string]any{"count": 1},
		at,
	))
}

// WritePoint writes a custom point at the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

func statePoint(deviceID, deviceType string, state dps.State, at time.Time) *write.Point {
	fields := make(map[string]any, len(state))
	for id, v := range state {
		key := "dp_" + string(id)
		if f, ok := v.Float(); ok {
			fields[key] = f
		} else if s, ok := v.AsString(); ok {
			fields[key] = s
		}
	}
	if len(fields) == 0 {
		return nil
	}

	tags := map[string]string{"device_id": deviceID}
	if deviceType != "" {
		tags["type"] = deviceType
	}
	return write.NewPoint(MeasurementState, tags, fields, at)
}
