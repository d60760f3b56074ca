// Package influxdb writes appliance telemetry to InfluxDB v2.
//
// It wraps influxdb-client-go with the bridge's connection handling:
//   - Confirmed device state as the appliance_state measurement, one
//     dp_<id> field per data point
//   - Exhausted retry budgets as appliance_failures
//
// Usage:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteDeviceState("heater-lounge", "heater", snapshot, time.Now())
//
// Writes never block; batching follows batch_size and flush_interval.
package influxdb
