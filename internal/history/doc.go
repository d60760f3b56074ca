// Package history keeps a local record of appliance state and commands in
// SQLite.
//
// The bridge records a snapshot whenever a device's confirmed state
// changes, and one row per command it handles. This gives an audit trail
// that survives restarts and does not depend on InfluxDB being reachable.
// Old rows are pruned on a schedule set by
// appliances.history_retention_days.
package history
