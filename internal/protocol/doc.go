// Package protocol defines the boundary between Gray Logic and the local
// WiFi appliance protocol.
//
// Appliances speak an encrypted key/value protocol over a single TCP
// connection. The framing and encryption live in an external driver; this
// package only describes what the state cache needs from it:
//
//   - Status: read the full data point map
//   - GeneratePayload + Send: write a batch of data points
//   - SetVersion: switch protocol version after a failed request
//
// Drivers register by name (see Register and Open). The built-in
// "simulator" driver keeps device state in memory and is used by the test
// suites and for running the bridge without hardware.
//
// # Thread Safety
//
// Clients are not required to support interleaved requests. The state
// cache serialises all calls for one device.
package protocol
