// Package api implements the HTTP API and WebSocket feed for the appliance
// bridge.
//
// This package provides:
//   - A read-only REST view of the appliances the bridge publishes
//   - A command endpoint that forwards to the bridge over MQTT
//   - State and command history from the SQLite store
//   - A WebSocket feed of state and health changes, replaying the
//     current values on subscribe
//   - The Prometheus scrape endpoint
//
// # Architecture
//
// The server never touches a device cache. It learns about devices the
// same way any other Gray Logic client does, from the retained discovery,
// state and health topics, and sends commands to
// graylogic/command/appliance/{device_id}. The bridge answers on the ack
// topic; the resulting state change arrives on the WebSocket feed.
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// # Graceful Degradation
//
// The server runs without MQTT or history. Reads answer from whatever was
// last seen; commands and history return 503 when their backend is missing.
package api
