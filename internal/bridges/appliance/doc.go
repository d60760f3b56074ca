// Package appliance implements the MQTT bridge for WiFi appliances.
//
// Each configured device gets a protocol client and a devicestate.Cache.
// The bridge polls the caches, publishes their effective state and turns
// MQTT commands into debounced property writes.
//
//	┌─────────────────┐          ┌─────────────────┐  encrypted TCP
//	│   Gray Logic    │   MQTT   │ Appliance Bridge│◄──────────────► heaters,
//	│      Core       │◄────────►│   (this pkg)    │                 fans, ...
//	└─────────────────┘          └─────────────────┘
//
// # Topics
//
//   - graylogic/command/appliance/{device_id}: "set" or "refresh"
//   - graylogic/ack/appliance/{device_id}: accepted or failed
//   - graylogic/state/appliance/{device_id}: retained named state
//   - graylogic/request/appliance/{request_id}: read_state, refresh,
//     detect_type, list_devices, history
//   - graylogic/response/appliance/{request_id}
//   - graylogic/health/appliance and graylogic/discovery/appliance: retained
//
// An accepted ack means the values were validated and queued. The device
// applies them after the debounce delay; until then, and for the optimism
// timeout after, the published state shows the requested values and lists
// them under "pending".
//
// # Device types
//
// A device with class "auto" is identified from the data points it reports
// and is retried on every poll until a rule matches. Until then it publishes
// raw data points and rejects "set" with TYPE_UNKNOWN.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package appliance
