package appliance

import (
	"time"

	"github.com/google/uuid"

	model "github.com/nerrad567/gray-logic-appliance/internal/appliance"
	"github.com/nerrad567/gray-logic-appliance/internal/infrastructure/mqtt"
)

// Protocol is the protocol segment used in this bridge's topics.
const Protocol = mqtt.ProtocolAppliance

// Command names.
const (
	// CommandSet writes the named properties in Parameters.
	CommandSet = "set"

	// CommandRefresh forces a state fetch regardless of cache age.
	CommandRefresh = "refresh"
)

// Request actions.
const (
	ActionReadState   = "read_state"
	ActionRefresh     = "refresh"
	ActionDetectType  = "detect_type"
	ActionListDevices = "list_devices"
	ActionHistory     = "history"
)

// CommandMessage is sent to the bridge to change a device.
// Topic: graylogic/command/appliance/{device_id}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment. The bridge
	// assigns one when it is empty.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// DeviceID defaults to the last topic segment.
	DeviceID string `json:"device_id"`

	// Command is "set" or "refresh".
	Command string `json:"command"`

	// Parameters holds named property values for "set":
	//   {"power": true, "target_temperature": 21}
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated (api, automation, ...).
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted means the values were validated and queued for the
	// debounced write. It does not mean the device applied them.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the command was rejected.
	AckFailed AckStatus = "failed"
)

// AckMessage is published for every command.
// Topic: graylogic/ack/appliance/{device_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeUnknownProperty   = "UNKNOWN_PROPERTY"
	ErrCodeReadOnly          = "READ_ONLY"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeTypeUnknown       = "TYPE_UNKNOWN"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is the retained view of one device.
// Topic: graylogic/state/appliance/{device_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Protocol  string    `json:"protocol"`

	// Type is the resolved model type, or "unknown".
	Type string `json:"type"`

	// State holds named properties, overlay values included.
	State map[string]any `json:"state"`

	// Pending names the properties whose value is still optimistic.
	Pending []string `json:"pending,omitempty"`

	// Available is false when the last fetch failed and state was reset.
	Available bool `json:"available"`

	// LastRefreshed is nil until the first successful fetch.
	LastRefreshed *time.Time `json:"last_refreshed,omitempty"`

	// ProtocolVersion is the version currently selected for the device.
	ProtocolVersion string `json:"protocol_version"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: graylogic/health/appliance
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	DevicesManaged int               `json:"devices_managed"`
	Devices        []DeviceHealth    `json:"devices,omitempty"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

// DeviceHealth summarises one device in a health message.
type DeviceHealth struct {
	DeviceID  string `json:"device_id"`
	Type      string `json:"type"`
	Available bool   `json:"available"`
	Fresh     bool   `json:"fresh"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	CommandsReceived uint64 `json:"commands_received"`
	CommandsRejected uint64 `json:"commands_rejected"`
	Failures         uint64 `json:"failures"`
}

// RequestMessage asks the bridge for data.
// Topic: graylogic/request/appliance/{request_id}
type RequestMessage struct {
	RequestID  string         `json:"request_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Action     string         `json:"action"`
	DeviceID   string         `json:"device_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage answers a request.
// Topic: graylogic/response/appliance/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DiscoveryMessage lists the configured devices.
// Topic: graylogic/discovery/appliance
// QoS: 1, Retained: Yes
type DiscoveryMessage struct {
	Timestamp time.Time          `json:"timestamp"`
	Bridge    string             `json:"bridge"`
	Devices   []model.DeviceInfo `json:"devices"`
}

// NewAckMessage creates an acknowledgment for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
	}
}

// NewAckError creates a failed acknowledgment with error details.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	ack := NewAckMessage(cmd, AckFailed)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewResponse creates a successful response.
func NewResponse(req RequestMessage, data map[string]any) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}

// NewErrorResponse creates a failed response.
func NewErrorResponse(req RequestMessage, code, message string) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Error:     &ResponseError{Code: code, Message: message},
	}
}

// newID returns a fresh correlation id for messages that arrive without one.
func newID() string {
	return uuid.NewString()
}
