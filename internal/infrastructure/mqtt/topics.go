package mqtt

import "fmt"

// Topic roots. Bridge topics are flat: graylogic/{category}/{protocol}/{id}.
const (
	TopicPrefixBridge = "graylogic"
	TopicPrefixSystem = "graylogic/system"
)

// ProtocolAppliance is the protocol segment used by the appliance bridge.
const ProtocolAppliance = "appliance"

// Topics provides builders for Gray Logic MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.BridgeState(mqtt.ProtocolAppliance, "heater-lounge")
//	// graylogic/state/appliance/heater-lounge
type Topics struct{}

// ─── Bridge ─────────────────────────────────────────────────────────

// BridgeState is the retained state topic for one device.
func (Topics) BridgeState(protocol, deviceID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefixBridge, protocol, deviceID)
}

// BridgeCommand is where property writes for one device arrive.
func (Topics) BridgeCommand(protocol, deviceID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefixBridge, protocol, deviceID)
}

// BridgeAck carries the outcome of a command.
func (Topics) BridgeAck(protocol, deviceID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefixBridge, protocol, deviceID)
}

// BridgeRequest is where requests (read_state, refresh, detect_type) arrive.
func (Topics) BridgeRequest(protocol, requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefixBridge, protocol, requestID)
}

// BridgeResponse carries the reply to a request.
func (Topics) BridgeResponse(protocol, requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefixBridge, protocol, requestID)
}

// BridgeHealth is the retained health topic for a bridge.
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefixBridge, protocol)
}

// BridgeDiscovery lists the devices a bridge manages.
func (Topics) BridgeDiscovery(protocol string) string {
	return fmt.Sprintf("%s/discovery/%s", TopicPrefixBridge, protocol)
}

// ─── System ─────────────────────────────────────────────────────────

// SystemStatus is the retained online/offline topic (also the LWT).
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// ─── Wildcards ──────────────────────────────────────────────────────

// BridgeCommands matches commands for every device of one protocol.
func (Topics) BridgeCommands(protocol string) string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefixBridge, protocol)
}

// BridgeRequests matches requests for one protocol.
func (Topics) BridgeRequests(protocol string) string {
	return fmt.Sprintf("%s/request/%s/+", TopicPrefixBridge, protocol)
}
