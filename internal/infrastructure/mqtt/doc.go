// Package mqtt provides the broker connection for the appliance bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing (raw, retained and JSON) with QoS checks
//   - Subscriptions that are restored after reconnect
//   - Last Will and Testament on graylogic/system/status
//
// # Topics
//
// Appliance traffic uses the flat bridge scheme with protocol "appliance":
//
//	graylogic/command/appliance/{device_id}   commands in
//	graylogic/ack/appliance/{device_id}       command outcomes
//	graylogic/state/appliance/{device_id}     retained state
//	graylogic/request/appliance/{request_id}  requests in
//	graylogic/response/appliance/{request_id} request replies
//	graylogic/health/appliance                retained bridge health
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.BridgeCommands(mqtt.ProtocolAppliance), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
