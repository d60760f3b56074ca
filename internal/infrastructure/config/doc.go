// Package config loads the service configuration.
//
// Values are resolved in order: built-in defaults, the YAML file, then
// GRAYLOGIC_* environment variables. Validate reports every problem at
// once rather than stopping at the first.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return fmt.Errorf("loading config: %w", err)
//	}
//
// The device list (addresses, local keys, classes) is not part of this
// file. It lives at appliances.config_file and is loaded by the bridge.
// Set the MQTT password and InfluxDB token through the environment, and
// keep the device file at mode 0600.
package config
