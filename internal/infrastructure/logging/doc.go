// Package logging builds the bridge's log/slog logger.
//
// Every entry carries service=graylogic-appliance and the build version.
// Production runs use JSON; text is easier to read on a terminal:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Packages receive a child logger scoped with a component attribute, and
// the bridge scopes further by device:
//
//	log := logging.New(cfg.Logging, version)
//	log.Component("appliance").With("device_id", "heater-lounge").Warn("refresh failed")
//
// Device local keys must never reach a log line. The device config types
// mask the key in String, so logging a whole config value is safe.
package logging
