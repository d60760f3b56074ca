package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-appliance/internal/bridges/appliance"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	maxDeviceIDLen      = 128
)

var errInvalidLimit = errors.New("limit must be a positive integer")

// DeviceCommand is the body of POST /devices/{id}/command.
type DeviceCommand struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	mqttConnected := s.mqtt != nil && s.mqtt.IsConnected()

	status := "healthy"
	if !mqttConnected {
		status = "degraded"
	}

	resp := map[string]any{
		"status":            status,
		"version":           s.version,
		"uptime_seconds":    int64(time.Since(s.started).Seconds()),
		"mqtt_connected":    mqttConnected,
		"history_enabled":   s.history != nil,
		"websocket_clients": s.feed.count(),
	}
	if h := s.view.bridgeHealth(); h != nil {
		resp["bridge"] = h
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.view.deviceList()

	if typ := r.URL.Query().Get("type"); typ != "" {
		filtered := devices[:0]
		for _, d := range devices {
			if d.Type == typ {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.knownDevice(w, r)
	if !ok {
		return
	}
	info, _ := s.view.device(id)

	resp := map[string]any{"device": info}
	if st, found := s.view.state(id); found {
		resp["state"] = st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	id, ok := s.knownDevice(w, r)
	if !ok {
		return
	}
	st, found := s.view.state(id)
	if !found {
		writeNotFound(w, "no state published yet")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDeviceCommand forwards a command to the bridge. The response only
// says the command was published; the bridge's ack and the state change
// follow on MQTT and the WebSocket feed.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := s.knownDevice(w, r)
	if !ok {
		return
	}

	var body DeviceCommand
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	switch body.Command {
	case appliance.CommandSet:
		if len(body.Parameters) == 0 {
			writeBadRequest(w, "set requires parameters")
			return
		}
	case appliance.CommandRefresh:
	case "":
		writeBadRequest(w, "command field is required")
		return
	default:
		writeBadRequest(w, fmt.Sprintf("unknown command %q", body.Command))
		return
	}

	if s.mqtt == nil || !s.mqtt.IsConnected() {
		writeUnavailable(w, "MQTT is not connected")
		return
	}

	cmd := appliance.CommandMessage{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		DeviceID:   id,
		Command:    body.Command,
		Parameters: body.Parameters,
		Source:     "api",
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		writeInternalError(w, "failed to encode command")
		return
	}
	if err := s.mqtt.Publish(s.topics.BridgeCommand(appliance.Protocol, id), payload, 1, false); err != nil {
		s.logger.Warn("command publish failed", "device_id", id, "error", err)
		writeUnavailable(w, "failed to publish command")
		return
	}

	s.logger.Info("device command sent",
		"device_id", id,
		"command", cmd.Command,
		"command_id", cmd.ID,
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"command_id": cmd.ID,
		"status":     "accepted",
		"message":    "command published, state update will follow via WebSocket",
	})
}

func (s *Server) handleGetDeviceHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.knownDevice(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeUnavailable(w, "history is not enabled")
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	ctx := r.Context()
	states, err := s.history.StateHistory(ctx, id, limit)
	if err != nil {
		s.logger.Error("state history query failed", "device_id", id, "error", err)
		writeInternalError(w, "failed to read state history")
		return
	}
	commands, err := s.history.Commands(ctx, id, limit)
	if err != nil {
		s.logger.Error("command history query failed", "device_id", id, "error", err)
		writeInternalError(w, "failed to read command history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"states":    states,
		"commands":  commands,
	})
}

// knownDevice validates the {id} parameter against the discovery list and
// writes the error response when it is not known.
func (s *Server) knownDevice(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxDeviceIDLen {
		writeBadRequest(w, "invalid device ID")
		return "", false
	}
	if _, ok := s.view.device(id); !ok {
		writeNotFound(w, "device not found")
		return "", false
	}
	return id, true
}

func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errInvalidLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit, nil
}
