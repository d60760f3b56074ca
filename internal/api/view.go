package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	model "github.com/nerrad567/gray-logic-appliance/internal/appliance"
	"github.com/nerrad567/gray-logic-appliance/internal/bridges/appliance"
)

var errStateWithoutDevice = errors.New("api: state message without device_id")

// stateView is the latest discovery, state and health seen on the bus.
// Retained topics mean it is complete shortly after subscribing.
type stateView struct {
	mu      sync.RWMutex
	devices map[string]model.DeviceInfo
	states  map[string]appliance.StateMessage
	health  *appliance.HealthMessage
}

func newStateView() *stateView {
	return &stateView{
		devices: make(map[string]model.DeviceInfo),
		states:  make(map[string]appliance.StateMessage),
	}
}

// applyDiscovery replaces the device list. Devices missing from the new
// list lose their cached state.
func (v *stateView) applyDiscovery(payload []byte) error {
	var msg appliance.DiscoveryMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("parsing discovery: %w", err)
	}

	devices := make(map[string]model.DeviceInfo, len(msg.Devices))
	for _, d := range msg.Devices {
		devices[d.ID] = d
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.devices = devices
	for id := range v.states {
		if _, ok := devices[id]; !ok {
			delete(v.states, id)
		}
	}
	return nil
}

// applyState stores a state message and returns it for broadcast.
func (v *stateView) applyState(payload []byte) (appliance.StateMessage, error) {
	var msg appliance.StateMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("parsing state: %w", err)
	}
	if msg.DeviceID == "" {
		return msg, errStateWithoutDevice
	}

	v.mu.Lock()
	v.states[msg.DeviceID] = msg
	v.mu.Unlock()
	return msg, nil
}

func (v *stateView) applyHealth(payload []byte) (appliance.HealthMessage, error) {
	var msg appliance.HealthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("parsing health: %w", err)
	}

	v.mu.Lock()
	v.health = &msg
	v.mu.Unlock()
	return msg, nil
}

// deviceList returns known devices sorted by id.
func (v *stateView) deviceList() []model.DeviceInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]model.DeviceInfo, 0, len(v.devices))
	for _, d := range v.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v *stateView) device(id string) (model.DeviceInfo, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	d, ok := v.devices[id]
	return d, ok
}

func (v *stateView) state(id string) (appliance.StateMessage, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.states[id]
	return s, ok
}

// stateList returns every cached state sorted by device id.
func (v *stateView) stateList() []appliance.StateMessage {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]appliance.StateMessage, 0, len(v.states))
	for _, st := range v.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (v *stateView) bridgeHealth() *appliance.HealthMessage {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.health == nil {
		return nil
	}
	h := *v.health
	return &h
}
