package protocol

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-appliance/internal/dps"
)

// Command identifies the kind of frame a payload carries.
type Command string

// Commands used by the state cache.
const (
	// CommandControl writes a set of data points.
	CommandControl Command = "control"

	// CommandStatus queries the full data point map.
	CommandStatus Command = "dp_query"
)

// StatusResponse is the decoded reply to a status query.
type StatusResponse struct {
	// DPS holds every data point the device reported.
	DPS dps.State `json:"dps"`
}

// Payload is an encoded frame produced by GeneratePayload and consumed by
// Send. Its contents belong to the client; callers treat it as opaque.
type Payload struct {
	Command Command
	Version Version
	DPS     dps.State
	Body    []byte
}

// Client is the black-box device protocol client.
//
// Implementations own framing, encryption and the single TCP connection to
// the device. They are not required to be safe for interleaved requests;
// callers serialise network calls per device.
type Client interface {
	// Status fetches the full data point map from the device.
	Status(ctx context.Context) (StatusResponse, error)

	// GeneratePayload encodes a command for the currently selected version.
	GeneratePayload(cmd Command, props dps.State) (Payload, error)

	// Send writes an encoded payload. A nil error means the device
	// acknowledged the frame, not that it applied the change.
	Send(ctx context.Context, payload Payload) error

	// SetVersion selects the protocol version used for subsequent calls.
	SetVersion(v Version)

	// Close releases the connection.
	Close() error
}

// DialConfig holds what a driver needs to reach one device.
type DialConfig struct {
	// DeviceID is the device identifier used in frames.
	DeviceID string

	// Address is the device host or host:port.
	Address string

	// LocalKey is the device encryption key. Never log this value.
	LocalKey string

	// Version is the protocol version to start with.
	Version Version

	// Timeout bounds a single request. Zero means the driver default.
	Timeout time.Duration

	// Seed is initial state for simulated devices. Ignored by real drivers.
	Seed dps.State
}

// String returns a representation with the local key masked.
func (c DialConfig) String() string {
	key := ""
	if c.LocalKey != "" {
		key = "[REDACTED]"
	}
	return fmt.Sprintf("DialConfig{DeviceID:%q, Address:%q, LocalKey:%s, Version:%s}",
		c.DeviceID, c.Address, key, c.Version)
}

// Driver opens a Client for one device.
type Driver func(cfg DialConfig) (Client, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register makes a driver available by name. The encrypted TCP driver is
// provided by an external package that registers itself in init, the same
// way database/sql drivers do. Register panics on a duplicate or nil driver.
func Register(name string, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if driver == nil {
		panic("protocol: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("protocol: Register called twice for driver " + name)
	}
	drivers[name] = driver
}

// Drivers returns the names of the registered drivers, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates a Client using the named driver.
func Open(name string, cfg DialConfig) (Client, error) {
	driversMu.RLock()
	driver, ok := drivers[name]
	driversMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}

	client, err := driver(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s client for %s: %w", name, cfg.DeviceID, err)
	}
	return client, nil
}
