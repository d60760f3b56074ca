package history

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-appliance/internal/dps"
)

// Source says how a state snapshot came about.
type Source string

const (
	// SourceRefresh is state confirmed by reading the device.
	SourceRefresh Source = "refresh"

	// SourceCommand is state after a command was queued, including the
	// optimistic overlay and any anticipated side effects.
	SourceCommand Source = "command"
)

// ErrDeviceIDRequired is returned when a device id is empty.
var ErrDeviceIDRequired = errors.New("history: device id is required")

// StateEntry is one recorded snapshot.
type StateEntry struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	RecordedAt time.Time `json:"recorded_at"`
	Source     Source    `json:"source"`
	State      dps.State `json:"state"`
}

// CommandEntry is one handled command.
type CommandEntry struct {
	ID         string         `json:"id"`
	DeviceID   string         `json:"device_id"`
	ReceivedAt time.Time      `json:"received_at"`
	Properties map[string]any `json:"properties"`
	Success    bool           `json:"success"`
	ErrorCode  string         `json:"error_code,omitempty"`
}

// Recorder is what the bridge writes to.
type Recorder interface {
	RecordState(ctx context.Context, deviceID string, state dps.State, source Source, at time.Time) error
	RecordCommand(ctx context.Context, entry CommandEntry) error
}

// Repository adds reads and retention on top of Recorder.
//
// Implementations must be safe for concurrent use.
type Repository interface {
	Recorder

	// StateHistory returns up to limit snapshots, newest first.
	StateHistory(ctx context.Context, deviceID string, limit int) ([]StateEntry, error)

	// LatestState returns the newest snapshot. ok is false when the device
	// has no history.
	LatestState(ctx context.Context, deviceID string) (entry StateEntry, ok bool, err error)

	// Commands returns up to limit commands, newest first.
	Commands(ctx context.Context, deviceID string, limit int) ([]CommandEntry, error)

	// Prune deletes rows recorded before cutoff and reports how many went.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}
