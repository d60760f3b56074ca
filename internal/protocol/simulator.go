package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-appliance/internal/dps"
)

// SimulatorDriver is the registered name of the in-memory driver.
const SimulatorDriver = "simulator"

// defaultSimulatorApplyDelay is how long a simulated device takes to apply
// an acknowledged write when opened through the driver registry.
const defaultSimulatorApplyDelay = 300 * time.Millisecond

func init() {
	Register(SimulatorDriver, func(cfg DialConfig) (Client, error) {
		firmware := cfg.Version
		if firmware == "" {
			firmware = Version33
		}
		sim := NewSimulator(firmware, cfg.Seed)
		sim.SetApplyDelay(defaultSimulatorApplyDelay)
		return sim, nil
	})
}

// Simulator is an in-memory device used for development and tests.
//
// It behaves like real firmware in the ways that matter to the state cache:
// it only answers the protocol version it was built for, it acknowledges a
// write before applying it, and it can be told to fail the next requests.
//
// Thread Safety: All methods are safe for concurrent use.
type Simulator struct {
	mu         sync.Mutex
	firmware   Version
	selected   Version
	state      dps.State
	applyDelay time.Duration
	failNext   int
	closed     bool

	// Blocks Status until released; used to hold a request in flight.
	statusGate chan struct{}

	statusCalls int
	sendCalls   int
	versions    []Version
	sent        []dps.State
}

// Ensure Simulator implements Client.
var _ Client = (*Simulator)(nil)

// NewSimulator creates a simulated device speaking the given version.
func NewSimulator(firmware Version, seed dps.State) *Simulator {
	return &Simulator{
		firmware: firmware,
		selected: firmware,
		state:    seed.Clone(),
	}
}

// SetApplyDelay sets how long acknowledged writes take to show up in Status.
func (s *Simulator) SetApplyDelay(d time.Duration) {
	s.mu.Lock()
	s.applyDelay = d
	s.mu.Unlock()
}

// FailNext makes the next n Status or Send calls fail with ErrTransient.
func (s *Simulator) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// HoldStatus makes Status block until the returned release func is called.
func (s *Simulator) HoldStatus() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.statusGate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.statusGate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Set changes data points as if someone pressed a button on the device.
func (s *Simulator) Set(changes dps.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range changes {
		s.state[k] = v
	}
}

// State returns a copy of the device's applied state.
func (s *Simulator) State() dps.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// StatusCalls returns how many times Status was called.
func (s *Simulator) StatusCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls
}

// SendCalls returns how many times Send was called.
func (s *Simulator) SendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

// Sent returns the data point batches accepted by Send, oldest first.
func (s *Simulator) Sent() []dps.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dps.State, len(s.sent))
	copy(out, s.sent)
	return out
}

// SelectedVersions returns every version passed to SetVersion, in order.
func (s *Simulator) SelectedVersions() []Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Version, len(s.versions))
	copy(out, s.versions)
	return out
}

// Status returns the applied state.
func (s *Simulator) Status(ctx context.Context) (StatusResponse, error) {
	s.mu.Lock()
	s.statusCalls++
	gate := s.statusGate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return StatusResponse{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return StatusResponse{}, err
	}
	return StatusResponse{DPS: s.state.Clone()}, nil
}

// GeneratePayload encodes props as a JSON body tagged with the selected version.
func (s *Simulator) GeneratePayload(cmd Command, props dps.State) (Payload, error) {
	s.mu.Lock()
	version := s.selected
	s.mu.Unlock()

	body, err := json.Marshal(struct {
		DPS dps.State `json:"dps"`
	}{DPS: props})
	if err != nil {
		return Payload{}, fmt.Errorf("encoding payload: %w", err)
	}

	return Payload{
		Command: cmd,
		Version: version,
		DPS:     props.Clone(),
		Body:    body,
	}, nil
}

// Send acknowledges the payload and applies it after the apply delay.
func (s *Simulator) Send(ctx context.Context, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sendCalls++
	if err := s.checkLocked(); err != nil {
		return err
	}
	if payload.Version != s.firmware {
		return fmt.Errorf("%w: frame encoded for %s", ErrVersionMismatch, payload.Version)
	}
	if payload.Command != CommandControl {
		return nil
	}

	changes := payload.DPS.Clone()
	s.sent = append(s.sent, changes)

	if s.applyDelay <= 0 {
		for k, v := range changes {
			s.state[k] = v
		}
		return nil
	}

	time.AfterFunc(s.applyDelay, func() {
		s.Set(changes)
	})
	return nil
}

// SetVersion selects the version used for subsequent requests.
func (s *Simulator) SetVersion(v Version) {
	s.mu.Lock()
	s.selected = v
	s.versions = append(s.versions, v)
	s.mu.Unlock()
}

// Close marks the simulator closed.
func (s *Simulator) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// checkLocked applies failure injection and version negotiation.
func (s *Simulator) checkLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.failNext > 0 {
		s.failNext--
		return fmt.Errorf("%w: injected failure", ErrTransient)
	}
	if s.selected != s.firmware {
		return fmt.Errorf("%w: device speaks %s, client selected %s", ErrVersionMismatch, s.firmware, s.selected)
	}
	return nil
}
