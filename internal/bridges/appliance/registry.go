package appliance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	model "github.com/nerrad567/gray-logic-appliance/internal/appliance"
	"github.com/nerrad567/gray-logic-appliance/internal/devicestate"
	"github.com/nerrad567/gray-logic-appliance/internal/dps"
	"github.com/nerrad567/gray-logic-appliance/internal/protocol"
)

// device is the bridge's view of one configured appliance: the protocol
// client, its state cache and, once known, the model that names its data
// points.
type device struct {
	cfg    DeviceConfig
	client protocol.Client
	cache  *devicestate.Cache

	mu            sync.Mutex
	model         *model.Device // nil until the type is resolved
	available     bool
	lastRecorded  dps.State
	lastPublished []byte
}

// CacheTimings overrides the cache defaults for every device.
type CacheTimings struct {
	DebounceDelay   time.Duration
	OptimismTimeout time.Duration
	CacheTimeout    time.Duration
	Clock           devicestate.Clock
}

type deviceDeps struct {
	dial      DialFunc
	timings   CacheTimings
	logger    Logger
	metrics   *devicestate.Metrics
	onFailure func(d *device, op devicestate.Operation, err error)
}

// newDevice opens the protocol client and builds the cache. Devices with a
// fixed class get their model immediately.
func newDevice(cfg DeviceConfig, deps deviceDeps) (*device, error) {
	versions, err := cfg.versions()
	if err != nil {
		return nil, err
	}
	fixed, err := dps.FromMap(cfg.FixedProperties)
	if err != nil {
		return nil, fmt.Errorf("fixed properties: %w", err)
	}
	seed, err := dps.FromMap(cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}

	d := &device{cfg: cfg}

	maxAttempts := cfg.MaxAttempts
	if cfg.Class != ClassAuto {
		m, err := model.Lookup(cfg.Class)
		if err != nil {
			return nil, err
		}
		if err := d.bind(m); err != nil {
			return nil, err
		}
		if maxAttempts == 0 {
			maxAttempts = m.MaxAttempts
		}
	}

	client, err := deps.dial(cfg.Driver, cfg.dialConfig(versions, seed))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDialFailed, cfg.ID, err)
	}

	cache, err := devicestate.New(devicestate.Options{
		DeviceID:        cfg.ID,
		Client:          client,
		Versions:        versions,
		MaxAttempts:     maxAttempts,
		FixedProperties: fixed,
		DebounceDelay:   deps.timings.DebounceDelay,
		OptimismTimeout: deps.timings.OptimismTimeout,
		CacheTimeout:    deps.timings.CacheTimeout,
		Clock:           deps.timings.Clock,
		Logger:          deps.logger,
		Metrics:         deps.metrics,
		OnFailure: func(op devicestate.Operation, err error) {
			if deps.onFailure != nil {
				deps.onFailure(d, op, err)
			}
		},
	})
	if err != nil {
		client.Close() //nolint:errcheck // Already failing
		return nil, err
	}

	d.client = client
	d.cache = cache
	return d, nil
}

// bind attaches a model. Features the model does not support are dropped,
// which only happens for "auto" devices where validation could not check
// them.
func (d *device) bind(m *model.Model) error {
	unit, err := model.ParseTemperatureUnit(d.cfg.TemperatureUnit)
	if err != nil {
		return err
	}

	var features []model.Feature
	for _, f := range d.cfg.features() {
		if m.SupportsFeature(f) {
			features = append(features, f)
		}
	}

	dev, err := model.NewDevice(d.cfg.ID, d.cfg.Name, m, unit, features)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.model = dev
	d.mu.Unlock()
	return nil
}

// resolve detects the model of an "auto" device. It reports whether the
// device has a model afterwards.
func (d *device) resolve(ctx context.Context) (bool, error) {
	if d.getModel() != nil {
		return true, nil
	}

	class := d.cache.InferDeviceType(ctx, model.DetectionRules())
	if class == devicestate.TypeUnknown {
		return false, nil
	}
	m, err := model.Lookup(class)
	if err != nil {
		return false, err
	}
	return true, d.bind(m)
}

func (d *device) getModel() *model.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.model
}

func (d *device) typeName() string {
	if m := d.getModel(); m != nil {
		return m.Model().Type
	}
	return devicestate.TypeUnknown
}

func (d *device) setAvailable(ok bool) {
	d.mu.Lock()
	d.available = ok
	d.mu.Unlock()
}

func (d *device) isAvailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.available
}

// changedSinceRecorded reports whether state differs from the last
// recorded snapshot and remembers it if so.
func (d *device) changedSinceRecorded(state dps.State) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastRecorded != nil && d.lastRecorded.Equal(state) {
		return false
	}
	d.lastRecorded = state.Clone()
	return true
}

// stateMessage builds the current retained state. Devices without a model
// publish raw data points keyed by id.
func (d *device) stateMessage() StateMessage {
	snapshot := d.cache.Snapshot()
	pending := d.cache.Pending()

	msg := StateMessage{
		DeviceID:        d.cfg.ID,
		Protocol:        Protocol,
		Type:            devicestate.TypeUnknown,
		Available:       d.isAvailable(),
		ProtocolVersion: string(d.cache.Version()),
	}
	if at := d.cache.LastRefreshed(); !at.IsZero() {
		at = at.UTC()
		msg.LastRefreshed = &at
	}

	m := d.getModel()
	if m == nil {
		msg.State = snapshot.ToMap()
		for _, id := range pending {
			msg.Pending = append(msg.Pending, string(id))
		}
		return msg
	}

	msg.Type = m.Model().Type
	msg.State = m.Decode(snapshot)
	for _, id := range pending {
		for _, p := range m.Properties() {
			if p.DP == id {
				msg.Pending = append(msg.Pending, p.Name)
			}
		}
	}
	return msg
}

// claimPublish reports whether msg differs from the last published state,
// ignoring its timestamp, and remembers it if so.
func (d *device) claimPublish(msg StateMessage) (bool, error) {
	msg.Timestamp = time.Time{}
	key, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("marshalling state: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if bytes.Equal(key, d.lastPublished) {
		return false, nil
	}
	d.lastPublished = key
	return true, nil
}

func (d *device) health() DeviceHealth {
	return DeviceHealth{
		DeviceID:  d.cfg.ID,
		Type:      d.typeName(),
		Available: d.isAvailable(),
		Fresh:     d.cache.Fresh(),
	}
}

func (d *device) info() model.DeviceInfo {
	if m := d.getModel(); m != nil {
		return m.Info()
	}
	return model.DeviceInfo{ID: d.cfg.ID, Name: d.cfg.Name, Type: devicestate.TypeUnknown}
}

// close stops the cache before releasing the connection it writes to.
func (d *device) close() error {
	cacheErr := d.cache.Close()
	clientErr := d.client.Close()
	if cacheErr != nil {
		return cacheErr
	}
	return clientErr
}
