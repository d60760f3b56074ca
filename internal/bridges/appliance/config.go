package appliance

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	model "github.com/nerrad567/gray-logic-appliance/internal/appliance"
	"github.com/nerrad567/gray-logic-appliance/internal/dps"
	"github.com/nerrad567/gray-logic-appliance/internal/protocol"
)

// ClassAuto asks the bridge to detect the device model from its data points.
const ClassAuto = "auto"

// Config is the device list for the appliance bridge, loaded from
// appliances.config_file.
type Config struct {
	Bridge  BridgeConfig   `yaml:"bridge"`
	Devices []DeviceConfig `yaml:"devices"`
}

// BridgeConfig contains bridge identity and timing.
type BridgeConfig struct {
	// ID identifies this bridge in health messages.
	ID string `yaml:"id"`

	// HealthInterval is how often health is published (seconds).
	HealthInterval int `yaml:"health_interval"`

	// PollInterval is how often each device is checked for stale state
	// (seconds). Devices are only fetched once their cache has expired.
	PollInterval int `yaml:"poll_interval"`
}

// DeviceConfig describes one appliance.
type DeviceConfig struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name,omitempty"`

	// Address is the device host or host:port on the local network.
	Address string `yaml:"address" json:"address"`

	// LocalKey is the device encryption key.
	// WARNING: Never log this value. Use String() for safe logging.
	LocalKey string `yaml:"local_key" json:"local_key"`

	// Driver names the protocol driver. Default: "simulator".
	Driver string `yaml:"driver" json:"driver"`

	// ProtocolVersion is tried first. The remaining default versions
	// follow it in the rotation.
	ProtocolVersion string `yaml:"protocol_version" json:"protocol_version,omitempty"`

	// Versions replaces the whole rotation when set.
	Versions []string `yaml:"versions" json:"versions,omitempty"`

	// Class is a model type (heater, dehumidifier, ...) or "auto".
	Class string `yaml:"class" json:"class"`

	// FixedProperties are data points re-sent with every write.
	FixedProperties map[string]any `yaml:"fixed_properties" json:"fixed_properties,omitempty"`

	// Features enables optional properties (child_lock, display_light,
	// extra_sensors).
	Features []string `yaml:"features" json:"features,omitempty"`

	// TemperatureUnit is celsius (default) or fahrenheit.
	TemperatureUnit string `yaml:"temperature_unit" json:"temperature_unit,omitempty"`

	// MaxAttempts overrides the model's retry budget.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts,omitempty"`

	// Seed is the initial state of a simulated device.
	Seed map[string]any `yaml:"seed" json:"seed,omitempty"`
}

// String returns a representation with the local key masked.
func (d DeviceConfig) String() string {
	key := ""
	if d.LocalKey != "" {
		key = "[REDACTED]"
	}
	return fmt.Sprintf("DeviceConfig{ID:%q, Address:%q, LocalKey:%s, Driver:%q, Class:%q}",
		d.ID, d.Address, key, d.Driver, d.Class)
}

// MarshalJSON redacts the local key.
func (d DeviceConfig) MarshalJSON() ([]byte, error) {
	type redacted DeviceConfig
	safe := redacted(d)
	if safe.LocalKey != "" {
		safe.LocalKey = "[REDACTED]"
	}
	return json.Marshal(safe)
}

// LoadConfig reads the bridge device file.
//
// Order: defaults, YAML, then environment overrides:
//   - GRAYLOGIC_APPLIANCE_BRIDGE_ID
//   - GRAYLOGIC_APPLIANCE_<DEVICE_ID>_LOCAL_KEY (device id upper-cased,
//     '-' replaced by '_'), so keys can stay out of the file
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDeviceDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "appliance-bridge-01",
			HealthInterval: 30,
			PollInterval:   5,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRAYLOGIC_APPLIANCE_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}
	for i := range cfg.Devices {
		if v := os.Getenv(localKeyEnv(cfg.Devices[i].ID)); v != "" {
			cfg.Devices[i].LocalKey = v
		}
	}
}

func localKeyEnv(deviceID string) string {
	id := strings.ToUpper(strings.ReplaceAll(deviceID, "-", "_"))
	return "GRAYLOGIC_APPLIANCE_" + id + "_LOCAL_KEY"
}

func (c *Config) applyDeviceDefaults() {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Driver == "" {
			d.Driver = protocol.SimulatorDriver
		}
		if d.Class == "" {
			d.Class = ClassAuto
		}
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}
	if c.Bridge.PollInterval < 1 {
		errs = append(errs, "bridge.poll_interval must be at least 1 second")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].id is required", i))
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Sprintf("devices[%d].id %q is duplicate", i, d.ID))
		}
		seen[d.ID] = true
		errs = append(errs, d.validate(i)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (d DeviceConfig) validate(i int) []string {
	var errs []string
	field := func(name string) string { return fmt.Sprintf("devices[%d].%s", i, name) }

	if d.Driver != protocol.SimulatorDriver {
		if d.Address == "" {
			errs = append(errs, field("address")+" is required")
		}
		if d.LocalKey == "" {
			errs = append(errs, field("local_key")+" is required")
		}
	}
	if d.Driver != "" && !slices.Contains(protocol.Drivers(), d.Driver) {
		errs = append(errs, fmt.Sprintf("%s %q is not registered", field("driver"), d.Driver))
	}
	if _, err := d.versions(); err != nil {
		errs = append(errs, fmt.Sprintf("%s: %v", field("versions"), err))
	}

	var m *model.Model
	if d.Class != "" && d.Class != ClassAuto {
		var err error
		if m, err = model.Lookup(d.Class); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", field("class"), err))
		}
	}
	for _, f := range d.Features {
		if m != nil && !m.SupportsFeature(model.Feature(f)) {
			errs = append(errs, fmt.Sprintf("%s %q is not supported by %s", field("features"), f, m.Type))
		}
	}
	if _, err := model.ParseTemperatureUnit(d.TemperatureUnit); err != nil {
		errs = append(errs, fmt.Sprintf("%s: %v", field("temperature_unit"), err))
	}
	if d.MaxAttempts < 0 {
		errs = append(errs, field("max_attempts")+" must not be negative")
	}
	if _, err := dps.FromMap(d.FixedProperties); err != nil {
		errs = append(errs, fmt.Sprintf("%s: %v", field("fixed_properties"), err))
	}
	if _, err := dps.FromMap(d.Seed); err != nil {
		errs = append(errs, fmt.Sprintf("%s: %v", field("seed"), err))
	}
	return errs
}

// versions returns the rotation order for the device.
func (d DeviceConfig) versions() ([]protocol.Version, error) {
	if len(d.Versions) > 0 {
		return protocol.ParseVersions(d.Versions)
	}
	if d.ProtocolVersion == "" {
		return protocol.DefaultVersions, nil
	}

	first, err := protocol.ParseVersion(d.ProtocolVersion)
	if err != nil {
		return nil, err
	}
	out := []protocol.Version{first}
	for _, v := range protocol.DefaultVersions {
		if v != first {
			out = append(out, v)
		}
	}
	return out, nil
}

func (d DeviceConfig) dialConfig(versions []protocol.Version, seed dps.State) protocol.DialConfig {
	return protocol.DialConfig{
		DeviceID: d.ID,
		Address:  d.Address,
		LocalKey: d.LocalKey,
		Version:  versions[0],
		Seed:     seed,
	}
}

func (d DeviceConfig) features() []model.Feature {
	out := make([]model.Feature, len(d.Features))
	for i, f := range d.Features {
		out[i] = model.Feature(f)
	}
	return out
}

// GetHealthInterval returns the health reporting interval.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetPollInterval returns the staleness check interval.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Bridge.PollInterval) * time.Second
}
