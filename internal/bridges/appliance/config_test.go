//nolint:goconst // Test files use repeated literals for clarity
package appliance

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-appliance/internal/protocol"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "appliances.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
bridge:
  id: "test-appliance-bridge"
  health_interval: 15
  poll_interval: 2

devices:
  - id: "heater-lounge"
    name: "Lounge heater"
    class: "heater"
    features: ["child_lock"]
    temperature_unit: "celsius"
    fixed_properties:
      "101": "auto"
    seed:
      "1": true
      "2": 21
  - id: "mystery"
    driver: "simulator"
    protocol_version: "3.1"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Bridge.ID != "test-appliance-bridge" {
		t.Errorf("Bridge.ID = %q", cfg.Bridge.ID)
	}
	if cfg.GetHealthInterval() != 15*time.Second {
		t.Errorf("GetHealthInterval() = %v", cfg.GetHealthInterval())
	}
	if cfg.GetPollInterval() != 2*time.Second {
		t.Errorf("GetPollInterval() = %v", cfg.GetPollInterval())
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("len(Devices) = %d, want 2", len(cfg.Devices))
	}

	heater := cfg.Devices[0]
	if heater.Driver != protocol.SimulatorDriver {
		t.Errorf("Driver = %q, want default simulator", heater.Driver)
	}
	if heater.FixedProperties["101"] != "auto" {
		t.Errorf("FixedProperties = %v", heater.FixedProperties)
	}

	mystery := cfg.Devices[1]
	if mystery.Class != ClassAuto {
		t.Errorf("Class = %q, want auto", mystery.Class)
	}
	versions, err := mystery.versions()
	if err != nil {
		t.Fatalf("versions() error = %v", err)
	}
	if len(versions) != 2 || versions[0] != protocol.Version31 || versions[1] != protocol.Version33 {
		t.Errorf("versions() = %v, want [3.1 3.3]", versions)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "devices: []\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Bridge.ID != "appliance-bridge-01" {
		t.Errorf("Bridge.ID = %q", cfg.Bridge.ID)
	}
	if cfg.Bridge.HealthInterval != 30 || cfg.Bridge.PollInterval != 5 {
		t.Errorf("intervals = %d/%d, want 30/5", cfg.Bridge.HealthInterval, cfg.Bridge.PollInterval)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeConfig(t, "bridge: [not, a, map]\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: "heater-hall"
    driver: "simulator"
    class: "heater"
    address: "192.168.1.40"
`)
	t.Setenv("GRAYLOGIC_APPLIANCE_BRIDGE_ID", "env-bridge")
	t.Setenv("GRAYLOGIC_APPLIANCE_HEATER_HALL_LOCAL_KEY", "0123456789abcdef")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Bridge.ID != "env-bridge" {
		t.Errorf("Bridge.ID = %q, want env-bridge", cfg.Bridge.ID)
	}
	if cfg.Devices[0].LocalKey != "0123456789abcdef" {
		t.Errorf("LocalKey not taken from environment")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Devices = []DeviceConfig{{ID: "fan-1", Driver: protocol.SimulatorDriver, Class: "fan"}}
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing bridge id", func(c *Config) { c.Bridge.ID = "" }, "bridge.id is required"},
		{"zero poll interval", func(c *Config) { c.Bridge.PollInterval = 0 }, "poll_interval"},
		{"missing device id", func(c *Config) { c.Devices[0].ID = "" }, "devices[0].id is required"},
		{"duplicate id", func(c *Config) { c.Devices = append(c.Devices, c.Devices[0]) }, "duplicate"},
		{"unknown class", func(c *Config) { c.Devices[0].Class = "kettle" }, "devices[0].class"},
		{"unsupported feature", func(c *Config) { c.Devices[0].Features = []string{"child_lock"} }, "not supported by fan"},
		{"bad version", func(c *Config) { c.Devices[0].ProtocolVersion = "2.0" }, "devices[0].versions"},
		{"duplicate versions", func(c *Config) { c.Devices[0].Versions = []string{"3.3", "3.3"} }, "devices[0].versions"},
		{"bad unit", func(c *Config) { c.Devices[0].TemperatureUnit = "kelvin" }, "temperature_unit"},
		{"negative attempts", func(c *Config) { c.Devices[0].MaxAttempts = -1 }, "max_attempts"},
		{"unregistered driver", func(c *Config) {
			c.Devices[0].Driver = "tcp"
			c.Devices[0].Address = "10.0.0.2"
			c.Devices[0].LocalKey = "k"
		}, `"tcp" is not registered`},
		{"real driver needs address and key", func(c *Config) { c.Devices[0].Driver = "tcp" }, "devices[0].address is required"},
		{"fractional seed", func(c *Config) { c.Devices[0].Seed = map[string]any{"2": 1.5} }, "devices[0].seed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_AutoSkipsFeatureCheck(t *testing.T) {
	cfg := defaultConfig()
	cfg.Devices = []DeviceConfig{{
		ID:       "unknown-1",
		Driver:   protocol.SimulatorDriver,
		Class:    ClassAuto,
		Features: []string{"child_lock"},
	}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestDeviceConfig_Redaction(t *testing.T) {
	d := DeviceConfig{ID: "heater-1", Address: "10.0.0.5", LocalKey: "super-secret-key"}

	if s := d.String(); strings.Contains(s, "super-secret-key") || !strings.Contains(s, "[REDACTED]") {
		t.Errorf("String() = %s", s)
	}

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "super-secret-key") {
		t.Errorf("MarshalJSON leaked key: %s", data)
	}
	if d.LocalKey != "super-secret-key" {
		t.Error("MarshalJSON modified the original")
	}
}

func TestDeviceConfig_Versions(t *testing.T) {
	tests := []struct {
		name string
		cfg  DeviceConfig
		want []protocol.Version
	}{
		{"default", DeviceConfig{}, protocol.DefaultVersions},
		{"preferred first", DeviceConfig{ProtocolVersion: "3.4"}, []protocol.Version{"3.4", "3.3", "3.1"}},
		{"preferred already default", DeviceConfig{ProtocolVersion: "v3.3"}, []protocol.Version{"3.3", "3.1"}},
		{"explicit list wins", DeviceConfig{ProtocolVersion: "3.4", Versions: []string{"3.2"}}, []protocol.Version{"3.2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.versions()
			if err != nil {
				t.Fatalf("versions() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("versions() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("versions()[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestLoadConfig_ShippedExample(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "..", "configs", "appliances.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(cfg.Devices) != 4 {
		t.Errorf("len(Devices) = %d, want 4", len(cfg.Devices))
	}
	for _, d := range cfg.Devices {
		if d.Driver != protocol.SimulatorDriver {
			t.Errorf("%s: Driver = %q, want simulator", d.ID, d.Driver)
		}
	}
}
