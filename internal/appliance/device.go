package appliance

import (
	"fmt"
	"sort"

	"github.com/nerrad567/gray-logic-appliance/internal/dps"
)

// DeviceInfo is static metadata about a configured unit.
type DeviceInfo struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Type            string          `json:"type"`
	Manufacturer    string          `json:"manufacturer"`
	Model           string          `json:"model"`
	TemperatureUnit TemperatureUnit `json:"temperature_unit"`
	Features        []Feature       `json:"features,omitempty"`
}

// Edit is the result of encoding a named change.
type Edit struct {
	// Set holds the data points to write.
	Set dps.State

	// Anticipate holds data points the firmware will change by itself.
	Anticipate dps.State
}

// Device binds a model to one configured unit.
type Device struct {
	id       string
	name     string
	model    *Model
	unit     TemperatureUnit
	features map[Feature]bool
}

// NewDevice creates a device of the given model. Features the model does
// not support are rejected.
func NewDevice(id, name string, model *Model, unit TemperatureUnit, features []Feature) (*Device, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: nil model", ErrUnknownModel)
	}
	if unit == "" {
		unit = Celsius
	}
	if unit != Celsius && unit != Fahrenheit {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUnit, unit)
	}

	enabled := make(map[Feature]bool, len(features))
	for _, f := range features {
		if !model.SupportsFeature(f) {
			return nil, fmt.Errorf("%w: %s does not support %q", ErrUnknownFeature, model.Type, f)
		}
		enabled[f] = true
	}

	if name == "" {
		name = id
	}

	return &Device{
		id:       id,
		name:     name,
		model:    model,
		unit:     unit,
		features: enabled,
	}, nil
}

// Name returns the display name.
func (d *Device) Name() string { return d.name }

// Model returns the device model.
func (d *Device) Model() *Model { return d.model }

// TemperatureUnit returns the unit temperatures are reported in.
func (d *Device) TemperatureUnit() TemperatureUnit { return d.unit }

// Info returns static metadata for the device.
func (d *Device) Info() DeviceInfo {
	features := make([]Feature, 0, len(d.features))
	for f := range d.features {
		features = append(features, f)
	}
	sort.Slice(features, func(i, j int) bool { return features[i] < features[j] })

	return DeviceInfo{
		ID:              d.id,
		Name:            d.name,
		Type:            d.model.Type,
		Manufacturer:    d.model.Manufacturer,
		Model:           d.model.Name,
		TemperatureUnit: d.unit,
		Features:        features,
	}
}

// Properties returns the properties exposed by this unit.
func (d *Device) Properties() []Property {
	out := make([]Property, 0, len(d.model.Properties))
	for _, p := range d.model.Properties {
		if d.exposes(p) {
			out = append(out, p)
		}
	}
	return out
}

// Property returns an exposed property by name.
func (d *Device) Property(name string) (Property, error) {
	p, ok := d.model.Property(name)
	if !ok || !d.exposes(p) {
		return Property{}, fmt.Errorf("%w: %s has no property %q", ErrUnknownProperty, d.model.Type, name)
	}
	return p, nil
}

// Encode validates named values and converts them to data points. Nothing
// is returned unless every value is valid.
func (d *Device) Encode(values map[string]any) (Edit, error) {
	edit := Edit{
		Set:        make(dps.State, len(values)),
		Anticipate: make(dps.State),
	}

	// Sorted so the first error reported is stable.
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, err := d.Property(name)
		if err != nil {
			return Edit{}, err
		}
		if p.ReadOnly {
			return Edit{}, fmt.Errorf("%w: %s", ErrReadOnly, name)
		}
		v, err := p.validate(values[name], d.unit)
		if err != nil {
			return Edit{}, err
		}
		edit.Set[p.DP] = v
	}

	for _, imp := range d.model.Implications {
		p, ok := d.model.Property(imp.Property)
		if !ok {
			continue
		}
		if v, ok := edit.Set[p.DP]; ok && v == imp.Value {
			// An explicit value for the implied data point wins.
			if _, explicit := edit.Set[imp.Implies]; !explicit {
				edit.Anticipate[imp.Implies] = d.implied(imp)
			}
		}
	}

	return edit, nil
}

// Decode converts a data point snapshot into named values. Data points
// the unit does not expose are dropped.
func (d *Device) Decode(state dps.State) map[string]any {
	out := make(map[string]any, len(state))
	for _, p := range d.model.Properties {
		if !d.exposes(p) {
			continue
		}
		if v, ok := state[p.DP]; ok {
			out[p.Name] = v.Interface()
		}
	}
	return out
}

// implied returns an implication's value in the device's unit. Implied
// temperatures are written in Celsius.
func (d *Device) implied(imp Implication) dps.Value {
	p, ok := d.model.propertyByDP(imp.Implies)
	if !ok || !p.Temperature || d.unit != Fahrenheit {
		return imp.As
	}
	if n, ok := imp.As.AsInt(); ok {
		return dps.Int(celsiusToFahrenheit(n))
	}
	return imp.As
}

func (d *Device) exposes(p Property) bool {
	return p.Feature == "" || d.features[p.Feature]
}
