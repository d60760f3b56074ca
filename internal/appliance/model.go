package appliance

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nerrad567/gray-logic-appliance/internal/dps"
)

// Feature is an optional capability that only some units of a model expose.
type Feature string

// Optional features.
const (
	FeatureChildLock    Feature = "child_lock"
	FeatureDisplayLight Feature = "display_light"
	FeatureExtraSensors Feature = "extra_sensors"
)

// TemperatureUnit is the unit a device reports temperatures in.
type TemperatureUnit string

// Temperature units.
const (
	Celsius    TemperatureUnit = "celsius"
	Fahrenheit TemperatureUnit = "fahrenheit"
)

// ParseTemperatureUnit accepts "celsius"/"c" and "fahrenheit"/"f". An empty
// string means Celsius.
func ParseTemperatureUnit(s string) (TemperatureUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "c", "celsius":
		return Celsius, nil
	case "f", "fahrenheit":
		return Fahrenheit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidUnit, s)
	}
}

// Property describes one named value carried by a data point.
type Property struct {
	Name string
	DP   dps.ID
	Kind dps.Kind

	// Min, Max and Step constrain integer properties. Step 0 means 1.
	Min  int64
	Max  int64
	Step int64

	// Options lists the accepted values of a string property.
	Options []string

	// Temperature marks a property whose range is given in Celsius and
	// converted for Fahrenheit devices.
	Temperature bool

	ReadOnly bool

	// Feature gates the property. Empty means always present.
	Feature Feature
}

// Implication is a data point the firmware changes by itself when a
// property is set to a given value. As is in Celsius when the implied
// data point is a temperature.
type Implication struct {
	Property string
	Value    dps.Value
	Implies  dps.ID
	As       dps.Value
}

// Model is the property table of one appliance type.
type Model struct {
	Type         string
	Manufacturer string
	Name         string

	Properties   []Property
	Implications []Implication

	// Features lists the optional features this model can have.
	Features []Feature

	// MaxAttempts overrides the device cache retry budget. Zero means the
	// cache default.
	MaxAttempts int
}

// Property returns the property with the given name.
func (m *Model) Property(name string) (Property, bool) {
	for _, p := range m.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

func (m *Model) propertyByDP(id dps.ID) (Property, bool) {
	for _, p := range m.Properties {
		if p.DP == id {
			return p, true
		}
	}
	return Property{}, false
}

// SupportsFeature reports whether f is one of the model's optional features.
func (m *Model) SupportsFeature(f Feature) bool {
	for _, have := range m.Features {
		if have == f {
			return true
		}
	}
	return false
}

var models = map[string]*Model{}

func register(m *Model) {
	if _, dup := models[m.Type]; dup {
		panic("appliance: model registered twice: " + m.Type)
	}
	models[m.Type] = m
}

// Lookup returns the model registered for a device class.
func Lookup(class string) (*Model, error) {
	m, ok := models[class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, class)
	}
	return m, nil
}

// Types returns the registered model types, sorted.
func Types() []string {
	out := make([]string, 0, len(models))
	for t := range models {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// validate checks a raw value against the property and converts it.
func (p Property) validate(raw any, unit TemperatureUnit) (dps.Value, error) {
	v, err := dps.FromAny(raw)
	if err != nil {
		return dps.Value{}, fmt.Errorf("%w: %s: %v", ErrInvalidValue, p.Name, err)
	}
	if v.Kind() != p.Kind {
		return dps.Value{}, fmt.Errorf("%w: %s expects %s, got %s", ErrInvalidValue, p.Name, p.Kind, v.Kind())
	}

	switch p.Kind {
	case dps.KindInt:
		lo, hi := p.bounds(unit)
		n, _ := v.AsInt()
		if n < lo || n > hi {
			return dps.Value{}, fmt.Errorf("%w: %s must be between %d and %d, got %d", ErrInvalidValue, p.Name, lo, hi, n)
		}
		if step := p.Step; step > 1 && (n-lo)%step != 0 {
			return dps.Value{}, fmt.Errorf("%w: %s must be a multiple of %d from %d, got %d", ErrInvalidValue, p.Name, step, lo, n)
		}
	case dps.KindString:
		s, _ := v.AsString()
		if len(p.Options) > 0 && !contains(p.Options, s) {
			return dps.Value{}, fmt.Errorf("%w: %s must be one of %s, got %q",
				ErrInvalidValue, p.Name, strings.Join(p.Options, ", "), s)
		}
	}
	return v, nil
}

// bounds returns the integer range in the device's unit.
func (p Property) bounds(unit TemperatureUnit) (int64, int64) {
	if p.Temperature && unit == Fahrenheit {
		return celsiusToFahrenheit(p.Min), celsiusToFahrenheit(p.Max)
	}
	return p.Min, p.Max
}

func celsiusToFahrenheit(c int64) int64 {
	return (c*9 + 160) / 5
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
