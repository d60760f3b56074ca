package appliance

import (
	"github.com/nerrad567/gray-logic-appliance/internal/devicestate"
	"github.com/nerrad567/gray-logic-appliance/internal/dps"
)

// Model types.
const (
	TypeHeater       = "heater"
	TypeLegacyHeater = "legacy_heater"
	TypeDehumidifier = "dehumidifier"
	TypeFan          = "fan"
)

// Heater data points.
const (
	heaterPower       dps.ID = "1"
	heaterTarget      dps.ID = "2"
	heaterCurrent     dps.ID = "3"
	heaterPreset      dps.ID = "4"
	heaterChildLock   dps.ID = "6"
	heaterFault       dps.ID = "12"
	heaterPowerLevel  dps.ID = "101"
	heaterHeating     dps.ID = "102"
	heaterDisplay     dps.ID = "104"
	heaterTimerRemain dps.ID = "105"
)

// Dehumidifier data points.
const (
	dehumPower      dps.ID = "1"
	dehumMode       dps.ID = "2"
	dehumTarget     dps.ID = "3"
	dehumHumidity   dps.ID = "5"
	dehumChildLock  dps.ID = "7"
	dehumTankFull   dps.ID = "11"
	dehumFanSpeed   dps.ID = "101"
	dehumDefrosting dps.ID = "102"
	dehumTemp       dps.ID = "103"
	dehumDisplay    dps.ID = "104"
)

// Fan data points.
const (
	fanPower     dps.ID = "1"
	fanSpeed     dps.ID = "2"
	fanOscillate dps.ID = "3"
	fanMode      dps.ID = "8"
	fanTimer     dps.ID = "101"
	fanDisplay   dps.ID = "102"
)

func heaterProperties(withDisplay bool) []Property {
	props := []Property{
		{Name: "power", DP: heaterPower, Kind: dps.KindBool},
		{Name: "target_temperature", DP: heaterTarget, Kind: dps.KindInt, Min: 5, Max: 35, Temperature: true},
		{Name: "current_temperature", DP: heaterCurrent, Kind: dps.KindInt, ReadOnly: true},
		{Name: "preset", DP: heaterPreset, Kind: dps.KindString, Options: []string{"comfort", "eco", "anti_freeze"}},
		{Name: "child_lock", DP: heaterChildLock, Kind: dps.KindBool, Feature: FeatureChildLock},
		{Name: "fault", DP: heaterFault, Kind: dps.KindInt, ReadOnly: true},
		{Name: "power_level", DP: heaterPowerLevel, Kind: dps.KindString, Options: []string{"stop", "1", "2", "3", "4", "5", "auto"}},
		{Name: "heating", DP: heaterHeating, Kind: dps.KindBool, ReadOnly: true},
		{Name: "timer_remaining", DP: heaterTimerRemain, Kind: dps.KindInt, ReadOnly: true, Feature: FeatureExtraSensors},
	}
	if withDisplay {
		props = append(props, Property{Name: "display_light", DP: heaterDisplay, Kind: dps.KindBool, Feature: FeatureDisplayLight})
	}
	return props
}

var heaterImplications = []Implication{
	// The element switches off as soon as the power level is set to stop.
	{Property: "power_level", Value: dps.String("stop"), Implies: heaterHeating, As: dps.Bool(false)},
	// Frost protection pins the setpoint to 5 °C (41 °F).
	{Property: "preset", Value: dps.String("anti_freeze"), Implies: heaterTarget, As: dps.Int(5)},
}

func init() {
	register(&Model{
		Type:         TypeHeater,
		Manufacturer: "Generic",
		Name:         "WiFi panel heater",
		Properties:   heaterProperties(true),
		Implications: heaterImplications,
		Features:     []Feature{FeatureChildLock, FeatureDisplayLight, FeatureExtraSensors},
	})

	// Older heater firmware drops the connection after two bad frames.
	register(&Model{
		Type:         TypeLegacyHeater,
		Manufacturer: "Generic",
		Name:         "WiFi panel heater (legacy firmware)",
		Properties:   heaterProperties(false),
		Implications: heaterImplications,
		Features:     []Feature{FeatureChildLock, FeatureExtraSensors},
		MaxAttempts:  devicestate.LegacyMaxAttempts,
	})

	register(&Model{
		Type:         TypeDehumidifier,
		Manufacturer: "Generic",
		Name:         "WiFi dehumidifier",
		Properties: []Property{
			{Name: "power", DP: dehumPower, Kind: dps.KindBool},
			{Name: "mode", DP: dehumMode, Kind: dps.KindString, Options: []string{"normal", "continuous", "dry_clothes", "quiet"}},
			{Name: "target_humidity", DP: dehumTarget, Kind: dps.KindInt, Min: 30, Max: 80, Step: 5},
			{Name: "current_humidity", DP: dehumHumidity, Kind: dps.KindInt, ReadOnly: true},
			{Name: "child_lock", DP: dehumChildLock, Kind: dps.KindBool, Feature: FeatureChildLock},
			{Name: "tank_full", DP: dehumTankFull, Kind: dps.KindBool, ReadOnly: true},
			{Name: "fan_speed", DP: dehumFanSpeed, Kind: dps.KindString, Options: []string{"low", "high"}},
			{Name: "defrosting", DP: dehumDefrosting, Kind: dps.KindBool, ReadOnly: true, Feature: FeatureExtraSensors},
			{Name: "current_temperature", DP: dehumTemp, Kind: dps.KindInt, ReadOnly: true, Feature: FeatureExtraSensors},
			{Name: "display_light", DP: dehumDisplay, Kind: dps.KindBool, Feature: FeatureDisplayLight},
		},
		Implications: []Implication{
			{Property: "mode", Value: dps.String("dry_clothes"), Implies: dehumFanSpeed, As: dps.String("high")},
			{Property: "mode", Value: dps.String("quiet"), Implies: dehumFanSpeed, As: dps.String("low")},
		},
		Features: []Feature{FeatureChildLock, FeatureDisplayLight, FeatureExtraSensors},
	})

	register(&Model{
		Type:         TypeFan,
		Manufacturer: "Generic",
		Name:         "WiFi tower fan",
		Properties: []Property{
			{Name: "power", DP: fanPower, Kind: dps.KindBool},
			{Name: "speed", DP: fanSpeed, Kind: dps.KindInt, Min: 1, Max: 12},
			{Name: "oscillate", DP: fanOscillate, Kind: dps.KindBool},
			{Name: "mode", DP: fanMode, Kind: dps.KindString, Options: []string{"normal", "natural", "sleep"}},
			{Name: "timer_hours", DP: fanTimer, Kind: dps.KindInt, Min: 0, Max: 12},
			{Name: "display_light", DP: fanDisplay, Kind: dps.KindBool, Feature: FeatureDisplayLight},
		},
		Features: []Feature{FeatureDisplayLight},
	})
}

// DetectionRules returns the signature rules used for class "auto", in
// priority order. Dehumidifiers are checked first because some report a
// data point 12 fault code the heater signature would also accept; fans
// are recognised by mode on 8 only when neither the heater preset nor the
// humidity reading is present.
func DetectionRules() []devicestate.TypeRule {
	return []devicestate.TypeRule{
		{Type: TypeDehumidifier, Present: []dps.ID{dehumHumidity, dehumTankFull}},
		{Type: TypeHeater, Present: []dps.ID{heaterFault, heaterHeating}},
		{Type: TypeFan, Present: []dps.ID{fanMode}, Absent: []dps.ID{heaterPreset, dehumHumidity}},
	}
}
