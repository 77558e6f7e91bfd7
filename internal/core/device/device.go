// Package device holds the per-device snapshot model, the merge store fed by
// both the polling and push channels, and the synchronizer driving periodic
// polls.
package device

import (
	"math"
	"time"
)

// ValveState describes the shutoff valve position.
type ValveState string

const (
	ValveOpen         ValveState = "open"
	ValveClosed       ValveState = "closed"
	ValveInTransition ValveState = "in_transition"
)

// Update is a partial delta from either channel. A nil field was absent from
// the source and must leave the existing snapshot value untouched.
type Update struct {
	Valve        *ValveState
	FlowRate     *float64 // gallons per minute
	TemperatureF *float64
	PressurePSI  *float64
	LeakDetected *bool
	AlertCount   *int
	BatteryLevel *int // percent
	Firmware     *string
	Online       *bool
}

// Empty reports whether the update carries no fields at all.
func (u Update) Empty() bool {
	return u.Valve == nil && u.FlowRate == nil && u.TemperatureF == nil &&
		u.PressurePSI == nil && u.LeakDetected == nil && u.AlertCount == nil &&
		u.BatteryLevel == nil && u.Firmware == nil && u.Online == nil
}

// Snapshot is the merged, current-best-knowledge state of one device.
// Nil fields have never been reported by any channel.
type Snapshot struct {
	DeviceID     string      `json:"device_id"`
	Valve        *ValveState `json:"valve,omitempty"`
	FlowRate     *float64    `json:"flow_rate,omitempty"`
	TemperatureF *float64    `json:"temperature_f,omitempty"`
	PressurePSI  *float64    `json:"pressure_psi,omitempty"`
	LeakDetected *bool       `json:"leak_detected,omitempty"`
	AlertCount   *int        `json:"alert_count,omitempty"`
	BatteryLevel *int        `json:"battery_level,omitempty"`
	Firmware     *string     `json:"firmware,omitempty"`
	Online       *bool       `json:"online,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// merge overwrites only the fields the update carries.
func (s *Snapshot) merge(u Update, at time.Time) {
	if u.Valve != nil {
		v := *u.Valve
		s.Valve = &v
	}
	if u.FlowRate != nil {
		v := *u.FlowRate
		s.FlowRate = &v
	}
	if u.TemperatureF != nil {
		v := *u.TemperatureF
		s.TemperatureF = &v
	}
	if u.PressurePSI != nil {
		v := *u.PressurePSI
		s.PressurePSI = &v
	}
	if u.LeakDetected != nil {
		v := *u.LeakDetected
		s.LeakDetected = &v
	}
	if u.AlertCount != nil {
		v := *u.AlertCount
		s.AlertCount = &v
	}
	if u.BatteryLevel != nil {
		v := *u.BatteryLevel
		s.BatteryLevel = &v
	}
	if u.Firmware != nil {
		v := *u.Firmware
		s.Firmware = &v
	}
	if u.Online != nil {
		v := *u.Online
		s.Online = &v
	}
	s.UpdatedAt = at
}

// clone returns a deep copy so readers never share pointers with the store.
func (s *Snapshot) clone() Snapshot {
	cp := Snapshot{DeviceID: s.DeviceID, UpdatedAt: s.UpdatedAt}
	cp.merge(Update{
		Valve:        s.Valve,
		FlowRate:     s.FlowRate,
		TemperatureF: s.TemperatureF,
		PressurePSI:  s.PressurePSI,
		LeakDetected: s.LeakDetected,
		AlertCount:   s.AlertCount,
		BatteryLevel: s.BatteryLevel,
		Firmware:     s.Firmware,
		Online:       s.Online,
	}, s.UpdatedAt)
	return cp
}

// ToCelsius converts a Fahrenheit reading to Celsius rounded to one decimal
// place with standard rounding.
func ToCelsius(f float64) float64 {
	return math.Round((f-32)*5/9*10) / 10
}
