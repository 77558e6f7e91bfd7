package api

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/nwestergaard/aquabridge/internal/core/device"
)

// The provider has shipped the same quantities in two shapes over time: bare
// scalars and {v}/{value}/{mean} envelopes. Everything funnels through the
// helpers below so merge logic never branches on source shape.

func scalarNumber(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Float(), true
	case gjson.JSON:
		for _, key := range []string{"value", "v", "mean"} {
			if inner := v.Get(key); inner.Type == gjson.Number {
				return inner.Float(), true
			}
		}
	}
	return 0, false
}

func scalarString(v gjson.Result) (string, bool) {
	switch v.Type {
	case gjson.String:
		return v.String(), true
	case gjson.JSON:
		for _, key := range []string{"value", "v"} {
			if inner := v.Get(key); inner.Type == gjson.String {
				return inner.String(), true
			}
		}
	}
	return "", false
}

func scalarBool(v gjson.Result) (bool, bool) {
	switch v.Type {
	case gjson.True:
		return true, true
	case gjson.False:
		return false, true
	case gjson.JSON:
		for _, key := range []string{"value", "v"} {
			inner := v.Get(key)
			if inner.IsBool() {
				return inner.Bool(), true
			}
		}
	}
	return false, false
}

func valveState(s string) (device.ValveState, bool) {
	switch s {
	case "open", "opened":
		return device.ValveOpen, true
	case "closed":
		return device.ValveClosed, true
	case "inTransition", "in_transition":
		return device.ValveInTransition, true
	}
	return "", false
}

// normalizeDevice maps a device-state response onto the canonical Update.
// Absent fields stay nil so the merge never clears what the response did not
// carry.
func normalizeDevice(raw []byte) device.Update {
	var upd device.Update
	doc := gjson.ParseBytes(raw)

	// lastKnown reflects reality; target is only the commanded position.
	valve := doc.Get("valve.lastKnown")
	if !valve.Exists() {
		valve = doc.Get("valve.target")
	}
	if s, ok := scalarString(valve); ok {
		if vs, ok := valveState(s); ok {
			upd.Valve = &vs
		}
	}

	if b, ok := scalarBool(doc.Get("isConnected")); ok {
		upd.Online = &b
	}
	if s, ok := scalarString(doc.Get("fwVersion")); ok {
		upd.Firmware = &s
	}
	if n, ok := scalarNumber(doc.Get("battery.level")); ok {
		lvl := int(n)
		upd.BatteryLevel = &lvl
	}
	if b, ok := scalarBool(doc.Get("leakDetected")); ok {
		upd.LeakDetected = &b
	}
	if n, ok := scalarNumber(doc.Get("notifications.pending.criticalCount")); ok {
		count := int(n)
		upd.AlertCount = &count
		if upd.LeakDetected == nil {
			leak := count > 0
			upd.LeakDetected = &leak
		}
	}

	// Some revisions inline the latest telemetry on the device resource.
	if t := doc.Get("telemetry.current"); t.Exists() {
		mergeTelemetry(&upd, t)
	}
	return upd
}

// normalizeTelemetry maps a telemetry response onto the canonical Update.
func normalizeTelemetry(raw []byte) device.Update {
	var upd device.Update
	mergeTelemetry(&upd, gjson.ParseBytes(raw))
	return upd
}

func mergeTelemetry(upd *device.Update, doc gjson.Result) {
	if n, ok := scalarNumber(doc.Get("gpm")); ok {
		upd.FlowRate = &n
	}
	if n, ok := scalarNumber(doc.Get("tempF")); ok {
		upd.TemperatureF = &n
	}
	if n, ok := scalarNumber(doc.Get("psi")); ok {
		upd.PressurePSI = &n
	}
}

// normalizeFirmware maps a firmware-metadata response onto the canonical
// Update.
func normalizeFirmware(raw []byte) device.Update {
	var upd device.Update
	doc := gjson.ParseBytes(raw)

	fw := doc.Get("current.version")
	if !fw.Exists() {
		fw = doc.Get("fwVersion")
	}
	if s, ok := scalarString(fw); ok {
		upd.Firmware = &s
	}
	return upd
}

// ParsePushPayload normalizes a push message body. Push deltas use the same
// field vocabulary as the REST responses but only carry what changed.
func ParsePushPayload(raw []byte) (device.Update, error) {
	if !gjson.ValidBytes(raw) {
		return device.Update{}, fmt.Errorf("api: push payload is not valid JSON")
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return device.Update{}, fmt.Errorf("api: push payload is not a JSON object")
	}

	upd := normalizeDevice(raw)
	mergeTelemetry(&upd, doc)
	return upd, nil
}
