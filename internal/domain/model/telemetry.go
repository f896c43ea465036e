package model

import "encoding/json"

// TelemetrySnapshot is the raw payload returned by the portal's data
// endpoints. The acquisition layer treats it as opaque apart from the
// device-family tag and the freshness marker; field-level validation belongs
// to the transform stage.
type TelemetrySnapshot map[string]json.RawMessage

// Empty reports whether the snapshot is materially empty. The portal returns
// stub objects with a single field when the pump has not uploaded recently.
func (s TelemetrySnapshot) Empty() bool {
	return len(s) < 2
}

// DeviceFamily returns the snapshot's device-family tag, or "" when absent.
// Newer portal responses use deviceFamily; older ones use medicalDeviceFamily.
func (s TelemetrySnapshot) DeviceFamily() string {
	for _, key := range []string{"deviceFamily", "medicalDeviceFamily"} {
		raw, ok := s[key]
		if !ok {
			continue
		}
		var family string
		if err := json.Unmarshal(raw, &family); err == nil && family != "" {
			return family
		}
	}
	return ""
}

// LastDeviceUpdate returns the snapshot's freshness marker (server time of
// the last medical-device upload, in epoch milliseconds), or 0 when absent.
func (s TelemetrySnapshot) LastDeviceUpdate() int64 {
	raw, ok := s["lastMedicalDeviceDataUpdateServerTime"]
	if !ok {
		return 0
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return 0
	}
	return ms
}
