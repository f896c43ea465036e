package application

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/medrelay/medrelay/internal/domain/model"
)

// trendDirections maps the portal's glucose trend names to the direction
// vocabulary the dashboard renders.
var trendDirections = map[string]string{
	"NONE":        "Flat",
	"UP":          "SingleUp",
	"UP_DOUBLE":   "DoubleUp",
	"UP_TRIPLE":   "TripleUp",
	"DOWN":        "SingleDown",
	"DOWN_DOUBLE": "DoubleDown",
	"DOWN_TRIPLE": "TripleDown",
}

// Transformer maps raw telemetry snapshots to the record shapes the dashboard
// accepts. It owns no state beyond the device name it stamps on records.
type Transformer struct {
	device string
}

// NewTransformer creates a Transformer. serial is an optional pump serial
// hint used in record device names; empty falls back to a generic name.
func NewTransformer(serial string) *Transformer {
	device := "medrelay://carelink"
	if serial != "" {
		device = "medrelay://carelink/" + serial
	}
	return &Transformer{device: device}
}

// sgReading is one sensor glucose sample from the snapshot's sgs array.
type sgReading struct {
	SG          int    `json:"sg"`
	Datetime    string `json:"datetime"`
	SensorState string `json:"sensorState"`
}

// monitorPayload is the typed view of the snapshot fields the transform
// inspects. Everything else stays opaque.
type monitorPayload struct {
	Sgs                              []sgReading    `json:"sgs"`
	LastSGTrend                      string         `json:"lastSGTrend"`
	ConduitBatteryLevel              int            `json:"conduitBatteryLevel"`
	LastConduitUpdateServerTime      int64          `json:"lastConduitUpdateServerTime"`
	ReservoirRemainingUnits          float64        `json:"reservoirRemainingUnits"`
	MedicalDeviceBatteryLevelPercent int            `json:"medicalDeviceBatteryLevelPercent"`
	ActiveInsulin                    *activeInsulin `json:"activeInsulin"`
}

type activeInsulin struct {
	Amount   float64 `json:"amount"`
	Datetime string  `json:"datetime"`
}

func decodePayload(snapshot model.TelemetrySnapshot) (*monitorPayload, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	var payload monitorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Entries extracts glucose entries from a snapshot. Samples with a zero
// reading or a sensor exception state are gaps, not readings, and are
// skipped. The snapshot's trend applies to the newest entry only.
func (t *Transformer) Entries(snapshot model.TelemetrySnapshot) []model.Entry {
	if snapshot.Empty() {
		return nil
	}

	payload, err := decodePayload(snapshot)
	if err != nil {
		slog.Warn("telemetry payload undecodable, no entries produced", "error", err)
		return nil
	}

	entries := make([]model.Entry, 0, len(payload.Sgs))
	newest := -1
	var newestDate int64

	for _, sg := range payload.Sgs {
		if sg.SG <= 0 {
			continue
		}
		if sg.SensorState != "" && sg.SensorState != "NO_ERROR_MESSAGE" {
			continue
		}

		at, err := time.Parse(time.RFC3339, sg.Datetime)
		if err != nil {
			slog.Debug("skipping glucose sample with unparsable datetime", "datetime", sg.Datetime, "error", err)
			continue
		}

		entry := model.Entry{
			Type:       "sgv",
			SGV:        sg.SG,
			Date:       at.UnixMilli(),
			DateString: at.UTC().Format(time.RFC3339),
			Device:     t.device,
		}
		entries = append(entries, entry)

		if entry.Date > newestDate {
			newestDate = entry.Date
			newest = len(entries) - 1
		}
	}

	if newest >= 0 {
		if direction, ok := trendDirections[payload.LastSGTrend]; ok {
			entries[newest].Direction = direction
		}
	}

	return entries
}

// DeviceStatus extracts one pump/uploader status record from a snapshot, or
// nil when the snapshot carries no conduit update to report.
func (t *Transformer) DeviceStatus(snapshot model.TelemetrySnapshot) *model.DeviceStatus {
	if snapshot.Empty() {
		return nil
	}

	payload, err := decodePayload(snapshot)
	if err != nil {
		slog.Warn("telemetry payload undecodable, no device status produced", "error", err)
		return nil
	}
	if payload.LastConduitUpdateServerTime == 0 {
		return nil
	}

	at := time.UnixMilli(payload.LastConduitUpdateServerTime).UTC()

	status := &model.DeviceStatus{
		CreatedAt: at.Format(time.RFC3339),
		Device:    t.device,
		Uploader:  model.UploaderState{Battery: payload.ConduitBatteryLevel},
		UpdatedMs: payload.LastConduitUpdateServerTime,
	}

	pump := &model.PumpStatus{
		Clock:     at.Format(time.RFC3339),
		Reservoir: payload.ReservoirRemainingUnits,
	}
	if payload.MedicalDeviceBatteryLevelPercent > 0 {
		pump.Battery = &model.PumpBattery{Percent: payload.MedicalDeviceBatteryLevelPercent}
	}
	if payload.ActiveInsulin != nil {
		pump.IOB = &model.PumpIOB{
			Timestamp: payload.ActiveInsulin.Datetime,
			BolusIOB:  payload.ActiveInsulin.Amount,
		}
	}
	status.Pump = pump

	return status
}
