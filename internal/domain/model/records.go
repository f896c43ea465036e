package model

// Entry is one transformed glucose record in the shape the Nightscout
// entries API accepts.
type Entry struct {
	Type       string `json:"type"`
	SGV        int    `json:"sgv"`
	Date       int64  `json:"date"`
	DateString string `json:"dateString"`
	Direction  string `json:"direction,omitempty"`
	Device     string `json:"device"`
}

// DeviceStatus is one transformed pump/uploader status record in the shape
// the Nightscout devicestatus API accepts. UpdatedMs carries the record's
// timestamp for recency filtering and is not serialized.
type DeviceStatus struct {
	CreatedAt string        `json:"created_at"`
	Device    string        `json:"device"`
	Uploader  UploaderState `json:"uploader"`
	Pump      *PumpStatus   `json:"pump,omitempty"`

	UpdatedMs int64 `json:"-"`
}

// UploaderState reports the relay conduit's battery level.
type UploaderState struct {
	Battery int `json:"battery"`
}

// PumpStatus carries the pump fields Nightscout renders on its pump pill.
type PumpStatus struct {
	Clock     string       `json:"clock,omitempty"`
	Reservoir float64      `json:"reservoir,omitempty"`
	Battery   *PumpBattery `json:"battery,omitempty"`
	IOB       *PumpIOB     `json:"iob,omitempty"`
}

// PumpBattery is the pump's own battery level in percent.
type PumpBattery struct {
	Percent int `json:"percent"`
}

// PumpIOB is the pump's reported insulin-on-board.
type PumpIOB struct {
	Timestamp string  `json:"timestamp,omitempty"`
	BolusIOB  float64 `json:"bolusiob"`
}
