package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/medrelay/medrelay/internal/application"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// CycleResponse is the JSON representation of the most recent poll cycle.
type CycleResponse struct {
	Time           string `json:"time"`
	Success        bool   `json:"success"`
	Entries        int    `json:"entries"`
	DeviceStatuses int    `json:"device_statuses"`
	Error          string `json:"error,omitempty"`
}

// toCycleResponse converts an application CycleStatus to its JSON
// representation. A zero Time means no cycle has run yet.
func toCycleResponse(cs application.CycleStatus) CycleResponse {
	resp := CycleResponse{
		Success:        cs.Success,
		Entries:        cs.Entries,
		DeviceStatuses: cs.DeviceStatuses,
		Error:          cs.Error,
	}
	if !cs.Time.IsZero() {
		resp.Time = cs.Time.UTC().Format(time.RFC3339)
	}
	return resp
}
