package bridge

import (
	"time"

	"wotbridge/cmd/internal/store"
)

// Frame types sent to sessions.
const (
	FrameSensorData      = "sensor_data"
	FrameControlCommand  = "control_command"
	FrameControlResponse = "control_response"
	FrameError           = "error"
)

// Frame is the wire shape of every server-to-session message.
type Frame struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// SensorDataFrame wraps a telemetry event for fan-out. Absent metrics are
// omitted from the data object, never zero-filled.
func SensorDataFrame(ev store.TelemetryEvent) Frame {
	data := map[string]any{
		"node_id":   ev.NodeID,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	for _, key := range store.MetricKeys {
		if v, ok := ev.Metrics[key]; ok {
			data[key] = v
		}
	}
	return Frame{Type: FrameSensorData, Data: data}
}

// ControlCommandFrame wraps a control event for fan-out.
func ControlCommandFrame(ev store.ControlEvent) Frame {
	return Frame{Type: FrameControlCommand, Data: map[string]any{
		"node_id":   ev.NodeID,
		"action":    ev.Action,
		"value":     ev.Value,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}}
}

// ControlResponseFrame acknowledges a session-originated control command.
func ControlResponseFrame(data any) Frame {
	return Frame{Type: FrameControlResponse, Data: data}
}

// ErrorFrame reports an in-band error without closing the session.
func ErrorFrame(msg string) Frame {
	return Frame{Type: FrameError, Message: msg}
}
