// Package telemetry defines the typed event structs that flow over the
// WebSocket event feed between logcatd and its clients.
package telemetry

import "time"

// EventType identifies the kind of WebSocket event.
type EventType string

const (
	EventHeartbeat       EventType = "heartbeat"
	EventState           EventType = "state"
	EventLog             EventType = "log"
	EventSessionOpened   EventType = "session_opened"
	EventSessionClosed   EventType = "session_closed"
	EventProducerStarted EventType = "producer_started"
	EventProducerExited  EventType = "producer_exited"
	EventProducerError   EventType = "producer_error"
	EventDeviceCleared   EventType = "device_cleared"
)

// Event is the base envelope shared by every event type.
type Event struct {
	Type      EventType `json:"type"`
	TS        string    `json:"ts"`
	Component string    `json:"component,omitempty"`
}

// NowTS returns the current UTC time as an RFC 3339 nano string, matching the
// timestamp format used across all events.
func NowTS() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func newEvent(t EventType, component string) Event {
	return Event{Type: t, TS: NowTS(), Component: component}
}

// Heartbeat is sent periodically so clients can detect connectivity and
// monitor daemon uptime.
type Heartbeat struct {
	Event
	State         string `json:"state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Sessions      int    `json:"sessions"`
}

func NewHeartbeat(state string, uptime time.Duration, sessions int) Heartbeat {
	return Heartbeat{
		Event:         newEvent(EventHeartbeat, "logcatd"),
		State:         state,
		UptimeSeconds: int64(uptime.Seconds()),
		Sessions:      sessions,
	}
}

// StateTransition is emitted whenever the daemon moves between operating
// states (BOOTING -> READY -> DRAINING).
type StateTransition struct {
	Event
	From string `json:"from"`
	To   string `json:"to"`
}

func NewStateTransition(from, to string) StateTransition {
	return StateTransition{Event: newEvent(EventState, "logcatd"), From: from, To: to}
}

// LogLine carries a human-readable log message at a severity level.
type LogLine struct {
	Event
	Level   string `json:"level"`
	Message string `json:"message"`
}

func NewLogLine(component, level, message string) LogLine {
	return LogLine{Event: newEvent(EventLog, component), Level: level, Message: message}
}

// SessionEvent reports a viewer channel opening or closing.
type SessionEvent struct {
	Event
	SessionID string `json:"session_id"`
	Remote    string `json:"remote,omitempty"`
}

func NewSessionEvent(t EventType, id, remote string) SessionEvent {
	return SessionEvent{Event: newEvent(t, "session"), SessionID: id, Remote: remote}
}

// ProducerEvent reports producer process lifecycle within a session.
type ProducerEvent struct {
	Event
	SessionID string `json:"session_id"`
	UDID      string `json:"udid,omitempty"`
	Filter    string `json:"filter,omitempty"`
	PID       int    `json:"pid,omitempty"`
	ExitCode  int    `json:"exit_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

func NewProducerEvent(t EventType, sessionID, udid string) ProducerEvent {
	return ProducerEvent{Event: newEvent(t, "producer"), SessionID: sessionID, UDID: udid}
}
