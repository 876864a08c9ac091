package app

import (
	"fmt"
	"sync"

	"github.com/large-farva/logcat-relay/internal/telemetry"
)

const logRingSize = 500

type logEntry struct {
	TS        string `json:"ts"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
}

// logRing keeps the most recent daemon log entries for /api/logs.
type logRing struct {
	mu      sync.Mutex
	size    int
	entries []logEntry
}

func newLogRing(size int) *logRing {
	return &logRing{size: size}
}

func (r *logRing) add(level, component, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, logEntry{
		TS:        telemetry.NowTS(),
		Level:     level,
		Component: component,
		Message:   msg,
	})
	if len(r.entries) > r.size {
		r.entries = r.entries[len(r.entries)-r.size:]
	}
}

func (r *logRing) snapshot() []logEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]logEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// describe summarises a lifecycle event for the log ring.
func describe(ev any) (level, component, msg string, ok bool) {
	switch e := ev.(type) {
	case telemetry.SessionEvent:
		verb := "opened"
		if e.Type == telemetry.EventSessionClosed {
			verb = "closed"
		}
		return "info", e.Component, fmt.Sprintf("session %s %s", e.SessionID, verb), true
	case telemetry.ProducerEvent:
		switch e.Type {
		case telemetry.EventProducerStarted:
			return "info", e.Component, fmt.Sprintf("session %s: producer pid %d streaming %s", e.SessionID, e.PID, e.UDID), true
		case telemetry.EventProducerExited:
			return "warn", e.Component, fmt.Sprintf("session %s: producer pid %d exited with code %d", e.SessionID, e.PID, e.ExitCode), true
		case telemetry.EventProducerError:
			return "error", e.Component, fmt.Sprintf("session %s: producer failed: %s", e.SessionID, e.Error), true
		case telemetry.EventDeviceCleared:
			return "info", e.Component, fmt.Sprintf("session %s: cleared log buffer of %s", e.SessionID, e.UDID), true
		}
	}
	return "", "", "", false
}
