// Package protocol defines the control messages exchanged on a logcat
// channel. Every frame is a JSON envelope of the form
//
//	{"type":"logcat","data":{"type":"lines","lines":["..."]}}
//
// where data.type selects exactly one message kind.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType is the outer "type" of every logcat frame.
const EnvelopeType = "logcat"

// Kind identifies a control message.
type Kind string

const (
	// client -> server
	KindStart  Kind = "start"
	KindStop   Kind = "stop"
	KindClear  Kind = "clear"
	KindFilter Kind = "filter"

	// server -> client
	KindLines   Kind = "lines"
	KindCleared Kind = "cleared"
)

// Known reports whether k is one of the defined message kinds.
func (k Kind) Known() bool {
	switch k {
	case KindStart, KindStop, KindClear, KindFilter, KindLines, KindCleared:
		return true
	}
	return false
}

// Message is the decoded data payload. Which fields are meaningful depends
// on Kind: UDID (and optionally Filter) for start, Filter for filter, Lines
// for lines.
type Message struct {
	Kind   Kind     `json:"type"`
	UDID   string   `json:"udid,omitempty"`
	Filter *string  `json:"filter,omitempty"`
	Lines  []string `json:"lines,omitempty"`
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Start asks the server to stream logs for udid. An empty filter means no
// filter argument.
func Start(udid, filter string) Message {
	m := Message{Kind: KindStart, UDID: udid}
	if filter != "" {
		m.Filter = &filter
	}
	return m
}

func Stop() Message { return Message{Kind: KindStop} }

func Clear() Message { return Message{Kind: KindClear} }

// Filter carries the new producer filter. An empty pattern is meaningful:
// it restarts the stream without a filter.
func Filter(pattern string) Message {
	return Message{Kind: KindFilter, Filter: &pattern}
}

func Lines(lines []string) Message { return Message{Kind: KindLines, Lines: lines} }

func Cleared() Message { return Message{Kind: KindCleared} }

// FilterValue returns the filter pattern, or "" when none was sent.
func (m Message) FilterValue() string {
	if m.Filter == nil {
		return ""
	}
	return *m.Filter
}

// Encode wraps m in the logcat envelope.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind, err)
	}
	return json.Marshal(envelope{Type: EnvelopeType, Data: data})
}

// Decode parses one frame. ok is false for frames that are well formed but
// not for us: a foreign envelope type or an unknown data.type. Those are
// ignored by callers. A non-nil error means the frame was malformed.
func Decode(frame []byte) (m Message, ok bool, err error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, false, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type != EnvelopeType {
		return Message{}, false, nil
	}
	if len(env.Data) == 0 {
		return Message{}, false, fmt.Errorf("decode %s frame: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, &m); err != nil {
		return Message{}, false, fmt.Errorf("decode data: %w", err)
	}
	if !m.Kind.Known() {
		return Message{}, false, nil
	}
	return m, true, nil
}
