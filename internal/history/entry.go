package history

import (
	"fmt"
	"regexp"
	"strings"
)

// Level is a logcat priority. The zero value is Verbose and the ordering of
// the constants is the filter ordering V < D < I < W < E < F < S.
type Level int

const (
	LevelVerbose Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
	LevelSilent
)

const levelLetters = "VDIWEFS"

var levelNames = [...]string{"verbose", "debug", "info", "warn", "error", "fatal", "silent"}

// String returns the single-letter logcat form ("V", "D", ...).
func (l Level) String() string {
	if l < LevelVerbose || l > LevelSilent {
		return "?"
	}
	return levelLetters[l : l+1]
}

// Name returns the long lowercase name ("verbose", "debug", ...).
func (l Level) Name() string {
	if l < LevelVerbose || l > LevelSilent {
		return "unknown"
	}
	return levelNames[l]
}

// ParseLevel accepts a logcat letter or a long name, case-insensitively.
// "warning" is accepted as an alias for W.
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(s)
	if len(s) == 1 {
		if i := strings.IndexByte(levelLetters, strings.ToUpper(s)[0]); i >= 0 {
			return Level(i), nil
		}
	}
	lower := strings.ToLower(s)
	if lower == "warning" {
		return LevelWarn, nil
	}
	for i, name := range levelNames {
		if lower == name {
			return Level(i), nil
		}
	}
	return LevelVerbose, fmt.Errorf("unknown log level %q", s)
}

func levelFromLetter(s string) Level {
	return Level(strings.IndexByte(levelLetters, s[0]))
}

// LogEntry is one parsed log line. Entries are values and are never
// modified after parsing.
type LogEntry struct {
	Timestamp string
	Level     Level
	Tag       string
	PID       string
	Message   string
	Raw       string
}

var (
	// 06-15 10:23:01.123  1234  1234 I MyTag: Hello world
	threadtimeRe = regexp.MustCompile(`^(\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2}\.\d{3})\s+(\d+)\s+(\d+)\s+([VDIWEFS])\s+([^:]+):\s*(.*)$`)

	// E/Crashy(  987): fatal error, optionally prefixed by the "-v time" timestamp.
	briefRe = regexp.MustCompile(`^(?:(\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2}\.\d{3})\s+)?([VDIWEFS])/([^(]+)\(\s*(\d+)\):\s*(.*)$`)
)

// ParseLine turns one raw line into an entry. Lines in neither known layout
// are kept verbatim at info level; blank lines yield ok == false.
func ParseLine(line string) (LogEntry, bool) {
	if m := threadtimeRe.FindStringSubmatch(line); m != nil {
		return LogEntry{
			Timestamp: m[1],
			PID:       m[2],
			Level:     levelFromLetter(m[4]),
			Tag:       strings.TrimSpace(m[5]),
			Message:   m[6],
			Raw:       line,
		}, true
	}

	if m := briefRe.FindStringSubmatch(line); m != nil {
		return LogEntry{
			Timestamp: m[1],
			Level:     levelFromLetter(m[2]),
			Tag:       strings.TrimSpace(m[3]),
			PID:       m[4],
			Message:   m[5],
			Raw:       line,
		}, true
	}

	if strings.TrimSpace(line) == "" {
		return LogEntry{}, false
	}
	return LogEntry{Level: LevelInfo, Message: line, Raw: line}, true
}
