// Package logging builds the daemon and CLI loggers. Output always goes to
// stdout; when a log file is configured it is duplicated there as well.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/large-farva/logcat-relay/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger writing to stdout (and cfg.File when set) with the
// given prefix. The returned closer releases the log file.
func New(cfg config.LoggingConfig, prefix string) (*log.Logger, io.Closer, error) {
	flags := log.LstdFlags | log.Lmicroseconds
	if cfg.File == "" {
		return log.New(os.Stdout, prefix, flags), nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", cfg.File, err)
	}
	return log.New(io.MultiWriter(os.Stdout, f), prefix, flags), f, nil
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// SanitizeForLog strips newlines and control characters from client
// supplied strings (device serials, filter expressions) so they cannot
// forge extra log lines.
func SanitizeForLog(s string) string {
	s = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
