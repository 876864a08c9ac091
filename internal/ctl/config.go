package ctl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/large-farva/logcat-relay/internal/config"
)

// Config fetches and displays the daemon's running configuration.
func Config(baseURL string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	var raw json.RawMessage
	if err := getJSON(baseURL, "/api/config", &raw); err != nil {
		return err
	}

	if jsonOutput {
		var v any
		_ = json.Unmarshal(raw, &v)
		return printJSON(v)
	}

	var cfg config.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(header("  DAEMON CONFIGURATION"))
	fmt.Println(rule(50))

	section := func(name string) {
		fmt.Printf("\n  %s\n", colorize(bold, "["+name+"]"))
	}
	field := func(key string, val any) {
		fmt.Printf("    %-20s %v\n", colorize(dim, key+":"), val)
	}

	section("server")
	field("bind", cfg.Server.Bind)
	field("lock_file", cfg.Server.LockFile)

	section("producer")
	field("path", cfg.Producer.Path)
	field("stream_args", strings.Join(cfg.Producer.StreamArgs, " "))
	field("clear_args", strings.Join(cfg.Producer.ClearArgs, " "))

	section("batch")
	field("flush_interval_ms", cfg.Batch.FlushIntervalMS)
	field("max_lines", cfg.Batch.MaxLines)

	section("logging")
	field("level", cfg.Logging.Level)
	field("file", cfg.Logging.File)

	section("viewer")
	field("host", cfg.Viewer.Host)
	field("port", cfg.Viewer.Port)
	field("path", cfg.Viewer.Path)
	field("secure", cfg.Viewer.Secure)
	field("reconnect_delay_ms", cfg.Viewer.ReconnectDelayMS)
	field("history_capacity", cfg.Viewer.HistoryCapacity)

	fmt.Println()

	return nil
}
