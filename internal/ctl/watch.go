package ctl

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// WatchOptions controls the watch command behavior.
type WatchOptions struct {
	Filter []string // event types to show (empty = all)
	JSON   bool     // output raw JSON per event
}

// Watch connects to the daemon's WebSocket endpoint and streams events to
// the terminal in a human-readable format until interrupted.
func Watch(baseURL string, opts WatchOptions) error {
	wsURL, err := eventFeedURL(baseURL)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if !opts.JSON {
		fmt.Println()
		fmt.Printf("  %s %s\n", colorize(green, "connected"), colorize(dim, wsURL))
		if len(opts.Filter) > 0 {
			fmt.Printf("  %s %s\n", colorize(dim, "filter:"), colorize(dim, strings.Join(opts.Filter, ", ")))
		}
		fmt.Println(rule(50))
		fmt.Println()
	}

	filterSet := make(map[string]bool, len(opts.Filter))
	for _, f := range opts.Filter {
		filterSet[f] = true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if len(filterSet) > 0 {
				var ev map[string]any
				if err := json.Unmarshal(msg, &ev); err == nil {
					evType, _ := ev["type"].(string)
					if !filterSet[evType] {
						continue
					}
				}
			}

			if opts.JSON {
				fmt.Println(string(msg))
			} else {
				fmt.Println(formatEvent(msg))
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-sig:
		if !opts.JSON {
			fmt.Println()
			fmt.Println(colorize(dim, "  disconnecting..."))
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(1*time.Second),
		)
		return nil
	case <-done:
		return nil
	}
}

// eventFeedURL turns the daemon's HTTP base URL into the /ws endpoint.
func eventFeedURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// formatEvent renders one JSON event as a single human-friendly line.
// Unknown event types fall back to indented JSON so nothing is lost.
func formatEvent(raw []byte) string {
	var ev map[string]any
	if err := json.Unmarshal(raw, &ev); err != nil {
		return "  " + string(raw)
	}

	evType, _ := ev["type"].(string)
	ts := colorize(dim, formatEventTime(ev))
	str := func(key string) string {
		s, _ := ev[key].(string)
		return s
	}
	num := func(key string) int64 {
		f, _ := ev[key].(float64)
		return int64(f)
	}
	session := func() string {
		id := str("session_id")
		if len(id) > 8 {
			id = id[:8]
		}
		return colorize(dim, id)
	}

	switch evType {
	case "heartbeat":
		state := str("state")
		return fmt.Sprintf("  %s %s  %s  up %s  %s",
			ts,
			colorize(dim, "heartbeat"),
			colorize(stateColor(state), state),
			colorize(dim, formatDuration(time.Duration(num("uptime_seconds"))*time.Second)),
			colorize(dim, fmt.Sprintf("%d sessions", num("sessions"))),
		)

	case "state":
		from, to := str("from"), str("to")
		return fmt.Sprintf("  %s %s  %s %s %s",
			ts,
			colorize(bold, "STATE"),
			colorize(stateColor(from), from),
			colorize(dim, "->"),
			colorize(stateColor(to), to),
		)

	case "log":
		src := ""
		if c := str("component"); c != "" {
			src = colorize(dim, "["+c+"] ")
		}
		return fmt.Sprintf("  %s %s  %s%s", ts, formatLogLevel(str("level")), src, str("message"))

	case "session_opened":
		return fmt.Sprintf("  %s %s  %s from %s", ts, colorize(green, padRight("OPEN", 8)), session(), str("remote"))

	case "session_closed":
		return fmt.Sprintf("  %s %s  %s", ts, colorize(dim, padRight("CLOSE", 8)), session())

	case "producer_started":
		detail := str("udid")
		if f := str("filter"); f != "" {
			detail += " " + colorize(dim, "filter="+f)
		}
		return fmt.Sprintf("  %s %s  %s pid %d %s", ts, colorize(cyan, padRight("SPAWN", 8)), session(), num("pid"), detail)

	case "producer_exited":
		return fmt.Sprintf("  %s %s  %s pid %d exit %d", ts, colorize(yellow, padRight("EXIT", 8)), session(), num("pid"), num("exit_code"))

	case "producer_error":
		return fmt.Sprintf("  %s %s  %s %s", ts, colorize(red, padRight("ERROR", 8)), session(), str("error"))

	case "device_cleared":
		return fmt.Sprintf("  %s %s  %s %s", ts, colorize(blue, padRight("CLEAR", 8)), session(), str("udid"))

	default:
		pretty, err := json.MarshalIndent(ev, "  ", "  ")
		if err != nil {
			return "  " + string(raw)
		}
		return "  " + string(pretty)
	}
}

// formatEventTime extracts and shortens the timestamp from an event.
func formatEventTime(ev map[string]any) string {
	tsRaw, ok := ev["ts"].(string)
	if !ok {
		return "        "
	}
	t, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		if len(tsRaw) > 8 {
			return tsRaw[:8]
		}
		return tsRaw
	}
	return t.Local().Format("15:04:05")
}

// formatLogLevel returns a colored, fixed-width log level label.
func formatLogLevel(level string) string {
	switch level {
	case "info":
		return colorize(green, "INFO ")
	case "warn":
		return colorize(yellow, "WARN ")
	case "error":
		return colorize(red, "ERROR")
	default:
		return padRight(level, 5)
	}
}
