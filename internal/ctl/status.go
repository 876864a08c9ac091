package ctl

import (
	"fmt"
	"strings"
	"time"
)

// StatusResponse mirrors the JSON returned by GET /api/status.
type StatusResponse struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Sessions      int    `json:"sessions"`
	Tunnels       int    `json:"tunnels"`
	EventClients  int    `json:"event_clients"`
	ProducerPath  string `json:"producer_path"`
	FlushInterval string `json:"flush_interval"`
	MaxBatchLines int    `json:"max_batch_lines"`
}

// Status fetches the daemon status and prints a formatted summary.
func Status(baseURL string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	var s StatusResponse
	if err := getJSON(baseURL, "/api/status", &s); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(s)
	}

	uptime := formatDuration(time.Duration(s.UptimeSeconds) * time.Second)

	fmt.Println()
	fmt.Println(header("  LOGCAT RELAY STATUS"))
	fmt.Println(rule(38))
	fmt.Printf("  %-12s %s\n", colorize(dim, "Daemon:"), s.Name)
	fmt.Printf("  %-12s %s\n", colorize(dim, "State:"), colorize(stateColor(s.State), s.State))
	fmt.Printf("  %-12s %s\n", colorize(dim, "Uptime:"), uptime)
	fmt.Printf("  %-12s %d (%d tunnels)\n", colorize(dim, "Sessions:"), s.Sessions, s.Tunnels)
	fmt.Printf("  %-12s %d\n", colorize(dim, "Watchers:"), s.EventClients)
	fmt.Printf("  %-12s %s\n", colorize(dim, "Producer:"), s.ProducerPath)
	fmt.Printf("  %-12s %s / %d lines\n", colorize(dim, "Batching:"), s.FlushInterval, s.MaxBatchLines)
	fmt.Printf("  %-12s %s\n", colorize(dim, "Host:"), baseURL)
	fmt.Println()

	return nil
}
