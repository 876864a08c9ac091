package ctl

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/large-farva/logcat-relay/internal/session"
)

// Sessions lists the viewer sessions the daemon is serving.
func Sessions(baseURL string, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	var resp struct {
		Sessions []session.Info `json:"sessions"`
	}
	if err := getJSON(baseURL, "/api/sessions", &resp); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(resp)
	}

	fmt.Println()
	fmt.Println(header("  VIEWER SESSIONS"))
	fmt.Println()
	if len(resp.Sessions) == 0 {
		fmt.Println("  No active sessions.")
		fmt.Println()
		return nil
	}

	fmt.Println(sessionsTable(resp.Sessions, time.Now()))
	fmt.Println()
	return nil
}

func sessionsTable(sessions []session.Info, now time.Time) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "Remote", "Device", "Filter", "State", "PID", "Spawns", "Lines", "Dropped", "Age"})
	for _, s := range sessions {
		id := s.ID
		if len(id) > 8 {
			id = id[:8]
		}
		pid := "-"
		if s.Producer.PID > 0 {
			pid = strconv.Itoa(s.Producer.PID)
		}
		tw.AppendRow(table.Row{
			id,
			s.Remote,
			orDash(s.Producer.UDID),
			orDash(s.Producer.Filter),
			s.Producer.State,
			pid,
			s.Producer.Spawns,
			s.Batch.Sent,
			s.Batch.Dropped,
			formatDuration(now.Sub(s.CreatedAt)),
		})
	}

	configs := make([]table.ColumnConfig, 0, 5)
	for _, n := range []int{6, 7, 8, 9, 10} {
		configs = append(configs, table.ColumnConfig{Number: n, Align: text.AlignRight, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
