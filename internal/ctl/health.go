package ctl

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Health checks daemon liveness via GET /healthz. With detailed set it asks
// for the per-component checks instead of the plain probe.
func Health(baseURL string, detailed, jsonOutput bool) error {
	baseURL = strings.TrimRight(baseURL, "/")

	if detailed {
		return healthDetailed(baseURL, jsonOutput)
	}

	status, _, err := getRaw(baseURL, "/healthz")
	if err != nil {
		if jsonOutput {
			return printJSON(map[string]any{"healthy": false, "url": baseURL, "error": err.Error()})
		}
		return err
	}

	healthy := status == http.StatusOK

	if jsonOutput {
		return printJSON(map[string]any{"healthy": healthy, "url": baseURL})
	}

	fmt.Println()
	if healthy {
		fmt.Printf("  %s  logcatd is reachable at %s\n", colorize(green, "HEALTHY"), colorize(dim, baseURL))
	} else {
		fmt.Printf("  %s  logcatd returned HTTP %d at %s\n", colorize(red, "UNHEALTHY"), status, colorize(dim, baseURL))
	}
	fmt.Println()

	return nil
}

func healthDetailed(baseURL string, jsonOutput bool) error {
	req, err := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 503 still carries the check breakdown.
	var body struct {
		Healthy bool                      `json:"healthy"`
		Checks  map[string]map[string]any `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("HTTP %s: %w", resp.Status, err)
	}

	if jsonOutput {
		return printJSON(body)
	}

	fmt.Println()
	verdict := colorize(green, "HEALTHY")
	if !body.Healthy {
		verdict = colorize(red, "UNHEALTHY")
	}
	fmt.Printf("  %s  %s\n", verdict, colorize(dim, baseURL))
	fmt.Println(rule(38))

	names := make([]string, 0, len(body.Checks))
	for name := range body.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := body.Checks[name]
		mark := colorize(green, "ok  ")
		if ok, _ := check["ok"].(bool); !ok {
			mark = colorize(red, "FAIL")
		}
		detail := ""
		if e, ok := check["error"].(string); ok {
			detail = e
		} else if p, ok := check["path"].(string); ok {
			detail = p
		}
		fmt.Printf("  %s  %s %s\n", mark, padRight(name, 12), colorize(dim, detail))
	}
	fmt.Println()
	return nil
}
