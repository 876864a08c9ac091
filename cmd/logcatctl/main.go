// Logcatctl is the command-line viewer and control client for logcatd. It
// tails a device's log over the multiplexed logcat channel and queries the
// daemon's status and event feed over HTTP and WebSocket.
package main

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"

	"github.com/large-farva/logcat-relay/internal/config"
	"github.com/large-farva/logcat-relay/internal/ctl"
	"github.com/large-farva/logcat-relay/internal/history"
	"github.com/large-farva/logcat-relay/internal/tunnel"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", config.DefaultPath, "Path to config TOML ([viewer] section)")
		host       = pflag.StringP("host", "H", "", "Daemon base URL (default: built from [viewer] host, port, path, secure)")
		jsonOut    = pflag.Bool("json", false, "Output raw JSON instead of formatted text")
		filter     = pflag.StringSlice("filter", nil, "Event types to show in watch (e.g. --filter state,log)")
	)

	// Stop parsing global flags at the first non-flag argument (the command
	// name), so subcommand-specific flags like --level are not rejected.
	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()

	if pflag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	load := config.LoadOrDefault
	if pflag.CommandLine.Changed("config") {
		load = config.Load
	}
	cfg, err := load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: config:", err)
		os.Exit(1)
	}

	baseURL := *host
	if baseURL == "" {
		baseURL = httpURL(cfg.Viewer)
	}
	muxURL, err := multiplexURL(baseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	cmd := pflag.Arg(0)
	subArgs := pflag.Args()[1:]

	switch cmd {
	// ── Query commands ────────────────────────────────────────────
	case "status":
		err = ctl.Status(baseURL, *jsonOut)

	case "health":
		healthFlags := pflag.NewFlagSet("health", pflag.ContinueOnError)
		detailed := healthFlags.Bool("detailed", false, "Show per-component checks")
		if err = healthFlags.Parse(subArgs); err == nil {
			err = ctl.Health(baseURL, *detailed, *jsonOut)
		}

	case "version":
		err = ctl.VersionInfo(baseURL, *jsonOut)

	case "config":
		err = ctl.Config(baseURL, *jsonOut)

	case "sessions":
		err = ctl.Sessions(baseURL, *jsonOut)

	case "logs":
		opts := ctl.LogsOptions{JSON: *jsonOut}
		logFlags := pflag.NewFlagSet("logs", pflag.ContinueOnError)
		logFlags.StringVar(&opts.Level, "level", "", "Filter by log level (info, warn, error)")
		logFlags.IntVar(&opts.Limit, "limit", 0, "Limit number of log entries shown")
		logFlags.BoolVar(&opts.Tail, "tail", false, "Stream live log events (like watch --filter log)")
		if err = logFlags.Parse(subArgs); err == nil {
			err = ctl.Logs(baseURL, opts)
		}

	case "ping":
		opts := ctl.PingOptions{JSON: *jsonOut}
		pingFlags := pflag.NewFlagSet("ping", pflag.ContinueOnError)
		pingFlags.IntVarP(&opts.Count, "count", "n", 1, "Number of round trips")
		pingFlags.DurationVar(&opts.Timeout, "timeout", 5*time.Second, "Per round-trip timeout")
		if err = pingFlags.Parse(subArgs); err == nil {
			err = ctl.Ping(muxURL, opts)
		}

	// ── Control commands ──────────────────────────────────────────
	case "reload":
		err = ctl.Reload(baseURL, *jsonOut)

	// ── Live streaming ────────────────────────────────────────────
	case "watch":
		err = ctl.Watch(baseURL, ctl.WatchOptions{
			Filter: *filter,
			JSON:   *jsonOut,
		})

	case "tail":
		err = runTail(cfg.Viewer, muxURL, subArgs)

	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runTail(v config.ViewerConfig, muxURL string, args []string) error {
	opts := ctl.TailOptions{
		URL:            muxURL,
		Capacity:       v.HistoryCapacity,
		ReconnectDelay: v.ReconnectDelay(),
	}
	var level string
	var noInput bool
	tailFlags := pflag.NewFlagSet("tail", pflag.ContinueOnError)
	tailFlags.StringVar(&opts.Filter, "filter", "", "Producer filter expression (e.g. 'ActivityManager:I *:S')")
	tailFlags.StringVar(&level, "level", "V", "Minimum level shown (V, D, I, W, E, F, S)")
	tailFlags.StringVar(&opts.Grep, "grep", "", "Only show entries whose tag or message contains TEXT")
	tailFlags.IntVar(&opts.Capacity, "capacity", v.HistoryCapacity, "History entries kept for /grep and /level")
	tailFlags.BoolVar(&noInput, "no-input", false, "Do not read /commands from stdin")
	if err := tailFlags.Parse(args); err != nil {
		return err
	}
	if tailFlags.NArg() < 1 {
		return errors.New("usage: logcatctl tail [flags] <udid>")
	}
	opts.UDID = tailFlags.Arg(0)

	l, err := history.ParseLevel(level)
	if err != nil {
		return err
	}
	opts.Level = l
	opts.Interactive = !noInput && isatty.IsTerminal(os.Stdin.Fd())

	return ctl.Tail(opts)
}

// httpURL builds the daemon's HTTP base URL from the viewer settings.
func httpURL(v config.ViewerConfig) string {
	scheme := "http"
	if v.Secure {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(v.Host, strconv.Itoa(v.Port)), Path: "/"}
	return strings.TrimRight(u.JoinPath(v.Path).String(), "/")
}

// multiplexURL maps an HTTP base URL onto the daemon's multiplex endpoint.
func multiplexURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	secure := false
	switch u.Scheme {
	case "http":
	case "https":
		secure = true
	default:
		return "", fmt.Errorf("unsupported scheme %q in %s", u.Scheme, base)
	}
	port := 80
	if secure {
		port = 443
	}
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return "", fmt.Errorf("bad port in %s: %w", base, err)
		}
	}
	return tunnel.URL(u.Hostname(), port, u.Path, secure), nil
}

func usage() {
	fmt.Print(`
  logcatctl: logcat relay viewer and control CLI

  USAGE
    logcatctl [flags] <command> [command-flags]

  COMMANDS (query)
    status          Show daemon state, uptime, and session count
    health          Check daemon and component health
    version         Show CLI and daemon version information
    config          Show the daemon's running configuration
    sessions        List viewer sessions and their producers
    logs            Show recent daemon log messages
    ping            Round-trip the tunnel's ping channel

  COMMANDS (control)
    reload          Reload configuration from disk (applies to new sessions)

  COMMANDS (live)
    tail UDID       Stream a device's log (Ctrl-C or /quit to stop)
    watch           Stream live daemon events (Ctrl-C to stop)

  GLOBAL FLAGS
    -c, --config PATH   Config file with a [viewer] section (default: /etc/logcat/logcat.toml)
    -H, --host URL      Daemon base URL (default: from [viewer])
        --json          Output raw JSON instead of formatted text
        --filter TYPE   Event types to show in watch (comma-separated)

  COMMAND FLAGS
    health:
        --detailed          Show per-component checks

    logs:
        --level LEVEL       Filter by log level (info, warn, error)
        --limit N           Limit number of log entries shown
        --tail              Stream live log events

    ping:
    -n, --count N           Number of round trips
        --timeout DUR       Per round-trip timeout (default: 5s)

    tail:
        --filter EXPR       Producer filter, e.g. 'ActivityManager:I *:S'
        --level L           Minimum level shown (default: V)
        --grep TEXT         Only show entries containing TEXT
        --capacity N        History size (default: [viewer] history_capacity)
        --no-input          Ignore stdin commands

  TAIL COMMANDS (stdin)
    /filter EXPR    Restart the producer with a new filter
    /grep TEXT      Change the local text filter and reprint
    /level L        Change the minimum level and reprint
    /clear          Clear local history and the device log buffer
    /dump           Reprint the visible history
    /quit           Stop tailing

  EXAMPLES
    logcatctl status
    logcatctl --json sessions
    logcatctl --host http://192.168.8.1:8090 tail emulator-5554
    logcatctl tail --level W --grep camera R58M12345
    logcatctl tail --filter 'ActivityManager:I *:S' emulator-5554
    logcatctl ping -n 5
    logcatctl logs --level error --limit 20
    logcatctl watch --filter session_opened,producer_exited

`)
}
