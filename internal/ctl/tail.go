package ctl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/large-farva/logcat-relay/internal/history"
	"github.com/large-farva/logcat-relay/internal/logging"
	"github.com/large-farva/logcat-relay/internal/logstream"
)

// TailOptions configures the tail command.
type TailOptions struct {
	URL            string // multiplex endpoint
	UDID           string
	Filter         string // producer-side filter sent with every start
	Level          history.Level
	Grep           string
	Capacity       int
	ReconnectDelay time.Duration
	Logger         *log.Logger
	// Interactive reads slash commands from stdin.
	Interactive bool
}

// Tail streams a device's log into a local history buffer and prints the
// visible entries as they arrive until interrupted or /quit.
func Tail(opts TailOptions) error {
	if opts.UDID == "" {
		return errors.New("a device udid is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	client := logstream.New(logstream.Options{
		Dialer:         logstream.TunnelDialer{URL: opts.URL, Logger: opts.Logger},
		UDID:           opts.UDID,
		Filter:         opts.Filter,
		ReconnectDelay: opts.ReconnectDelay,
		Logger:         opts.Logger,
	})
	defer client.Close()

	v := newViewer(client, os.Stdout, opts, colorEnabled())
	v.status("connecting to %s for %s", opts.URL, opts.UDID)

	var cmds <-chan string
	if opts.Interactive {
		cmds = readCommands(os.Stdin)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	client.Connect()
	for {
		select {
		case ev := <-client.Events():
			v.handleEvent(ev)
		case line, ok := <-cmds:
			if !ok {
				cmds = nil
				continue
			}
			if v.command(line) {
				return nil
			}
		case <-sig:
			return nil
		}
	}
}

// readCommands delivers stdin lines until EOF.
func readCommands(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// streamControl is the part of the log stream client the viewer drives.
type streamControl interface {
	SetFilter(pattern string) error
	Clear() error
}

type tailStyles struct {
	status lipgloss.Style
	ts     lipgloss.Style
	tag    lipgloss.Style
	levels [history.LevelSilent + 1]lipgloss.Style
}

func colorStyles() tailStyles {
	s := tailStyles{
		status: lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).Italic(true),
		ts:     lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),
		tag:    lipgloss.NewStyle().Foreground(lipgloss.Color("#6495ED")),
	}
	s.levels[history.LevelVerbose] = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	s.levels[history.LevelDebug] = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	s.levels[history.LevelInfo] = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	s.levels[history.LevelWarn] = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	s.levels[history.LevelError] = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	s.levels[history.LevelFatal] = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("1")).Bold(true)
	s.levels[history.LevelSilent] = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	return s
}

// viewer owns the history buffer. It is driven from a single goroutine.
type viewer struct {
	ctl    streamControl
	out    io.Writer
	buf    *history.Buffer
	styles tailStyles
}

func newViewer(ctl streamControl, out io.Writer, opts TailOptions, color bool) *viewer {
	v := &viewer{
		ctl: ctl,
		out: out,
		buf: history.New(opts.Capacity),
	}
	if color {
		v.styles = colorStyles()
	}
	v.buf.SetFilter(opts.Level, opts.Grep)
	return v
}

func (v *viewer) handleEvent(ev logstream.Event) {
	switch ev.Kind {
	case logstream.EventConnected:
		v.status("connected")
	case logstream.EventDisconnected:
		if ev.Err != nil {
			v.status("disconnected: %v", ev.Err)
		} else {
			v.status("disconnected")
		}
	case logstream.EventLines:
		for _, e := range v.buf.Append(ev.Lines).Added {
			v.print(e)
		}
	case logstream.EventCleared:
		v.buf.Reset()
		v.status("device log cleared")
	}
}

// command runs one interactive input line and reports whether to quit.
func (v *viewer) command(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/q":
		return true

	case "/filter":
		err := v.ctl.SetFilter(arg)
		switch {
		case errors.Is(err, logstream.ErrNotConnected):
			v.status("not connected; filter %q dropped", arg)
		case err != nil:
			v.status("filter failed: %v", err)
		case arg == "":
			v.status("producer filter cleared")
		default:
			v.status("producer filter set to %q", arg)
		}

	case "/grep":
		v.buf.SetText(arg)
		v.dump()

	case "/level":
		l, err := history.ParseLevel(arg)
		if err != nil {
			v.status("%v", err)
			return false
		}
		v.buf.SetMinLevel(l)
		v.dump()

	case "/clear":
		v.buf.Reset()
		if err := v.ctl.Clear(); err != nil {
			v.status("local history cleared; device clear failed: %v", err)
		} else {
			v.status("local history cleared")
		}

	case "/dump":
		v.dump()

	case "/help":
		v.status("commands: /filter <expr>, /grep <text>, /level <V|D|I|W|E|F|S>, /clear, /dump, /quit")

	default:
		v.status("unknown command %q (try /help)", name)
	}
	return false
}

// dump reprints the whole visible view with a summary line.
func (v *viewer) dump() {
	for _, e := range v.buf.View() {
		v.print(e)
	}
	grep := v.buf.Text()
	if grep == "" {
		grep = "*"
	}
	v.status("%d of %d entries shown (level >= %s, text %q)", v.buf.VisibleLen(), v.buf.Len(), v.buf.MinLevel(), grep)
}

func (v *viewer) print(e history.LogEntry) {
	fmt.Fprintln(v.out, v.format(e))
}

func (v *viewer) format(e history.LogEntry) string {
	var b strings.Builder
	if e.Timestamp != "" {
		b.WriteString(v.styles.ts.Render(e.Timestamp))
		b.WriteByte(' ')
	}
	b.WriteString(v.styles.levels[e.Level].Render(e.Level.String()))
	if e.Tag != "" {
		b.WriteByte(' ')
		b.WriteString(v.styles.tag.Render(e.Tag))
		if e.PID != "" {
			b.WriteString("(" + e.PID + ")")
		}
		b.WriteByte(':')
	}
	b.WriteByte(' ')
	b.WriteString(e.Message)
	return b.String()
}

func (v *viewer) status(format string, args ...any) {
	fmt.Fprintln(v.out, v.styles.status.Render("-- "+fmt.Sprintf(format, args...)))
}
