package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/large-farva/logcat-relay/internal/config"
	"github.com/large-farva/logcat-relay/internal/logging"
	"github.com/large-farva/logcat-relay/internal/logstream"
	"github.com/large-farva/logcat-relay/internal/producer"
	"github.com/large-farva/logcat-relay/internal/tunnel"
)

type scriptedProcess struct {
	pid    int
	out    io.Reader
	errR   *io.PipeReader
	errW   *io.PipeWriter
	killed chan struct{}
	once   sync.Once
}

func (p *scriptedProcess) PID() int          { return p.pid }
func (p *scriptedProcess) Stdout() io.Reader { return p.out }
func (p *scriptedProcess) Stderr() io.Reader { return p.errR }
func (p *scriptedProcess) Wait() error       { <-p.killed; return errors.New("signal: killed") }

func (p *scriptedProcess) Kill() error {
	p.once.Do(func() {
		_ = p.errW.Close()
		close(p.killed)
	})
	return nil
}

// scriptedLauncher starts processes that print a fixed script and then stay
// alive until killed.
type scriptedLauncher struct {
	mu     sync.Mutex
	script string
	args   [][]string
}

func (l *scriptedLauncher) Launch(_ string, args []string) (producer.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.args = append(l.args, args)
	p := &scriptedProcess{pid: 4000 + len(l.args), killed: make(chan struct{})}
	p.errR, p.errW = io.Pipe()
	pr, pw := io.Pipe()
	go func() {
		_, _ = io.WriteString(pw, l.script)
		<-p.killed
		_ = pw.Close()
	}()
	p.out = pr
	return p, nil
}

func newTestApp(t *testing.T, launcher producer.Launcher) (*App, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Batch.FlushIntervalMS = 5
	a := New(Options{Logger: logging.Discard(), Cfg: cfg, Launcher: launcher})
	srv := httptest.NewServer(a.routes())
	t.Cleanup(func() {
		a.cancel()
		a.sessions.CloseAll()
		a.router.Close()
		srv.Close()
	})
	return a, srv
}

func getJSON(t *testing.T, url string, dst any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestHealthz(t *testing.T) {
	_, srv := newTestApp(t, &scriptedLauncher{})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok\n" {
		t.Errorf("healthz = %d %q", resp.StatusCode, body)
	}
}

func TestStatusAndVersion(t *testing.T) {
	_, srv := newTestApp(t, &scriptedLauncher{})

	var status map[string]any
	getJSON(t, srv.URL+"/api/status", &status)
	if status["name"] != "logcat-relay" || status["state"] != StateBooting {
		t.Errorf("status = %v", status)
	}

	var version map[string]any
	getJSON(t, srv.URL+"/api/version", &version)
	if version["version"] != Version {
		t.Errorf("version = %v", version)
	}
}

func TestEndToEndStreaming(t *testing.T) {
	launcher := &scriptedLauncher{script: "06-15 10:23:01.123 I/Boot( 12): hello\n06-15 10:23:01.124 E/Boot( 12): oops\n"}
	a, srv := newTestApp(t, launcher)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + tunnel.MultiplexPath
	c := logstream.New(logstream.Options{
		Dialer: logstream.TunnelDialer{URL: url, Logger: logging.Discard()},
		UDID:   "emulator-5554",
		Logger: logging.Discard(),
	})
	defer c.Close()
	c.Connect()

	var lines []string
	timeout := time.After(5 * time.Second)
	for len(lines) < 2 {
		select {
		case ev := <-c.Events():
			if ev.Kind == logstream.EventLines {
				lines = append(lines, ev.Lines...)
			}
		case <-timeout:
			t.Fatalf("received %d lines", len(lines))
		}
	}
	if lines[1] != "06-15 10:23:01.124 E/Boot( 12): oops" {
		t.Errorf("lines = %q", lines)
	}

	var body struct {
		Sessions []struct {
			ID       string `json:"id"`
			Producer struct {
				State string `json:"state"`
				UDID  string `json:"udid"`
			} `json:"producer"`
			Batch struct {
				Sent uint64 `json:"sent"`
			} `json:"batch"`
		} `json:"sessions"`
	}
	getJSON(t, srv.URL+"/api/sessions", &body)
	if len(body.Sessions) != 1 {
		t.Fatalf("sessions = %+v", body.Sessions)
	}
	s := body.Sessions[0]
	if s.Producer.State != "RUNNING" || s.Producer.UDID != "emulator-5554" || s.Batch.Sent != 2 {
		t.Errorf("session = %+v", s)
	}

	launcher.mu.Lock()
	args := strings.Join(launcher.args[0], " ")
	launcher.mu.Unlock()
	if args != "-s emulator-5554 logcat -v time" {
		t.Errorf("producer args = %q", args)
	}

	c.Disconnect()
	deadline := time.Now().Add(3 * time.Second)
	for a.sessions.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.sessions.Len() != 0 {
		t.Error("session not removed after disconnect")
	}

	var logs struct {
		Logs []logEntry `json:"logs"`
	}
	getJSON(t, srv.URL+"/api/logs?level=info", &logs)
	var opened, started bool
	for _, e := range logs.Logs {
		opened = opened || strings.Contains(e.Message, "opened")
		started = started || strings.Contains(e.Message, "streaming emulator-5554")
	}
	if !opened || !started {
		t.Errorf("log ring = %+v", logs.Logs)
	}
}

func TestDemoModeStreams(t *testing.T) {
	cfg := config.Default()
	cfg.Batch.FlushIntervalMS = 5
	cfg.Producer.Demo = true
	cfg.Producer.DemoIntervalMS = 5
	a := New(Options{Logger: logging.Discard(), Cfg: cfg})
	srv := httptest.NewServer(a.routes())
	defer func() {
		a.sessions.CloseAll()
		a.router.Close()
		srv.Close()
	}()

	c := logstream.New(logstream.Options{
		Dialer: logstream.TunnelDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + tunnel.MultiplexPath},
		UDID:   "demo-device",
		Logger: logging.Discard(),
	})
	defer c.Close()
	c.Connect()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == logstream.EventLines && len(ev.Lines) > 0 {
				if !strings.Contains(ev.Lines[0], "demo-device") {
					t.Errorf("first line = %q", ev.Lines[0])
				}
				return
			}
		case <-timeout:
			t.Fatal("no demo lines received")
		}
	}
}

func TestLogsLimit(t *testing.T) {
	a, srv := newTestApp(t, &scriptedLauncher{})
	for i := 0; i < 10; i++ {
		a.logs.add("info", "test", "entry")
	}
	a.logs.add("error", "test", "last")

	var logs struct {
		Logs []logEntry `json:"logs"`
	}
	getJSON(t, srv.URL+"/api/logs?limit=3", &logs)
	if len(logs.Logs) != 3 || logs.Logs[2].Message != "last" {
		t.Errorf("logs = %+v", logs.Logs)
	}
	getJSON(t, srv.URL+"/api/logs?level=error", &logs)
	if len(logs.Logs) != 1 {
		t.Errorf("logs = %+v", logs.Logs)
	}
}

func TestLogRingBounded(t *testing.T) {
	r := newLogRing(3)
	for _, m := range []string{"a", "b", "c", "d"} {
		r.add("info", "t", m)
	}
	got := r.snapshot()
	if len(got) != 3 || got[0].Message != "b" {
		t.Errorf("ring = %+v", got)
	}
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logcat.toml")
	if err := os.WriteFile(path, []byte("[batch]\nmax_lines = 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	a := New(Options{Logger: logging.Discard(), Cfg: config.Default(), ConfigPath: path})
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/reload", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reload = %s", resp.Status)
	}
	if got := a.getConfig().Batch.MaxLines; got != 7 {
		t.Errorf("max_lines = %d, want 7", got)
	}

	resp, err = http.Get(srv.URL + "/api/reload")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET reload = %s", resp.Status)
	}
}
