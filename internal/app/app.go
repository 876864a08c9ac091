// Package app wires together the HTTP server, the WebSocket event hub and the
// multiplexed logcat endpoint. It owns the daemon's lifecycle and the
// registry of live viewer sessions.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gofrs/flock"

	"github.com/large-farva/logcat-relay/internal/config"
	"github.com/large-farva/logcat-relay/internal/demo"
	"github.com/large-farva/logcat-relay/internal/producer"
	"github.com/large-farva/logcat-relay/internal/session"
	"github.com/large-farva/logcat-relay/internal/telemetry"
	"github.com/large-farva/logcat-relay/internal/tunnel"
	"github.com/large-farva/logcat-relay/internal/ws"
)

// Daemon states.
const (
	StateBooting  = "BOOTING"
	StateReady    = "READY"
	StateDraining = "DRAINING"
)

// Options holds everything the App needs from the caller.
type Options struct {
	Logger     *log.Logger
	Cfg        config.Config
	ConfigPath string
	Bind       string
	// Launcher overrides how producer processes are started. Nil means
	// os/exec, or the simulated device when producer.demo is set.
	Launcher producer.Launcher
}

// App is the top-level daemon process.
type App struct {
	log       *log.Logger
	bind      string
	launcher  producer.Launcher
	server    *http.Server
	startedAt time.Time
	state     atomic.Value // current state string

	cfgMu      sync.RWMutex
	cfg        config.Config
	configPath string

	wsHub    *ws.Hub
	router   *tunnel.Router
	sessions *session.Registry
	logs     *logRing

	// ctx scopes session goroutines; cancelled on shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an App in the BOOTING state. Call Run to start serving.
func New(opts Options) *App {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		log:        opts.Logger,
		bind:       opts.Bind,
		launcher:   opts.Launcher,
		startedAt:  time.Now(),
		cfg:        opts.Cfg,
		configPath: opts.ConfigPath,
		wsHub:      ws.NewHub(opts.Logger),
		router:     tunnel.NewRouter(opts.Logger),
		sessions:   session.NewRegistry(),
		logs:       newLogRing(logRingSize),
		ctx:        ctx,
		cancel:     cancel,
	}
	a.state.Store(StateBooting)
	a.router.Handle(tunnel.ChannelLogcat, a.serveLogcat)
	return a
}

// Run takes the instance lock, starts the HTTP server, the WebSocket hub and
// the heartbeat ticker. It blocks until the context is cancelled or the
// server returns an error.
func (a *App) Run(ctx context.Context) error {
	cfg := a.getConfig()
	bind := a.bind
	if bind == "" {
		bind = cfg.Server.Bind
	}

	if cfg.Server.LockFile != "" {
		lock := flock.New(cfg.Server.LockFile)
		ok, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("lock %s: %w", cfg.Server.LockFile, err)
		}
		if !ok {
			return fmt.Errorf("another logcatd holds %s", cfg.Server.LockFile)
		}
		defer func() { _ = lock.Unlock() }()
	}

	a.server = &http.Server{
		Addr:              bind,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}

	a.log.Printf("listening on http://%s (multiplex at /%s)", ln.Addr(), tunnel.MultiplexPath)
	if cfg.Producer.Demo && a.launcher == nil {
		a.logf("info", "logcatd", "demo mode active, sessions stream a simulated device")
	}

	go a.wsHub.Run(ctx)
	go a.heartbeatLoop(ctx)
	a.transition(StateReady)
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Printf("sd_notify ready: %v", err)
	} else if ok {
		a.log.Printf("notified systemd")
	}

	go func() {
		<-ctx.Done()
		a.log.Printf("shutdown requested")
		a.transition(StateDraining)
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		a.cancel()
		a.sessions.CloseAll()
		a.router.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.server.Shutdown(shutdownCtx)
	}()

	err = a.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/version", a.handleVersion)
	mux.HandleFunc("/api/config", a.handleConfig)
	mux.HandleFunc("/api/sessions", a.handleSessions)
	mux.HandleFunc("/api/logs", a.handleLogs)
	mux.HandleFunc("/api/reload", a.handleReload)
	mux.Handle("/ws", a.wsHub.Handler())
	mux.Handle("/"+tunnel.MultiplexPath, a.router.Handler())
	return mux
}

// serveLogcat runs one viewer session on a logcat channel.
func (a *App) serveLogcat(conn net.Conn) {
	cfg := a.getConfig()
	launcher := a.launcher
	if launcher == nil && cfg.Producer.Demo {
		launcher = demo.NewLauncher(cfg.Producer.DemoInterval())
	}
	s := session.New(session.Options{
		Conn:     tunnel.NewLineConn(conn),
		Remote:   conn.RemoteAddr().String(),
		Producer: cfg.Producer,
		Batch:    cfg.Batch,
		Launcher: launcher,
		Logger:   a.log,
		Debug:    cfg.Logging.Level == "debug",
		Publish:  a.publish,
	})
	a.sessions.Add(s)
	defer a.sessions.Remove(s.ID())

	if err := s.Serve(a.ctx); err != nil {
		a.logf("warn", "session", "session %s ended: %v", s.ID(), err)
	}
}

func (a *App) getConfig() config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// transition updates the daemon state and broadcasts the change to all
// connected WebSocket clients.
func (a *App) transition(newState string) {
	old := a.state.Swap(newState).(string)
	if old == newState {
		return
	}
	a.wsHub.BroadcastJSON(telemetry.NewStateTransition(old, newState))
}

// heartbeatLoop sends a periodic heartbeat event so clients can detect
// connectivity and track uptime without polling.
func (a *App) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.wsHub.BroadcastJSON(telemetry.NewHeartbeat(a.state.Load().(string), time.Since(a.startedAt), a.sessions.Len()))
		}
	}
}

// publish forwards a session event to the WebSocket feed and records a
// one-line summary in the log ring.
func (a *App) publish(ev any) {
	a.wsHub.BroadcastJSON(ev)
	if level, component, msg, ok := describe(ev); ok {
		a.logs.add(level, component, msg)
	}
}

// logf writes to the daemon log, the log ring and the WebSocket feed.
func (a *App) logf(level, component, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	a.log.Printf("%s: %s", component, msg)
	a.logs.add(level, component, msg)
	a.wsHub.BroadcastJSON(telemetry.NewLogLine(component, level, msg))
}
