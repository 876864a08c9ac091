// Package producer manages the external log-producing process of a session.
//
// A Manager owns at most one streaming process at a time. Each spawn gets a
// new generation number; output and exit notifications from an older
// generation are discarded, so a restarted or stopped process can never
// feed the session after it has been replaced.
package producer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/large-farva/logcat-relay/internal/logging"
)

// ErrClosed is returned by Start and Filter after Close.
var ErrClosed = errors.New("producer: manager closed")

// State is the lifecycle state of the streaming process.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	}
	return "UNKNOWN"
}

// Options configures a Manager. Callbacks may be nil.
type Options struct {
	Launcher   Launcher
	Path       string
	StreamArgs []string
	ClearArgs  []string
	Logger     *log.Logger

	// OnSpawn runs under the manager lock after the previous generation has
	// been fenced off and before the new process is launched.
	OnSpawn func()
	// OnOutput receives each stdout line of the current process.
	OnOutput func(line string)
	// OnExit reports a spontaneous exit of the current process.
	OnExit func(pid int, err error)
	// OnError reports a spawn failure.
	OnError func(err error)
	// OnCleared runs when a clear process terminates, whatever its status.
	OnCleared func()
}

// Status is a point-in-time view of the manager.
type Status struct {
	State      string    `json:"state"`
	UDID       string    `json:"udid,omitempty"`
	Filter     string    `json:"filter,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Generation uint64    `json:"generation"`
	Spawns     int       `json:"spawns"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// Manager is safe for concurrent use.
type Manager struct {
	opts Options
	log  *log.Logger

	mu        sync.Mutex
	state     State
	gen       uint64
	proc      Process
	udid      string
	filter    string
	draining  int
	spawns    int
	startedAt time.Time
	closed    bool
}

// New creates an idle manager. A nil Launcher selects ExecLauncher.
func New(opts Options) *Manager {
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Manager{opts: opts, log: opts.Logger}
}

// StreamArgs builds the producer command line for udid and filter.
func StreamArgs(streamArgs []string, udid, filter string) []string {
	args := append([]string{"-s", udid}, streamArgs...)
	if filter != "" {
		args = append(args, filter)
	}
	return args
}

// Start stops any running process and spawns a new one for udid. A spawn
// failure leaves the manager without a process and is returned for logging.
func (m *Manager) Start(udid, filter string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.stopLocked()
	m.udid = udid
	m.filter = filter
	m.gen++
	gen := m.gen
	if m.opts.OnSpawn != nil {
		m.opts.OnSpawn()
	}

	args := StreamArgs(m.opts.StreamArgs, udid, filter)
	proc, err := m.opts.Launcher.Launch(m.opts.Path, args)
	if err != nil {
		m.settleLocked()
		m.mu.Unlock()
		m.log.Printf("producer: spawn %s for %s failed: %v", m.opts.Path, logging.SanitizeForLog(udid), err)
		if m.opts.OnError != nil {
			m.opts.OnError(err)
		}
		return fmt.Errorf("spawn producer: %w", err)
	}

	m.proc = proc
	m.state = StateRunning
	m.spawns++
	m.startedAt = time.Now()
	m.mu.Unlock()

	m.log.Printf("producer: started pid %d for %s (filter %q)", proc.PID(), logging.SanitizeForLog(udid), logging.SanitizeForLog(filter))
	go m.supervise(gen, proc)
	return nil
}

// Stop kills the running process, if any. It does not wait for the process
// to exit. Stop is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// Filter restarts the stream for the current device with a new filter. It
// is ignored until a device has been selected by Start.
func (m *Manager) Filter(filter string) error {
	m.mu.Lock()
	udid := m.udid
	m.mu.Unlock()
	if udid == "" {
		m.log.Printf("producer: filter ignored, no device selected")
		return nil
	}
	return m.Start(udid, filter)
}

// Clear runs the clear command for udid (or the current device when udid
// is empty) independently of the streaming process.
func (m *Manager) Clear(udid string) error {
	m.mu.Lock()
	if udid == "" {
		udid = m.udid
	}
	m.mu.Unlock()
	if udid == "" {
		m.log.Printf("producer: clear ignored, no device selected")
		return nil
	}

	args := append([]string{"-s", udid}, m.opts.ClearArgs...)
	proc, err := m.opts.Launcher.Launch(m.opts.Path, args)
	if err != nil {
		m.log.Printf("producer: clear for %s failed: %v", logging.SanitizeForLog(udid), err)
		return fmt.Errorf("spawn clear: %w", err)
	}

	go func() {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = io.Copy(io.Discard, proc.Stdout()) }()
		go func() { defer wg.Done(); _, _ = io.Copy(io.Discard, proc.Stderr()) }()
		wg.Wait()
		err := proc.Wait()
		if err != nil {
			m.log.Printf("producer: clear for %s exited with code %d", logging.SanitizeForLog(udid), ExitCode(err))
		}
		if m.opts.OnCleared != nil {
			m.opts.OnCleared()
		}
	}()
	return nil
}

// Close stops the process and rejects further starts.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopLocked()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot for reporting.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:      m.state.String(),
		UDID:       m.udid,
		Filter:     m.filter,
		Generation: m.gen,
		Spawns:     m.spawns,
	}
	if m.proc != nil {
		st.PID = m.proc.PID()
		st.StartedAt = m.startedAt
	}
	return st
}

func (m *Manager) stopLocked() {
	if m.proc == nil {
		return
	}
	pid := m.proc.PID()
	if err := m.proc.Kill(); err != nil {
		m.log.Printf("producer: kill pid %d: %v", pid, err)
	}
	m.proc = nil
	m.gen++
	m.draining++
	m.state = StateStopping
}

// settleLocked picks the resting state once no current process exists.
func (m *Manager) settleLocked() {
	if m.draining > 0 {
		m.state = StateStopping
		return
	}
	m.state = StateIdle
}

func (m *Manager) supervise(gen uint64, proc Process) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(proc.Stdout(), func(line string) { m.output(gen, line) })
	}()
	go func() {
		defer wg.Done()
		scanLines(proc.Stderr(), func(line string) {
			m.log.Printf("producer: pid %d stderr: %s", proc.PID(), logging.SanitizeForLog(line))
		})
	}()
	wg.Wait()
	m.exited(gen, proc, proc.Wait())
}

func (m *Manager) output(gen uint64, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.opts.OnOutput == nil {
		return
	}
	m.opts.OnOutput(line)
}

func (m *Manager) exited(gen uint64, proc Process, err error) {
	m.mu.Lock()
	spontaneous := gen == m.gen && m.proc == proc
	if spontaneous {
		m.proc = nil
	} else {
		m.draining--
	}
	if m.proc == nil {
		m.settleLocked()
	}
	m.mu.Unlock()

	if !spontaneous {
		return
	}
	m.log.Printf("producer: pid %d exited with code %d", proc.PID(), ExitCode(err))
	if m.opts.OnExit != nil {
		m.opts.OnExit(proc.PID(), err)
	}
}

func scanLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Text())
	}
	// Drain whatever is left after an over-long line so the process does
	// not block on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}
