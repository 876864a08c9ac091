// Package demo simulates a device log producer so the daemon, CLI and tail
// viewer can be exercised end-to-end without adb or a device attached. The
// simulated stream cycles through plausible Android tags and messages in the
// "-v time" layout the real producer emits.
package demo

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/large-farva/logcat-relay/internal/producer"
)

// ErrKilled is what Wait reports for a stream stopped by Kill.
var ErrKilled = errors.New("demo: killed")

type line struct {
	level, tag, msg string
}

// catalog is the pool the simulated stream draws from. Levels are weighted
// by repetition.
var catalog = []line{
	{"V", "Choreographer", "Skipped %d frames!  The application may be doing too much work on its main thread."},
	{"D", "ConnectivityService", "requestNetwork for uid/pid:%d/1234 activeRequest: null"},
	{"D", "WifiStateMachine", "RSSI changed to -%d dBm"},
	{"D", "SurfaceFlinger", "duplicate layer name: changing %d to com.example.app"},
	{"I", "ActivityManager", "Start proc %d:com.example.app/u0a123 for activity"},
	{"I", "ActivityManager", "Displayed com.example.app/.MainActivity: +%dms"},
	{"I", "CameraService", "CameraService::connect call (PID %d \"com.example.camera\", camera ID 0)"},
	{"I", "chatty", "uid=1000(system) Binder:%d expire 3 lines"},
	{"W", "BatteryStats", "Reading cpu stats took %dms"},
	{"W", "InputDispatcher", "channel '%d com.example.app' ~ Consumer closed input channel"},
	{"E", "AndroidRuntime", "FATAL EXCEPTION: main Process: com.example.app, PID: %d"},
	{"E", "CameraService", "camera open failed with status -%d"},
	{"F", "libc", "Fatal signal 11 (SIGSEGV), code 1, fault addr 0x%x in tid 4321"},
}

// Launcher starts simulated producers. Stream invocations emit a burst of
// lines every Interval until killed; invocations carrying clearFlag exit
// immediately, as "logcat -c" does.
type Launcher struct {
	Interval time.Duration

	nextPID atomic.Int64
}

const clearFlag = "-c"

// NewLauncher returns a Launcher emitting a burst per interval.
func NewLauncher(interval time.Duration) *Launcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	l := &Launcher{Interval: interval}
	l.nextPID.Store(20000)
	return l
}

// Launch implements producer.Launcher. args follow the producer layout
// "-s <udid> <args...>".
func (l *Launcher) Launch(_ string, args []string) (producer.Process, error) {
	if len(args) < 2 || args[0] != "-s" {
		return nil, fmt.Errorf("demo: expected -s <udid>, got %q", strings.Join(args, " "))
	}
	udid := args[1]
	pid := int(l.nextPID.Add(1))

	p := &process{pid: pid, done: make(chan struct{})}
	if slices.Contains(args[2:], clearFlag) {
		p.stdout = strings.NewReader("")
		p.stderr = strings.NewReader("")
		close(p.done)
		return p, nil
	}

	pr, pw := io.Pipe()
	p.stdout = pr
	p.stderr = strings.NewReader("")
	p.pw = pw
	p.killErr = ErrKilled
	go p.emit(l.Interval, udid, args[2:])
	return p, nil
}

type process struct {
	pid     int
	stdout  io.Reader
	stderr  io.Reader
	pw      *io.PipeWriter
	done    chan struct{}
	once    sync.Once
	killErr error
}

func (p *process) PID() int          { return p.pid }
func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Stderr() io.Reader { return p.stderr }

func (p *process) Kill() error {
	p.once.Do(func() {
		if p.pw != nil {
			_ = p.pw.Close()
		}
		select {
		case <-p.done:
		default:
			close(p.done)
		}
	})
	return nil
}

func (p *process) Wait() error {
	<-p.done
	return p.killErr
}

func (p *process) emit(interval time.Duration, udid string, args []string) {
	header := fmt.Sprintf("--------- beginning of main (%s, demo pid %d)\n", udid, p.pid)
	if len(args) > 0 {
		header += stamp(time.Now()) + fmt.Sprintf(" I/demo(%5d): args: %s\n", p.pid, strings.Join(args, " "))
	}
	if _, err := io.WriteString(p.pw, header); err != nil {
		return
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case now := <-t.C:
			if _, err := io.WriteString(p.pw, burst(now, rand.IntN(5)+1)); err != nil {
				return
			}
		}
	}
}

// burst renders n random catalog lines stamped with now.
func burst(now time.Time, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		c := catalog[rand.IntN(len(catalog))]
		pid := 1000 + rand.IntN(9000)
		fmt.Fprintf(&b, "%s %s/%s(%5d): %s\n", stamp(now), c.level, c.tag, pid, fmt.Sprintf(c.msg, rand.IntN(500)+1))
	}
	return b.String()
}

func stamp(t time.Time) string {
	return t.Format("01-02 15:04:05.000")
}
