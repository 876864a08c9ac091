// Package session serves one logcat channel: it decodes control messages
// from the viewer, drives a producer manager, and ships the producer's
// output back through a batcher.
package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/large-farva/logcat-relay/internal/batcher"
	"github.com/large-farva/logcat-relay/internal/config"
	"github.com/large-farva/logcat-relay/internal/logging"
	"github.com/large-farva/logcat-relay/internal/producer"
	"github.com/large-farva/logcat-relay/internal/protocol"
	"github.com/large-farva/logcat-relay/internal/telemetry"
	"github.com/large-farva/logcat-relay/internal/tunnel"
)

// Options configures a Session.
type Options struct {
	Conn     tunnel.FrameConn
	Remote   string
	Producer config.ProducerConfig
	Batch    config.BatchConfig
	Launcher producer.Launcher
	Logger   *log.Logger
	Debug    bool
	// Publish receives lifecycle events. May be nil.
	Publish func(ev any)
}

// Info is a snapshot of a session for reporting.
type Info struct {
	ID        string          `json:"id"`
	Remote    string          `json:"remote"`
	CreatedAt time.Time       `json:"created_at"`
	Producer  producer.Status `json:"producer"`
	Batch     batcher.Stats   `json:"batch"`
	Frames    uint64          `json:"frames_in"`
}

// Session is one viewer connection.
type Session struct {
	id        string
	remote    string
	createdAt time.Time
	conn      tunnel.FrameConn
	log       *log.Logger
	debug     bool
	publish   func(ev any)

	mgr   *producer.Manager
	batch *batcher.Batcher

	frames    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a session. Call Serve to start processing frames.
func New(opts Options) *Session {
	s := &Session{
		id:        uuid.NewString(),
		remote:    opts.Remote,
		createdAt: time.Now(),
		conn:      opts.Conn,
		log:       opts.Logger,
		debug:     opts.Debug,
		publish:   opts.Publish,
	}
	if s.log == nil {
		s.log = log.Default()
	}
	if s.publish == nil {
		s.publish = func(any) {}
	}

	s.batch = batcher.New(batcher.Options{
		Sink:     sink{s},
		Interval: opts.Batch.FlushInterval(),
		MaxLines: opts.Batch.MaxLines,
		Logger:   s.log,
		Debug:    opts.Debug,
	})
	s.mgr = producer.New(producer.Options{
		Launcher:   opts.Launcher,
		Path:       opts.Producer.Path,
		StreamArgs: opts.Producer.StreamArgs,
		ClearArgs:  opts.Producer.ClearArgs,
		Logger:     s.log,
		OnSpawn:    s.batch.Reset,
		OnOutput:   s.batch.Add,
		OnExit:     s.producerExited,
		OnError:    s.producerFailed,
		OnCleared:  s.cleared,
	})
	return s
}

func (s *Session) ID() string { return s.id }

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	return Info{
		ID:        s.id,
		Remote:    s.remote,
		CreatedAt: s.createdAt,
		Producer:  s.mgr.Status(),
		Batch:     s.batch.Stats(),
		Frames:    s.frames.Load(),
	}
}

// Serve reads control frames until the channel closes or ctx is done, then
// tears the session down.
func (s *Session) Serve(ctx context.Context) error {
	defer s.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	s.publish(telemetry.NewSessionEvent(telemetry.EventSessionOpened, s.id, s.remote))
	s.log.Printf("session %s: opened from %s", s.id, s.remote)

	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || s.closed.Load() {
				return nil
			}
			return err
		}
		s.frames.Add(1)

		m, ok, err := protocol.Decode(frame)
		if err != nil {
			s.log.Printf("session %s: dropping malformed frame: %v", s.id, err)
			continue
		}
		if !ok {
			continue
		}
		s.handle(m)
	}
}

func (s *Session) handle(m protocol.Message) {
	switch m.Kind {
	case protocol.KindStart:
		if m.UDID == "" {
			s.log.Printf("session %s: start without device ignored", s.id)
			return
		}
		if err := s.mgr.Start(m.UDID, m.FilterValue()); err == nil {
			s.producerStarted()
		}
	case protocol.KindStop:
		s.mgr.Stop()
		s.log.Printf("session %s: producer stopped", s.id)
	case protocol.KindClear:
		if err := s.mgr.Clear(""); err != nil {
			s.log.Printf("session %s: clear failed: %v", s.id, err)
			s.producerFailed(err)
		}
	case protocol.KindFilter:
		if m.Filter == nil {
			return
		}
		if s.mgr.Status().UDID == "" {
			s.log.Printf("session %s: filter ignored, no device selected", s.id)
			return
		}
		if err := s.mgr.Filter(*m.Filter); err == nil {
			s.producerStarted()
		}
	default:
		if s.debug {
			s.log.Printf("session %s: ignoring %s from viewer", s.id, m.Kind)
		}
	}
}

// Close stops the producer, discards pending output and closes the
// channel. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.mgr.Close()
		s.batch.Close()
		_ = s.conn.Close()
		st := s.batch.Stats()
		s.log.Printf("session %s: closed (%d lines sent, %d dropped)", s.id, st.Sent, st.Dropped)
		s.publish(telemetry.NewSessionEvent(telemetry.EventSessionClosed, s.id, s.remote))
	})
}

func (s *Session) send(m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return s.conn.WriteFrame(b)
}

func (s *Session) producerStarted() {
	st := s.mgr.Status()
	ev := telemetry.NewProducerEvent(telemetry.EventProducerStarted, s.id, st.UDID)
	ev.Filter = logging.SanitizeForLog(st.Filter)
	ev.PID = st.PID
	s.publish(ev)
}

func (s *Session) producerExited(pid int, err error) {
	ev := telemetry.NewProducerEvent(telemetry.EventProducerExited, s.id, s.mgr.Status().UDID)
	ev.PID = pid
	ev.ExitCode = producer.ExitCode(err)
	s.publish(ev)
}

func (s *Session) producerFailed(err error) {
	ev := telemetry.NewProducerEvent(telemetry.EventProducerError, s.id, s.mgr.Status().UDID)
	ev.Error = err.Error()
	s.publish(ev)
}

func (s *Session) cleared() {
	if s.closed.Load() {
		return
	}
	if err := s.send(protocol.Cleared()); err != nil {
		s.log.Printf("session %s: send cleared: %v", s.id, err)
		return
	}
	s.publish(telemetry.NewProducerEvent(telemetry.EventDeviceCleared, s.id, s.mgr.Status().UDID))
}

// sink adapts the session's channel to the batcher.
type sink struct{ s *Session }

func (k sink) Open() bool { return !k.s.closed.Load() }

func (k sink) Send(lines []string) error {
	return k.s.send(protocol.Lines(lines))
}
