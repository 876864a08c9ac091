// Package logstream is the viewer side of a logcat channel. A Client keeps
// one channel open to the daemon, asks it to stream a device, surfaces the
// received batches as typed events and reconnects after any transport loss
// until told to disconnect.
package logstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/large-farva/logcat-relay/internal/protocol"
	"github.com/large-farva/logcat-relay/internal/tunnel"
)

// ErrNotConnected is returned by operations that need an open channel.
var ErrNotConnected = errors.New("logstream: not connected")

const (
	DefaultReconnectDelay = 3000 * time.Millisecond
	DefaultDialTimeout    = 10 * time.Second
	eventBuffer           = 256
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectScheduled
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	}
	return "unknown"
}

// EventKind discriminates Event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventLines
	EventCleared
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventLines:
		return "lines"
	case EventCleared:
		return "cleared"
	}
	return "unknown"
}

// Event is delivered on the channel returned by Events. Lines is set for
// EventLines; Err may be set for EventDisconnected.
type Event struct {
	Kind  EventKind
	Lines []string
	Err   error
}

// Dialer opens a logcat channel with the channel header already written.
type Dialer interface {
	Dial(ctx context.Context) (tunnel.FrameConn, error)
}

// Options configures a Client.
type Options struct {
	Dialer         Dialer
	UDID           string
	Filter         string // sent with every start; SetFilter lasts one channel
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	Logger         *log.Logger
}

// Client is safe for concurrent use. Events must be drained by the caller.
type Client struct {
	dialer      Dialer
	udid        string
	filter      string
	delay       time.Duration
	dialTimeout time.Duration
	log         *log.Logger

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	state     State
	conn      tunnel.FrameConn
	epoch     uint64
	broken    error
	reconnect *time.Timer
	attempts  int
}

// New creates a disconnected client.
func New(opts Options) *Client {
	c := &Client{
		dialer:      opts.Dialer,
		udid:        opts.UDID,
		filter:      opts.Filter,
		delay:       opts.ReconnectDelay,
		dialTimeout: opts.DialTimeout,
		log:         opts.Logger,
		events:      make(chan Event, eventBuffer),
		done:        make(chan struct{}),
	}
	if c.delay <= 0 {
		c.delay = DefaultReconnectDelay
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = DefaultDialTimeout
	}
	if c.log == nil {
		c.log = log.Default()
	}
	return c
}

// Events returns the event stream.
func (c *Client) Events() <-chan Event { return c.events }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of dials started so far.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect starts connecting in the background. It does nothing while a
// connection is open or being opened.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.stopReconnectLocked()
	c.state = StateConnecting
	c.epoch++
	c.attempts++
	epoch := c.epoch
	c.mu.Unlock()

	go c.dial(epoch)
}

// Disconnect cancels any pending reconnect, tells the daemon to stop, and
// closes the channel. It is idempotent. A handshake in flight completes and
// is then stopped and closed.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.epoch++
	c.stopReconnectLocked()
	conn := c.conn
	c.conn = nil
	c.broken = nil
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		if err := c.write(conn, protocol.Stop()); err != nil {
			c.log.Printf("logstream: send stop: %v", err)
		}
		_ = conn.Close()
	}
	if wasConnected {
		c.emit(Event{Kind: EventDisconnected})
	}
}

// Close disconnects and releases any goroutine blocked on Events. It is
// safe to call from the goroutine that drains Events.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.Disconnect()
}

// SetFilter asks the daemon to restart the stream with pattern. Nothing is
// sent or queued while disconnected.
func (c *Client) SetFilter(pattern string) error {
	return c.request(protocol.Filter(pattern))
}

// Clear asks the daemon to clear the device log buffer.
func (c *Client) Clear() error {
	return c.request(protocol.Clear())
}

func (c *Client) request(m protocol.Message) error {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn, epoch := c.conn, c.epoch
	c.mu.Unlock()

	if err := c.write(conn, m); err != nil {
		// The read loop reports the loss once the close lands, so a caller
		// that also drains Events never blocks here.
		c.mu.Lock()
		if epoch == c.epoch && c.conn == conn {
			c.broken = err
		}
		c.mu.Unlock()
		_ = conn.Close()
		return err
	}
	return nil
}

func (c *Client) dial(epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	conn, err := c.dialer.Dial(ctx)
	cancel()
	if err != nil {
		c.log.Printf("logstream: connect: %v", err)
		c.lost(epoch, err)
		return
	}

	if err := c.write(conn, protocol.Start(c.udid, c.filter)); err != nil {
		_ = conn.Close()
		c.lost(epoch, err)
		return
	}

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		_ = c.write(conn, protocol.Stop())
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	if c.filter != "" {
		c.log.Printf("logstream: connected, streaming %s with filter %q", c.udid, c.filter)
	} else {
		c.log.Printf("logstream: connected, streaming %s", c.udid)
	}
	c.emit(Event{Kind: EventConnected})
	go c.readLoop(epoch, conn)
}

func (c *Client) readLoop(epoch uint64, conn tunnel.FrameConn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			c.lost(epoch, err)
			return
		}
		m, ok, err := protocol.Decode(frame)
		if err != nil {
			c.log.Printf("logstream: dropping malformed frame: %v", err)
			continue
		}
		if !ok {
			continue
		}
		switch m.Kind {
		case protocol.KindLines:
			c.emit(Event{Kind: EventLines, Lines: m.Lines})
		case protocol.KindCleared:
			c.emit(Event{Kind: EventCleared})
		}
	}
}

// lost handles a transport failure of the given epoch. Failures of a
// superseded connection, repeats for one already handled, and anything
// after Disconnect are ignored.
func (c *Client) lost(epoch uint64, cause error) {
	c.mu.Lock()
	if epoch != c.epoch || (c.state != StateConnected && c.state != StateConnecting) {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	if c.broken != nil {
		cause, c.broken = c.broken, nil
	}
	c.state = StateDisconnected
	c.scheduleLocked(epoch)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.emit(Event{Kind: EventDisconnected, Err: cause})
}

func (c *Client) scheduleLocked(epoch uint64) {
	if c.reconnect != nil {
		return
	}
	c.state = StateReconnectScheduled
	c.reconnect = time.AfterFunc(c.delay, func() { c.fireReconnect(epoch) })
}

func (c *Client) fireReconnect(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	c.mu.Unlock()

	c.Connect()
}

func (c *Client) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

func (c *Client) write(conn tunnel.FrameConn, m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if err := conn.WriteFrame(b); err != nil {
		return fmt.Errorf("send %s: %w", m.Kind, err)
	}
	return nil
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}
