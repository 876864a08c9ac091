package logstream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/large-farva/logcat-relay/internal/logging"
	"github.com/large-farva/logcat-relay/internal/protocol"
	"github.com/large-farva/logcat-relay/internal/tunnel"
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	written    []protocol.Message
	failWrites bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	if c.failWrites {
		return errors.New("broken pipe")
	}
	m, _, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	c.written = append(c.written, m)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) kinds() []protocol.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Kind
	for _, m := range c.written {
		out = append(out, m.Kind)
	}
	return out
}

func (c *fakeConn) push(t *testing.T, m protocol.Message) {
	t.Helper()
	b, err := protocol.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	c.in <- b
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	fail  error
	gate  chan struct{} // when set, Dial waits on it
	conns chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context) (tunnel.FrameConn, error) {
	d.mu.Lock()
	d.dials++
	fail, gate := d.fail, d.gate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail != nil {
		return nil, fail
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) set(fn func(d *fakeDialer)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

func newTestClient(d Dialer, delay time.Duration) *Client {
	return New(Options{
		Dialer:         d,
		UDID:           "emulator-5554",
		ReconnectDelay: delay,
		Logger:         logging.Discard(),
	})
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func expectEvent(t *testing.T, c *Client, kind EventKind) Event {
	t.Helper()
	ev := nextEvent(t, c)
	if ev.Kind != kind {
		t.Fatalf("event = %v, want %v", ev.Kind, kind)
	}
	return ev
}

func expectNoEvent(t *testing.T, c *Client, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %v", ev.Kind)
	case <-time.After(wait):
	}
}

func TestConnectSendsStart(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, time.Hour)
	defer c.Close()

	c.Connect()
	conn := d.next(t)
	expectEvent(t, c, EventConnected)

	if c.State() != StateConnected {
		t.Errorf("state = %v", c.State())
	}
	conn.mu.Lock()
	first := conn.written[0]
	conn.mu.Unlock()
	if first.Kind != protocol.KindStart || first.UDID != "emulator-5554" || first.Filter != nil {
		t.Errorf("handshake = %+v", first)
	}

	c.Connect()
	time.Sleep(10 * time.Millisecond)
	if d.count() != 1 {
		t.Errorf("dials = %d, want 1", d.count())
	}
}

func TestStartCarriesFilterOnEveryConnect(t *testing.T) {
	d := newFakeDialer()
	c := New(Options{
		Dialer:         d,
		UDID:           "emulator-5554",
		Filter:         "ActivityManager:I *:S",
		ReconnectDelay: 20 * time.Millisecond,
		Logger:         logging.Discard(),
	})
	defer c.Close()

	c.Connect()
	first := d.next(t)
	expectEvent(t, c, EventConnected)
	_ = first.Close()
	expectEvent(t, c, EventDisconnected)
	second := d.next(t)
	expectEvent(t, c, EventConnected)

	for i, conn := range []*fakeConn{first, second} {
		conn.mu.Lock()
		written := append([]protocol.Message(nil), conn.written...)
		conn.mu.Unlock()
		if len(written) != 1 {
			t.Fatalf("conn %d frames = %+v, want only start", i, written)
		}
		if m := written[0]; m.Kind != protocol.KindStart || m.FilterValue() != "ActivityManager:I *:S" {
			t.Errorf("conn %d start = %+v", i, m)
		}
	}
}

func TestFailedWriteWithFullEventBuffer(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, 10*time.Millisecond)
	defer c.Close()

	c.Connect()
	conn := d.next(t)
	expectEvent(t, c, EventConnected)

	frame, err := protocol.Encode(protocol.Lines([]string{"x"}))
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for i := 0; i < eventBuffer+5; i++ {
			select {
			case conn.in <- frame:
			case <-conn.closed:
				return
			}
		}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(c.Events()) < eventBuffer {
		if time.Now().After(deadline) {
			t.Fatalf("event buffer holds %d, want %d", len(c.Events()), eventBuffer)
		}
		time.Sleep(time.Millisecond)
	}

	conn.mu.Lock()
	conn.failWrites = true
	conn.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- c.SetFilter("*:E") }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected write error")
		}
	case <-time.After(time.Second):
		t.Fatal("SetFilter blocked on a full event buffer")
	}
	if !conn.isClosed() {
		t.Error("channel left open after failed write")
	}

	var lost Event
	timeout := time.After(2 * time.Second)
	for lost.Kind != EventDisconnected {
		select {
		case lost = <-c.Events():
		case <-timeout:
			t.Fatal("no disconnect after failed write")
		}
	}
	if lost.Err == nil || !strings.Contains(lost.Err.Error(), "broken pipe") {
		t.Errorf("disconnect cause = %v", lost.Err)
	}
	d.next(t)
	expectEvent(t, c, EventConnected)
}

func TestLinesAndClearedInOrder(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, time.Hour)
	defer c.Close()

	c.Connect()
	conn := d.next(t)
	expectEvent(t, c, EventConnected)

	conn.push(t, protocol.Lines([]string{"a", "b"}))
	conn.in <- []byte(`{garbage`)
	conn.in <- []byte(`{"type":"shell","data":{"type":"lines"}}`)
	conn.push(t, protocol.Cleared())
	conn.push(t, protocol.Lines([]string{"c"}))

	ev := expectEvent(t, c, EventLines)
	if len(ev.Lines) != 2 || ev.Lines[0] != "a" || ev.Lines[1] != "b" {
		t.Errorf("lines = %q", ev.Lines)
	}
	expectEvent(t, c, EventCleared)
	ev = expectEvent(t, c, EventLines)
	if len(ev.Lines) != 1 || ev.Lines[0] != "c" {
		t.Errorf("lines = %q", ev.Lines)
	}
}

func TestReconnectAfterRemoteClose(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, 30*time.Millisecond)
	defer c.Close()

	c.Connect()
	conn := d.next(t)
	expectEvent(t, c, EventConnected)

	_ = conn.Close()
	expectEvent(t, c, EventDisconnected)
	if s := c.State(); s != StateReconnectScheduled {
		t.Errorf("state = %v, want reconnect_scheduled", s)
	}

	d.next(t)
	expectEvent(t, c, EventConnected)
	if d.count() != 2 {
		t.Errorf("dials = %d", d.count())
	}
}

func TestDoubleCloseSchedulesOneReconnect(t *testing.T) {
	d := newFakeDialer()
	delay := 50 * time.Millisecond
	c := newTestClient(d, delay)
	defer c.Close()

	c.Connect()
	conn := d.next(t)
	expectEvent(t, c, EventConnected)

	conn.mu.Lock()
	conn.failWrites = true
	conn.mu.Unlock()

	// Two failure notifications for the same connection: the failed write
	// and the read loop seeing the close.
	if err := c.SetFilter("*:E"); err == nil {
		t.Fatal("expected write error")
	}
	_ = conn.Close()

	expectEvent(t, c, EventDisconnected)
	d.next(t)
	expectEvent(t, c, EventConnected)

	time.Sleep(4 * delay)
	if n := d.count(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
	expectNoEvent(t, c, 10*time.Millisecond)
}

func TestSetFilterWhileDisconnected(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, time.Hour)
	defer c.Close()

	if err := c.SetFilter("ActivityManager:I"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if err := c.Clear(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	c.Connect()
	conn := d.next(t)
	expectEvent(t, c, EventConnected)
	time.Sleep(10 * time.Millisecond)

	kinds := conn.kinds()
	if len(kinds) != 1 || kinds[0] != protocol.KindStart {
		t.Errorf("frames after connect = %v, want only start", kinds)
	}

	if err := c.SetFilter("*:W"); err != nil {
		t.Fatalf("SetFilter: %v", err)
	}
	if err := c.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	kinds = conn.kinds()
	if len(kinds) != 3 || kinds[1] != protocol.KindFilter || kinds[2] != protocol.KindClear {
		t.Errorf("frames = %v", kinds)
	}
}

func TestDisconnectSendsStopAndStaysDown(t *testing.T) {
	d := newFakeDialer()
	c := newTestClient(d, 20*time.Millisecond)
	defer c.Close()

	c.Connect()
	conn := d.next(t)
	expectEvent(t, c, EventConnected)

	c.Disconnect()
	expectEvent(t, c, EventDisconnected)
	c.Disconnect()

	kinds := conn.kinds()
	if kinds[len(kinds)-1] != protocol.KindStop {
		t.Errorf("last frame = %v, want stop", kinds[len(kinds)-1])
	}
	if !conn.isClosed() {
		t.Error("connection left open")
	}

	time.Sleep(100 * time.Millisecond)
	if d.count() != 1 {
		t.Errorf("reconnected after Disconnect: %d dials", d.count())
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v", c.State())
	}
	expectNoEvent(t, c, 10*time.Millisecond)
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	d := newFakeDialer()
	delay := 40 * time.Millisecond
	c := newTestClient(d, delay)
	defer c.Close()

	c.Connect()
	conn := d.next(t)
	expectEvent(t, c, EventConnected)

	_ = conn.Close()
	expectEvent(t, c, EventDisconnected)
	c.Disconnect()

	time.Sleep(3 * delay)
	if d.count() != 1 {
		t.Errorf("dials = %d, want 1", d.count())
	}
}

func TestDisconnectDuringHandshake(t *testing.T) {
	d := newFakeDialer()
	gate := make(chan struct{})
	d.set(func(d *fakeDialer) { d.gate = gate })
	c := newTestClient(d, 20*time.Millisecond)
	defer c.Close()

	c.Connect()
	if c.State() != StateConnecting {
		t.Fatalf("state = %v", c.State())
	}
	c.Disconnect()
	close(gate)

	conn := d.next(t)
	deadline := time.Now().Add(2 * time.Second)
	for !conn.isClosed() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if !conn.isClosed() {
		t.Fatal("late handshake left the connection open")
	}
	kinds := conn.kinds()
	if len(kinds) != 2 || kinds[0] != protocol.KindStart || kinds[1] != protocol.KindStop {
		t.Errorf("frames = %v, want [start stop]", kinds)
	}
	expectNoEvent(t, c, 60*time.Millisecond)
	if c.State() != StateDisconnected || d.count() != 1 {
		t.Errorf("state = %v dials = %d", c.State(), d.count())
	}
}

func TestDialFailureRetries(t *testing.T) {
	d := newFakeDialer()
	d.set(func(d *fakeDialer) { d.fail = errors.New("connection refused") })
	c := newTestClient(d, 20*time.Millisecond)
	defer c.Close()

	c.Connect()
	ev := expectEvent(t, c, EventDisconnected)
	if ev.Err == nil {
		t.Error("disconnect event carries no cause")
	}

	d.set(func(d *fakeDialer) { d.fail = nil })
	d.next(t)
	// Attempts that failed before the dialer recovered each report a
	// disconnect of their own.
	for {
		ev := nextEvent(t, c)
		if ev.Kind == EventConnected {
			break
		}
		if ev.Kind != EventDisconnected {
			t.Fatalf("event = %v", ev.Kind)
		}
	}
	if c.Attempts() < 2 {
		t.Errorf("attempts = %d", c.Attempts())
	}
}

func TestStateStrings(t *testing.T) {
	for s, want := range map[State]string{
		StateDisconnected:       "disconnected",
		StateConnecting:         "connecting",
		StateConnected:          "connected",
		StateReconnectScheduled: "reconnect_scheduled",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q", s, s.String())
		}
	}
}
