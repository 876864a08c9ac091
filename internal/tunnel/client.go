package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"
)

// MultiplexPath is the endpoint the daemon serves the tunnel on, relative
// to its base path.
const MultiplexPath = "multiplex"

// ErrClosed is returned when opening a channel on a closed client.
var ErrClosed = errors.New("tunnel: client closed")

// URL builds the websocket address of the multiplex endpoint.
func URL(host string, port int, basePath string, secure bool) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: "/"}
	return u.JoinPath(basePath, MultiplexPath).String()
}

// Client is the dialing side of a tunnel.
type Client struct {
	mu      sync.Mutex
	session *yamux.Session
}

// Dial opens the websocket at rawURL and starts a yamux client session on
// it. ctx bounds the handshake only.
func Dial(ctx context.Context, rawURL string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}
	wsConn, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", rawURL, err)
	}

	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	session, err := yamux.Client(netConn, muxConfig(logger))
	if err != nil {
		_ = wsConn.CloseNow()
		return nil, fmt.Errorf("yamux client init: %w", err)
	}
	return &Client{session: session}, nil
}

// NewClient starts a yamux client session over an established conn.
func NewClient(conn net.Conn, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}
	session, err := yamux.Client(conn, muxConfig(logger))
	if err != nil {
		return nil, fmt.Errorf("yamux client init: %w", err)
	}
	return &Client{session: session}, nil
}

// OpenChannel opens a stream and writes its channel header.
func (c *Client) OpenChannel(channel string) (net.Conn, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return nil, ErrClosed
	}

	conn, err := s.Open()
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if _, err := conn.Write([]byte(channel + "\n")); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write channel header %q: %w", channel, err)
	}
	return conn, nil
}

// Ping round-trips the ping channel and returns the latency.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	conn, err := c.OpenChannel(ChannelPing)
	if err != nil {
		return 0, fmt.Errorf("open ping channel: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(headerTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("read pong: %w", err)
	}
	if line != "pong\n" {
		return 0, fmt.Errorf("unexpected ping response: %q", line)
	}
	return time.Since(start), nil
}

// Done is closed when the underlying session ends.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.session.CloseChan()
}

// IsClosed reports whether the session is gone.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == nil || c.session.IsClosed()
}

// Close tears down the session and the websocket beneath it.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}
