// Package tunnel carries logical channels over a single websocket.
//
// The websocket is wrapped as a net.Conn and multiplexed with yamux. Every
// yamux stream begins with a one-line header naming its channel (for
// example "logcat\n"); the server-side Router reads the header and hands
// the rest of the stream to the handler registered for that channel.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"
)

// Channel names.
const (
	ChannelLogcat = "logcat"
	ChannelPing   = "ping"
)

const (
	maxHeaderLen  = 64
	headerTimeout = 5 * time.Second
)

// ErrUnknownChannel is returned when a stream names a channel with no
// registered handler.
var ErrUnknownChannel = errors.New("tunnel: unknown channel")

// ChannelHandler serves one stream. The channel header has already been
// consumed. The handler owns conn and must close it.
type ChannelHandler func(conn net.Conn)

// Router dispatches incoming streams to channel handlers. It is safe for
// concurrent use.
type Router struct {
	log *log.Logger

	mu       sync.RWMutex
	handlers map[string]ChannelHandler
	sessions map[*yamux.Session]string
}

// NewRouter creates a router with the ping channel pre-registered.
func NewRouter(logger *log.Logger) *Router {
	if logger == nil {
		logger = log.Default()
	}
	r := &Router{
		log:      logger,
		handlers: make(map[string]ChannelHandler),
		sessions: make(map[*yamux.Session]string),
	}
	r.Handle(ChannelPing, PingHandler())
	return r
}

// Handle registers handler for channel, replacing any previous one.
func (r *Router) Handle(channel string, handler ChannelHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[channel] = handler
}

// Sessions returns the number of live multiplexed connections.
func (r *Router) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close tears down every live session.
func (r *Router) Close() {
	r.mu.Lock()
	sessions := make([]*yamux.Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}

// Handler upgrades the request to a websocket and serves yamux streams on
// it until the peer goes away.
func (r *Router) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		wsConn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			r.log.Printf("tunnel: websocket accept from %s: %v", req.RemoteAddr, err)
			return
		}
		r.Serve(websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary), req.RemoteAddr)
	})
}

// Serve runs a yamux server session over conn and blocks until it closes.
func (r *Router) Serve(conn net.Conn, remote string) {
	session, err := yamux.Server(conn, muxConfig(r.log))
	if err != nil {
		r.log.Printf("tunnel: yamux server for %s: %v", remote, err)
		_ = conn.Close()
		return
	}

	r.mu.Lock()
	r.sessions[session] = remote
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.sessions, session)
		r.mu.Unlock()
		_ = session.Close()
		r.log.Printf("tunnel: session with %s closed", remote)
	}()

	r.log.Printf("tunnel: session established with %s", remote)
	for {
		stream, err := session.AcceptStream()
		if err != nil {
			if !isSessionClosed(err) {
				r.log.Printf("tunnel: accept stream from %s: %v", remote, err)
			}
			return
		}
		go func() {
			if err := r.route(stream); err != nil {
				r.log.Printf("tunnel: stream %d from %s: %v", stream.StreamID(), remote, err)
			}
		}()
	}
}

// route reads the channel header and runs the matching handler.
func (r *Router) route(stream *yamux.Stream) error {
	_ = stream.SetReadDeadline(time.Now().Add(headerTimeout))
	channel, err := readChannelHeader(stream)
	if err != nil {
		_ = stream.Close()
		return fmt.Errorf("read channel header: %w", err)
	}
	_ = stream.SetReadDeadline(time.Time{})

	r.mu.RLock()
	handler, ok := r.handlers[channel]
	r.mu.RUnlock()
	if !ok {
		_ = stream.Close()
		return fmt.Errorf("%w %q", ErrUnknownChannel, channel)
	}

	handler(stream)
	return nil
}

// readChannelHeader reads a newline-terminated channel name one byte at a
// time so nothing past the header is consumed.
func readChannelHeader(r io.Reader) (string, error) {
	var buf []byte
	b := make([]byte, 1)
	for {
		if _, err := r.Read(b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return string(buf), nil
		}
		buf = append(buf, b[0])
		if len(buf) > maxHeaderLen {
			return "", fmt.Errorf("channel header exceeds %d bytes", maxHeaderLen)
		}
	}
}

// PingHandler answers "pong\n" and closes the stream.
func PingHandler() ChannelHandler {
	return func(conn net.Conn) {
		defer conn.Close()
		_, _ = conn.Write([]byte("pong\n"))
	}
}

func muxConfig(logger *log.Logger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = logger.Writer()
	return cfg
}

func isSessionClosed(err error) bool {
	return errors.Is(err, yamux.ErrSessionShutdown) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
