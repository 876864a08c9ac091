package tunnel

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"
)

// maxFrameSize bounds one newline-delimited frame.
const maxFrameSize = 4 << 20

// FrameConn is a duplex channel of discrete messages.
type FrameConn interface {
	// ReadFrame blocks for the next frame. It returns io.EOF once the peer
	// has closed the channel.
	ReadFrame() ([]byte, error)
	// WriteFrame sends one frame. It is safe to call concurrently.
	WriteFrame(frame []byte) error
	Close() error
}

// LineConn frames messages as newline-delimited text over a stream. Frames
// must not contain a newline; JSON encodings never do.
type LineConn struct {
	rwc io.ReadWriteCloser
	sc  *bufio.Scanner

	wmu sync.Mutex
}

// NewLineConn wraps rwc. Nothing may have been buffered from rwc yet.
func NewLineConn(rwc io.ReadWriteCloser) *LineConn {
	sc := bufio.NewScanner(rwc)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &LineConn{rwc: rwc, sc: sc}
}

func (c *LineConn) ReadFrame() ([]byte, error) {
	for c.sc.Scan() {
		line := bytes.TrimSpace(c.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := c.sc.Err(); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return nil, io.EOF
}

func (c *LineConn) WriteFrame(frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return fmt.Errorf("write frame: frame contains a newline")
	}
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rwc.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *LineConn) Close() error {
	return c.rwc.Close()
}
