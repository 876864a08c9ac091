package logstream

import (
	"context"
	"fmt"
	"log"

	"github.com/large-farva/logcat-relay/internal/tunnel"
)

// TunnelDialer opens a fresh multiplexed connection per dial and selects
// the logcat channel on it.
type TunnelDialer struct {
	URL    string
	Logger *log.Logger
}

func (d TunnelDialer) Dial(ctx context.Context) (tunnel.FrameConn, error) {
	client, err := tunnel.Dial(ctx, d.URL, d.Logger)
	if err != nil {
		return nil, err
	}
	stream, err := client.OpenChannel(tunnel.ChannelLogcat)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("select logcat channel: %w", err)
	}
	return &channelConn{LineConn: tunnel.NewLineConn(stream), client: client}, nil
}

// channelConn owns the tunnel beneath its stream.
type channelConn struct {
	*tunnel.LineConn
	client *tunnel.Client
}

func (c *channelConn) Close() error {
	err := c.LineConn.Close()
	_ = c.client.Close()
	return err
}
