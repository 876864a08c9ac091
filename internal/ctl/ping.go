package ctl

import (
	"context"
	"fmt"
	"time"

	"github.com/large-farva/logcat-relay/internal/logging"
	"github.com/large-farva/logcat-relay/internal/tunnel"
)

// PingOptions configures the ping command.
type PingOptions struct {
	Count   int
	Timeout time.Duration
	JSON    bool
}

// Ping opens the multiplex endpoint at muxURL and round-trips the ping
// channel Count times over one tunnel.
func Ping(muxURL string, opts PingOptions) error {
	if opts.Count <= 0 {
		opts.Count = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	client, err := tunnel.Dial(ctx, muxURL, logging.Discard())
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	var rtts []time.Duration
	for i := 0; i < opts.Count; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
		rtt, err := client.Ping(ctx)
		cancel()
		if err != nil {
			return err
		}
		rtts = append(rtts, rtt)
		if !opts.JSON {
			fmt.Printf("  %s  %s  %s\n", colorize(green, "pong"), colorize(dim, muxURL), rtt.Round(time.Microsecond))
		}
	}

	if opts.JSON {
		ms := make([]float64, len(rtts))
		for i, d := range rtts {
			ms[i] = float64(d.Microseconds()) / 1000
		}
		return printJSON(map[string]any{"url": muxURL, "rtt_ms": ms})
	}
	return nil
}
