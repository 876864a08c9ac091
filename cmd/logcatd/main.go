// Logcatd is the logcat relay daemon.
//
// It serves the multiplexed logcat endpoint that viewers attach to, spawns
// one log producer per viewer session, and exposes status and event feeds
// over HTTP and WebSocket. Shutdown is handled gracefully on SIGINT or
// SIGTERM.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/large-farva/logcat-relay/internal/app"
	"github.com/large-farva/logcat-relay/internal/config"
	"github.com/large-farva/logcat-relay/internal/logging"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", config.DefaultPath, "Path to config TOML")
		bind       = pflag.String("bind", "", "HTTP bind address (overrides server.bind)")
	)
	pflag.Parse()

	// An explicit --config must exist; the default path may be absent.
	load := config.LoadOrDefault
	if pflag.CommandLine.Changed("config") {
		load = config.Load
	}
	cfg, err := load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logger, closer, err := logging.New(cfg.Logging, "logcatd ")
	if err != nil {
		log.Fatalf("logging setup failed: %v", err)
	}
	defer closer.Close()

	// Reload and the config health check only apply to a file that exists.
	reloadPath := *configPath
	if _, err := os.Stat(reloadPath); err != nil {
		reloadPath = ""
	}

	a := app.New(app.Options{
		Logger:     logger,
		Cfg:        cfg,
		ConfigPath: reloadPath,
		Bind:       *bind,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Fatalf("logcatd failed: %v", err)
	}

	// Brief pause so in-flight log writes can flush before exit.
	time.Sleep(50 * time.Millisecond)
}
