package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/chasvja/tokio-vs-libuv-tcp-proxy/internal/config"
	"github.com/chasvja/tokio-vs-libuv-tcp-proxy/internal/event"
	"github.com/chasvja/tokio-vs-libuv-tcp-proxy/internal/logger"
	"github.com/chasvja/tokio-vs-libuv-tcp-proxy/internal/proxy"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-config file] [listen_addr [upstream_addr]]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath, flag.Args())
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	var out io.Writer = os.Stdout
	if cfg.Logging.File != "" {
		f, err := logger.OpenFile(cfg.Logging.File)
		if err != nil {
			slog.Error("Failed to open log file", "error", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}
	logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: out,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	server := proxy.NewServer(
		cfg.ListenAddr(),
		cfg.BackendAddr(),
		proxy.WithDialTimeout(cfg.Proxy.DialTimeout),
		proxy.WithIdleTimeout(cfg.Proxy.IdleTimeout),
		proxy.WithNoDelay(cfg.Proxy.NoDelay),
	)
	trackConnections(server.Bus(), slog.Default())
	err = server.Start(ctx)
	if err != nil {
		slog.Error("Failed to start server", "error", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the optional config file and positional
// arguments (listen address, then upstream address), in that order.
func loadConfig(path string, args []string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}
	if len(args) > 2 {
		return nil, errors.New("expected at most two arguments: listen_addr upstream_addr")
	}
	if len(args) > 0 {
		if err := cfg.SetListenAddr(args[0]); err != nil {
			return nil, err
		}
	}
	if len(args) > 1 {
		if err := cfg.SetBackendAddr(args[1]); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// trackConnections logs one summary line per finished connection and
// returns the live-connection gauge it maintains.
func trackConnections(bus *event.Bus, log *slog.Logger) *atomic.Int64 {
	var active atomic.Int64
	bus.Subscribe(event.EventConnOpened, func(raw any) {
		active.Add(1)
	})
	bus.Subscribe(event.EventConnClosed, func(raw any) {
		evt, ok := raw.(event.ConnClosedEvent)
		if !ok {
			return
		}
		log.Info("Connection closed",
			"conn", evt.ID,
			"client", evt.Client,
			"up", evt.BytesUp,
			"down", evt.BytesDown,
			"duration", evt.Duration,
			"active", active.Add(-1),
		)
	})
	return &active
}
