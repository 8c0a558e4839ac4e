package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chasvja/tokio-vs-libuv-tcp-proxy/internal/event"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

type Server struct {
	listenerAddr string
	backendAddr  string
	dialTimeout  time.Duration
	idleTimeout  time.Duration
	noDelay      bool
	bus          *event.Bus
	nextID       atomic.Uint64

	mu   sync.Mutex
	addr net.Addr
}

type Option func(*Server)

// WithDialTimeout bounds each upstream dial. Zero leaves it to the OS.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Server) { s.dialTimeout = d }
}

// WithIdleTimeout closes a pair once neither direction has moved a byte for d.
// Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

func WithNoDelay(enabled bool) Option {
	return func(s *Server) { s.noDelay = enabled }
}

func NewServer(listenerAddr, backendAddr string, opts ...Option) *Server {
	s := &Server{
		listenerAddr: listenerAddr,
		backendAddr:  backendAddr,
		noDelay:      true,
		bus:          event.NewBus(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Bus() *event.Bus {
	return s.bus
}

// Addr returns the bound listener address, or nil before Serve starts.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the listen address and serves until ctx is cancelled.
// A bind failure is returned immediately.
func (s *Server) Start(ctx context.Context) error {
	netListener, err := net.Listen("tcp", s.listenerAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.listenerAddr, err)
	}
	slog.Info("Listening on", "addr", netListener.Addr().String())
	slog.Info("Proxying to", "addr", s.backendAddr)
	return s.Serve(ctx, netListener)
}

// Serve accepts connections from ln until ctx is cancelled or ln is closed.
// Accept errors are logged and retried with backoff, never returned.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	defer ln.Close()
	stop := context.AfterFunc(ctx, func() {
		slog.Info("Shutting down proxy server")
		_ = ln.Close()
	})
	defer stop()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				slog.Info("Proxy server stopped")
				return nil
			}
			delay = nextAcceptDelay(delay)
			slog.Error("Error accepting connection", "error", err, "retryIn", delay)
			s.bus.Publish(event.EventAcceptFailed, event.AcceptFailedEvent{Err: err, Delay: delay})

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				slog.Info("Proxy server stopped")
				return nil
			case <-timer.C:
			}
			continue
		}
		delay = 0
		go s.handleConnection(ctx, conn)
	}
}

func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	return min(prev*2, maxAcceptDelay)
}
