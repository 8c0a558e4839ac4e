package proxy

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/chasvja/tokio-vs-libuv-tcp-proxy/internal/event"
)

const (
	dirUp   = "C->S"
	dirDown = "S->C"
)

// handleConnection owns clientConn until it returns. It dials the backend,
// relays both directions and closes both connections once both have ended.
//
// A direction that ends with EOF only half-closes its destination; the other
// direction keeps running. A direction that ends with an error closes the
// whole pair so its sibling cannot block forever. The idle timeout is shared:
// it fires only after both directions have been silent for that long.
func (s *Server) handleConnection(ctx context.Context, clientConn net.Conn) {
	id := s.nextID.Add(1)
	log := slog.With("conn", id, "client", clientConn.RemoteAddr())
	s.setNoDelay(clientConn)

	dialer := net.Dialer{Timeout: s.dialTimeout}
	backendConn, err := dialer.DialContext(ctx, "tcp", s.backendAddr)
	if err != nil {
		log.Warn("Error connecting to backend", "backend", s.backendAddr, "error", err)
		_ = clientConn.Close()
		s.bus.Publish(event.EventDialFailed, event.DialFailedEvent{
			ID:       id,
			Client:   clientConn.RemoteAddr(),
			Upstream: s.backendAddr,
			Err:      err,
		})
		return
	}
	s.setNoDelay(backendConn)

	log.Info("Proxying connection", "backend", backendConn.RemoteAddr())
	s.bus.Publish(event.EventConnOpened, event.ConnOpenedEvent{
		ID:       id,
		Client:   clientConn.RemoteAddr(),
		Upstream: backendConn.RemoteAddr(),
	})

	var closeOnce sync.Once
	closePair := func() {
		closeOnce.Do(func() {
			_ = clientConn.Close()
			_ = backendConn.Close()
		})
	}
	stop := context.AfterFunc(ctx, closePair)
	defer stop()

	act := newActivity(s.idleTimeout)
	started := time.Now()
	var bytesUp, bytesDown int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		bytesUp = s.pipe(log, backendConn, clientConn, dirUp, act, closePair)
	}()
	go func() {
		defer wg.Done()
		bytesDown = s.pipe(log, clientConn, backendConn, dirDown, act, closePair)
	}()
	wg.Wait()
	closePair()

	duration := time.Since(started)
	log.Debug("Connection closed", "up", bytesUp, "down", bytesDown, "duration", duration)
	s.bus.Publish(event.EventConnClosed, event.ConnClosedEvent{
		ID:        id,
		Client:    clientConn.RemoteAddr(),
		BytesUp:   bytesUp,
		BytesDown: bytesDown,
		Duration:  duration,
	})
}

// pipe runs one direction and applies the teardown policy to its outcome.
func (s *Server) pipe(log *slog.Logger, dst, src net.Conn, dir string, act *activity, abort func()) int64 {
	n, err := relay(dst, src, act)
	if err == nil {
		log.Debug("Relay finished", "dir", dir, "bytes", n)
		if err := closeWrite(dst); err != nil && !isTeardown(err) {
			log.Debug("Half-close failed", "dir", dir, "error", err)
		}
		return n
	}

	if isTeardown(err) {
		log.Debug("Relay ended", "dir", dir, "bytes", n, "error", err)
	} else {
		log.Warn("Error relaying", "dir", dir, "bytes", n, "error", err)
	}
	abort()
	return n
}

func (s *Server) setNoDelay(conn net.Conn) {
	if !s.noDelay {
		return
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
}
