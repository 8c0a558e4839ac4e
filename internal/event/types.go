package event

import (
	"net"
	"time"
)

const (
	EventConnOpened   = "conn.opened"
	EventDialFailed   = "conn.dial_failed"
	EventConnClosed   = "conn.closed"
	EventAcceptFailed = "conn.accept_failed"
)

type ConnOpenedEvent struct {
	ID       uint64
	Client   net.Addr
	Upstream net.Addr
}

type DialFailedEvent struct {
	ID       uint64
	Client   net.Addr
	Upstream string
	Err      error
}

// ConnClosedEvent is published once both directions of a pair have ended.
// BytesUp counts client->upstream, BytesDown upstream->client.
type ConnClosedEvent struct {
	ID        uint64
	Client    net.Addr
	BytesUp   int64
	BytesDown int64
	Duration  time.Duration
}

type AcceptFailedEvent struct {
	Err   error
	Delay time.Duration
}
