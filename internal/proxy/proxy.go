// Package proxy 负责 TCP 连接管理、双向字节转发
// 这是核心管道模块
package proxy

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const relayBufferSize = 32 * 1024

var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, relayBufferSize)
		return &buf
	},
}

type closeWriter interface {
	CloseWrite() error
}

// activity 记录一对连接最近一次读写的时间，两个方向共享
// 只有整对连接都空闲超过 timeout 时才算超时
type activity struct {
	timeout time.Duration
	last    atomic.Int64
}

// newActivity returns nil when timeout is zero, which disables idle tracking.
func newActivity(timeout time.Duration) *activity {
	if timeout <= 0 {
		return nil
	}
	a := &activity{timeout: timeout}
	a.touch()
	return a
}

func (a *activity) touch() {
	a.last.Store(time.Now().UnixNano())
}

func (a *activity) deadline() time.Time {
	return time.Unix(0, a.last.Load()).Add(a.timeout)
}

func (a *activity) expired() bool {
	return !time.Now().Before(a.deadline())
}

// relay copies src into dst until src reports EOF or either side fails.
// A nil error means src reached EOF. With a non-nil act, a read only times
// out once neither direction of the pair has moved a byte for act.timeout.
func relay(dst, src net.Conn, act *activity) (written int64, err error) {
	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	buf := *bufp

	for {
		nr, rerr := readIdle(src, buf, act)
		if nr > 0 {
			if act != nil {
				act.touch()
			}
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
			if act != nil {
				act.touch()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}

func readIdle(src net.Conn, buf []byte, act *activity) (int, error) {
	if act == nil {
		return src.Read(buf)
	}
	for {
		if err := src.SetReadDeadline(act.deadline()); err != nil {
			return 0, err
		}
		n, err := src.Read(buf)
		// 另一个方向仍有流量，重新按共享的最近活动时间计时
		if n == 0 && errors.Is(err, os.ErrDeadlineExceeded) && !act.expired() {
			continue
		}
		return n, err
	}
}

// closeWrite 半关闭写端，让对端读到 EOF；不支持半关闭的连接直接关闭
func closeWrite(c net.Conn) error {
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}

// isTeardown reports whether err is an ordinary end of a connection
// rather than something worth a warning.
func isTeardown(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, io.ErrClosedPipe):
		return true
	}
	return isConnReset(err)
}
