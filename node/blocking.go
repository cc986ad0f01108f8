//go:build linux
// +build linux

package node

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"
)

const (
	DefaultReadTimeout  = time.Minute
	DefaultWriteTimeout = time.Minute
)

// BlockingConn is a synchronous view of a non-blocking connection. Reads wait
// on the same inbound buffer the worker fills; writes wait until the worker
// or the sync flush pushed the bytes to the socket.
type BlockingConn struct {
	c            *connection
	readTimeout  atomic.Int64
	writeTimeout atomic.Int64
}

type BlockingOption func(*BlockingConn)

func WithReadTimeout(d time.Duration) BlockingOption {
	return func(b *BlockingConn) {
		b.SetReadTimeout(d)
	}
}

func WithWriteTimeout(d time.Duration) BlockingOption {
	return func(b *BlockingConn) {
		b.SetWriteTimeout(d)
	}
}

// OpenBlocking connects to host:port and returns a blocking connection in
// sync flush mode.
func (r *Reactor) OpenBlocking(ctx context.Context, host string, port int, opts ...BlockingOption) (*BlockingConn, error) {
	conn, err := r.ConnectHostPort(ctx, host, port, NewChain())
	if err != nil {
		return nil, err
	}
	return newBlockingConn(conn.(*connection), opts...), nil
}

// Open connects to host:port on the default reactor.
func Open(ctx context.Context, host string, port int, opts ...BlockingOption) (*BlockingConn, error) {
	r, err := DefaultReactor()
	if err != nil {
		return nil, err
	}
	return r.OpenBlocking(ctx, host, port, opts...)
}

func newBlockingConn(c *connection, opts ...BlockingOption) *BlockingConn {
	c.SetFlushMode(FlushSync)
	b := &BlockingConn{c: c}
	b.SetReadTimeout(DefaultReadTimeout)
	b.SetWriteTimeout(DefaultWriteTimeout)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Conn exposes the underlying non-blocking connection.
func (b *BlockingConn) Conn() Conn {
	return b.c
}

func (b *BlockingConn) ID() uint64 {
	return b.c.ID()
}

func (b *BlockingConn) LocalAddr() net.Addr {
	return b.c.LocalAddr()
}

func (b *BlockingConn) RemoteAddr() net.Addr {
	return b.c.RemoteAddr()
}

func (b *BlockingConn) IsOpen() bool {
	return b.c.IsOpen()
}

// SetReadTimeout sets how long a read waits for data. Zero waits forever.
func (b *BlockingConn) SetReadTimeout(d time.Duration) {
	b.readTimeout.Store(int64(d))
}

func (b *BlockingConn) ReadTimeout() time.Duration {
	return time.Duration(b.readTimeout.Load())
}

// SetWriteTimeout sets how long a write waits for its flush. Zero waits forever.
func (b *BlockingConn) SetWriteTimeout(d time.Duration) {
	b.writeTimeout.Store(int64(d))
}

func (b *BlockingConn) WriteTimeout() time.Duration {
	return time.Duration(b.writeTimeout.Load())
}

// Write returns once p was written to the socket. On ErrWriteTimeout the
// bytes stay queued and the connection stays open.
func (b *BlockingConn) Write(p []byte) (int, error) {
	target, err := b.c.enqueue(p)
	if err != nil {
		return 0, err
	}

	err = b.await(b.WriteTimeout(), ErrWriteTimeout, func() (bool, error) {
		if b.c.written.Load() >= target {
			return true, nil
		}
		if st := b.c.State(); st == StateClosing || st == StateClosed {
			return false, ErrClosed
		}
		return false, nil
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (b *BlockingConn) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

func (b *BlockingConn) ReadBytesByDelimiter(delim []byte) ([]byte, error) {
	return b.ReadBytesByDelimiterMax(delim, -1)
}

// ReadBytesByDelimiterMax waits for delim. It fails with
// ErrMaxReadSizeExceeded when max bytes arrived without a delimiter.
func (b *BlockingConn) ReadBytesByDelimiterMax(delim []byte, max int) ([]byte, error) {
	var out []byte
	err := b.awaitRead(func() error {
		p, err := b.c.ReadBytesByDelimiterMax(delim, max)
		out = p
		return err
	})
	return out, err
}

func (b *BlockingConn) ReadStringByDelimiter(delim string) (string, error) {
	p, err := b.ReadBytesByDelimiter([]byte(delim))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func (b *BlockingConn) ReadExact(n int) ([]byte, error) {
	var out []byte
	err := b.awaitRead(func() error {
		p, err := b.c.ReadExact(n)
		out = p
		return err
	})
	return out, err
}

// Close closes the underlying connection and wakes every waiter with ErrClosed.
func (b *BlockingConn) Close() error {
	return b.c.Close()
}

func (b *BlockingConn) awaitRead(read func() error) error {
	return b.await(b.ReadTimeout(), ErrReadTimeout, func() (bool, error) {
		err := read()
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrUnderflow) {
			return false, err
		}
		if !b.c.IsOpen() {
			return false, ErrClosed
		}
		return false, nil
	})
}

// await re-evaluates ready every time the connection signals a change.
func (b *BlockingConn) await(timeout time.Duration, timeoutErr error, ready func() (bool, error)) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		changed := b.c.notify.wait()
		ok, err := ready()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-changed:
		case <-deadline:
			return timeoutErr
		}
	}
}
