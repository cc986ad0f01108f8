//go:build linux
// +build linux

package node

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var crlf = []byte("\r\n")

// funcHandler implements every capability with optional callbacks.
type funcHandler struct {
	connect    func(Conn) (bool, error)
	data       func(Conn) (bool, error)
	disconnect func(Conn) (bool, error)
	idle       func(Conn) (bool, error)
	lifetime   func(Conn) (bool, error)
}

func call(fn func(Conn) (bool, error), conn Conn) (bool, error) {
	if fn == nil {
		return false, nil
	}
	return fn(conn)
}

func (h *funcHandler) OnConnect(conn Conn) (bool, error)    { return call(h.connect, conn) }
func (h *funcHandler) OnData(conn Conn) (bool, error)       { return call(h.data, conn) }
func (h *funcHandler) OnDisconnect(conn Conn) (bool, error) { return call(h.disconnect, conn) }
func (h *funcHandler) OnIdleTimeout(conn Conn) (bool, error) {
	return call(h.idle, conn)
}
func (h *funcHandler) OnConnectionTimeout(conn Conn) (bool, error) {
	return call(h.lifetime, conn)
}

// lineEcho writes every CRLF line back.
type lineEcho struct{}

func (lineEcho) OnData(conn Conn) (bool, error) {
	for {
		line, err := conn.ReadBytesByDelimiter(crlf)
		if err != nil {
			return false, err
		}
		if _, err := conn.Write(append(line, crlf...)); err != nil {
			return false, err
		}
	}
}

func startReactor(t *testing.T, opts ...Option) *Reactor {
	t.Helper()
	opts = append([]Option{WithWorkers(1), WithPollTick(10 * time.Millisecond)}, opts...)
	r, err := NewReactor(opts...)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop() })
	return r
}

func listen(t *testing.T, r *Reactor, h Handler, lifecycle ...LifeCycle) *ServerHandle {
	t.Helper()
	srv, err := r.Listen("127.0.0.1:0", StaticChain(h), lifecycle...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func portOf(srv *ServerHandle) int {
	return srv.Addr().(*net.TCPAddr).Port
}

func hostPort(srv *ServerHandle) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(portOf(srv)))
}

func hostPortOf(p int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(p))
}

// dial opens a plain net.Conn to the server.
func dial(t *testing.T, srv *ServerHandle) (net.Conn, *bufio.Reader) {
	t.Helper()
	c, err := net.DialTimeout("tcp", hostPort(srv), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	return c, bufio.NewReader(c)
}

// closedPort returns a loopback port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return p
}

// watched reports whether fd is still in the epoll interest set of p.
func watched(p *Poll, fd int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.epollSet[fd]
	return ok
}
