//go:build linux
// +build linux

package proxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/fzft/nbconn/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	ln    net.Listener
	conns chan net.Conn
}

func startBackend(t *testing.T) *backend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &backend{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			b.conns <- c
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return b
}

func (b *backend) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-b.conns:
		t.Cleanup(func() { _ = c.Close() })
		require.NoError(t, c.SetDeadline(time.Now().Add(10*time.Second)))
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("backend never accepted")
		return nil
	}
}

// connRecorder captures the client leg.
type connRecorder struct {
	conns chan node.Conn
}

func (r *connRecorder) OnConnect(conn node.Conn) (bool, error) {
	r.conns <- conn
	return false, nil
}

func startProxy(t *testing.T, forward string) (*node.ServerHandle, *connRecorder) {
	t.Helper()
	r, err := node.NewReactor(node.WithWorkers(2), node.WithPollTick(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop() })

	rec := &connRecorder{conns: make(chan node.Conn, 4)}
	chain := node.NewChain(rec, NewClientToProxyHandler(r, forward))
	srv, err := r.Listen("127.0.0.1:0", node.StaticChain(chain))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv, rec
}

func dialProxy(t *testing.T, srv *node.ServerHandle) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(10*time.Second)))
	return c
}

func TestRelayBothWays(t *testing.T) {
	be := startBackend(t)
	srv, _ := startProxy(t, be.ln.Addr().String())

	client := dialProxy(t, srv)
	server := be.accept(t)

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	got := make([]byte, 5)
	_, err = io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	_, err = server.Write([]byte("world"))
	require.NoError(t, err)
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))
}

func TestRelayLargePayload(t *testing.T) {
	be := startBackend(t)
	srv, _ := startProxy(t, be.ln.Addr().String())

	client := dialProxy(t, srv)
	server := be.accept(t)

	payload := make([]byte, 1<<20)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	go func() {
		_, _ = client.Write(payload)
	}()
	got := make([]byte, len(payload))
	_, err = io.ReadFull(server, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "client to server stream corrupted")

	go func() {
		_, _ = server.Write(payload)
	}()
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "server to client stream corrupted")
}

func TestClientCloseClosesServerLeg(t *testing.T) {
	be := startBackend(t)
	srv, rec := startProxy(t, be.ln.Addr().String())

	client := dialProxy(t, srv)
	server := be.accept(t)
	leg := <-rec.conns

	require.NoError(t, client.Close())

	_, err := server.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		return leg.State() == node.StateClosed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, leg.Attachment())
}

func TestServerCloseClosesClientLeg(t *testing.T) {
	be := startBackend(t)
	srv, rec := startProxy(t, be.ln.Addr().String())

	client := dialProxy(t, srv)
	server := be.accept(t)
	leg := <-rec.conns

	// the legs are linked once data flows
	_, err := server.Write([]byte("x"))
	require.NoError(t, err)
	_, err = io.ReadFull(client, make([]byte, 1))
	require.NoError(t, err)

	require.NoError(t, server.Close())

	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		return leg.State() == node.StateClosed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, leg.Attachment())
}

func TestForwardUnreachableClosesClient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	srv, _ := startProxy(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	client := dialProxy(t, srv)

	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
