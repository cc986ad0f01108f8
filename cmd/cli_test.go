//go:build linux
// +build linux

package cmd

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fzft/nbconn/handlers"
	"github.com/fzft/nbconn/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCliPipe(t *testing.T) {
	r, err := node.NewReactor(node.WithWorkers(1))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	srv, err := r.Listen("127.0.0.1:0", node.StaticChain(handlers.EchoLineHandler{}))
	require.NoError(t, err)
	defer srv.Close()

	var out bytes.Buffer
	cli := NewCli(&CliConfig{
		Host:         "127.0.0.1",
		Port:         srv.Addr().(*net.TCPAddr).Port,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}, r)
	cli.in = strings.NewReader("hello\nworld\n")
	cli.out = &out

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cli.Run(ctx))
	assert.Equal(t, "hello\nworld\n", out.String())
}

func TestCliConnectRefused(t *testing.T) {
	r, err := node.NewReactor(node.WithWorkers(1))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cli := NewCli(&CliConfig{Host: "127.0.0.1", Port: port}, r)
	cli.in = strings.NewReader("")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = cli.Run(ctx)
	var ce *node.ConnectError
	assert.ErrorAs(t, err, &ce)
}

func TestVersion(t *testing.T) {
	cli := &Cli{}
	assert.Equal(t, "1.0.0", cli.Version("1.0.0", "unknown", "unknown"))
	assert.Equal(t, "1.0.0 (git:abc123-dirty)", cli.Version("1.0.0", "abc123", "1"))
	assert.Equal(t, "1.0.0 (git:abc123)", cli.Version("1.0.0", "abc123", "0"))
}

func TestGetDotfilePath(t *testing.T) {
	t.Setenv("NBCONN_TEST_HIST", "/tmp/hist")
	assert.Equal(t, "/tmp/hist", getDotfilePath("NBCONN_TEST_HIST", ".x"))

	t.Setenv("NBCONN_TEST_HIST", "/dev/null")
	assert.Equal(t, "", getDotfilePath("NBCONN_TEST_HIST", ".x"))

	t.Setenv("NBCONN_TEST_HIST", "")
	t.Setenv("HOME", "/home/nb")
	assert.Equal(t, "/home/nb/.x", getDotfilePath("NBCONN_TEST_HIST", ".x"))
}
