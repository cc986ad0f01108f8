package handlers

import (
	"errors"
	"testing"

	"github.com/fzft/nbconn/log"
	"github.com/fzft/nbconn/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// failingConn fails every write with err.
type failingConn struct {
	node.Conn
	err error
}

func (c *failingConn) ID() uint64 { return 7 }

func (c *failingConn) Write(p []byte) (int, error) { return 0, c.err }

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	core, logs := observer.New(zapcore.DebugLevel)
	log.Logger = zap.New(core)
	return logs
}

func TestPushCancelsOnClosedConn(t *testing.T) {
	logs := observeLogs(t)

	cancelled := 0
	push(&failingConn{err: node.ErrClosed}, []byte("heartbeat\r\n"), func() { cancelled++ })

	assert.Equal(t, 1, cancelled)
	entries := logs.FilterMessage("push failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(7), entries[0].ContextMap()["conn"])
}

func TestPushKeepsScheduleOnOtherErrors(t *testing.T) {
	logs := observeLogs(t)

	cancelled := 0
	push(&failingConn{err: errors.New("broken pipe")}, []byte("heartbeat\r\n"), func() { cancelled++ })

	assert.Zero(t, cancelled)
	assert.Equal(t, 1, logs.FilterMessage("push failed").Len())
}
