package handlers

import (
	"errors"
	"time"

	"github.com/fzft/nbconn/log"
	"github.com/fzft/nbconn/node"
	"go.uber.org/zap"
)

// PushHandler pushes Message to every connection each Interval, starting one
// interval after connect, until the connection closes.
type PushHandler struct {
	Interval time.Duration
	Message  string
}

func (h PushHandler) OnConnect(conn node.Conn) (bool, error) {
	msg := []byte(h.Message + CRLF)
	var cancel func()
	cancel = conn.Schedule(h.Interval, func(c node.Conn) {
		push(c, msg, cancel)
	})
	return false, nil
}

// push writes msg and cancels the schedule once the connection is closed.
func push(conn node.Conn, msg []byte, cancel func()) {
	_, err := conn.Write(msg)
	if err == nil {
		return
	}
	log.Logger.Debug("push failed", zap.Uint64("conn", conn.ID()), zap.Error(err))
	if errors.Is(err, node.ErrClosed) && cancel != nil {
		cancel()
	}
}
