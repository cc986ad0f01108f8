package handlers

import (
	"github.com/fzft/nbconn/node"
)

// StatusLineHandler reads a response made of a status line followed by body
// lines. Whether the status line was consumed is kept per connection, so one
// handler serves any number of connections and partial reads.
type StatusLineHandler struct {
	OnStatus func(conn node.Conn, status string)
	OnLine   func(conn node.Conn, line string)
}

type statusState struct {
	statusRead bool
}

func (h *StatusLineHandler) OnConnect(conn node.Conn) (bool, error) {
	conn.SetAttachment(&statusState{})
	return false, nil
}

func (h *StatusLineHandler) OnData(conn node.Conn) (bool, error) {
	st, ok := conn.Attachment().(*statusState)
	if !ok {
		st = &statusState{}
		conn.SetAttachment(st)
	}

	for {
		line, err := conn.ReadBytesByDelimiterMax(crlf, MaxLineLength)
		if err != nil {
			return true, err
		}
		if !st.statusRead {
			st.statusRead = true
			if h.OnStatus != nil {
				h.OnStatus(conn, string(line))
			}
			continue
		}
		if h.OnLine != nil {
			h.OnLine(conn, string(line))
		}
	}
}

func (h *StatusLineHandler) OnDisconnect(conn node.Conn) (bool, error) {
	conn.SetAttachment(nil)
	return false, nil
}
