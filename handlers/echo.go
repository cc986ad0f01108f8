// Package handlers contains ready made handlers for the line based example
// protocol served by nbconn.
package handlers

import (
	"github.com/fzft/nbconn/node"
)

const (
	CRLF = "\r\n"

	// MaxLineLength bounds a line; a longer one is a protocol violation.
	MaxLineLength = 64 * 1024
)

var crlf = []byte(CRLF)

// EchoLineHandler writes every CRLF terminated line back to the sender.
type EchoLineHandler struct{}

func (EchoLineHandler) OnData(conn node.Conn) (bool, error) {
	for {
		line, err := conn.ReadBytesByDelimiterMax(crlf, MaxLineLength)
		if err != nil {
			// underflow ends the batch, anything else closes the connection
			return true, err
		}
		out := make([]byte, 0, len(line)+len(crlf))
		out = append(out, line...)
		out = append(out, crlf...)
		if _, err := conn.Write(out); err != nil {
			return true, err
		}
	}
}

// Greeting sends a status line to every new connection.
type Greeting struct {
	Line string
}

func (g Greeting) OnConnect(conn node.Conn) (bool, error) {
	if _, err := conn.WriteString(g.Line + CRLF); err != nil {
		return false, err
	}
	return false, nil
}
