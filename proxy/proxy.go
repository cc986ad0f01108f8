// Package proxy relays bytes between a client connection and a fixed
// forward target. The two legs point at each other through their
// attachments; closing either leg closes the other.
package proxy

import (
	"github.com/fzft/nbconn/log"
	"github.com/fzft/nbconn/node"
	"go.uber.org/zap"
)

// ClientToProxyHandler serves the client leg. On connect it opens the server
// leg to forward on the same reactor.
type ClientToProxyHandler struct {
	ProxyHandler
	connector node.Connector
	forward   string
}

func NewClientToProxyHandler(connector node.Connector, forward string) *ClientToProxyHandler {
	return &ClientToProxyHandler{
		connector: connector,
		forward:   forward,
	}
}

func (h *ClientToProxyHandler) OnConnect(client node.Conn) (bool, error) {
	server, err := h.connector.ConnectAsync(h.forward, &ProxyHandler{peer: client})
	if err != nil {
		log.Logger.Warn("proxy forward failed",
			zap.Uint64("conn", client.ID()),
			zap.String("forward", h.forward),
			zap.Error(err))
		_ = client.Close()
		return true, nil
	}

	client.SetFlushMode(node.FlushAsync)
	server.SetFlushMode(node.FlushAsync)

	link(client, server)

	log.Logger.Debug("proxy linked",
		zap.Uint64("client", client.ID()),
		zap.Uint64("server", server.ID()),
		zap.String("forward", h.forward))
	return true, nil
}

// ProxyHandler forwards everything a leg receives to its peer. When peer is
// set the handler links both legs again once its own leg is established, so
// the attachment is in place before the first byte arrives.
type ProxyHandler struct {
	peer node.Conn
}

func (h *ProxyHandler) OnConnect(conn node.Conn) (bool, error) {
	if h.peer == nil {
		return false, nil
	}
	if !h.peer.IsOpen() {
		_ = conn.Close()
		return true, nil
	}
	link(h.peer, conn)
	return true, nil
}

func link(a, b node.Conn) {
	a.SetAttachment(b)
	b.SetAttachment(a)
}

func (h *ProxyHandler) OnData(conn node.Conn) (bool, error) {
	peer, ok := conn.Attachment().(node.Conn)
	if !ok {
		// not linked yet, keep the bytes buffered
		return true, nil
	}

	data := conn.ReadAvailable()
	if len(data) == 0 {
		return true, nil
	}
	if _, err := peer.Write(data); err != nil {
		log.Logger.Debug("proxy peer write failed", zap.Uint64("conn", conn.ID()), zap.Error(err))
		_ = conn.Close()
	}
	return true, nil
}

func (h *ProxyHandler) OnDisconnect(conn node.Conn) (bool, error) {
	peer, _ := conn.Attachment().(node.Conn)
	if peer == nil {
		// a connect that failed before the legs were linked
		peer = h.peer
	}
	conn.SetAttachment(nil)
	if peer == nil {
		return true, nil
	}
	peer.SetAttachment(nil)
	_ = peer.Close()
	return true, nil
}
