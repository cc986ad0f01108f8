package handlers

import (
	"net"

	"github.com/fzft/nbconn/log"
	"github.com/fzft/nbconn/node"
	"go.uber.org/zap"
)

// FirstVisitThrottler caps the write rate of the first connection seen from
// each remote ip. It never consumes the event, so the next handler still
// gets OnConnect.
type FirstVisitThrottler struct {
	rate int
	seen *visitSet
}

// NewFirstVisitThrottler remembers up to capacity ips, DefaultVisitCapacity
// when capacity is not positive.
func NewFirstVisitThrottler(bytesPerSecond, capacity int) *FirstVisitThrottler {
	return &FirstVisitThrottler{
		rate: bytesPerSecond,
		seen: newVisitSet(capacity),
	}
}

func (t *FirstVisitThrottler) OnConnect(conn node.Conn) (bool, error) {
	ip := remoteIP(conn)
	if ip == "" {
		return false, nil
	}
	if !t.seen.visit(ip) {
		conn.SetWriteTransferRate(t.rate)
		log.Logger.Debug("first visit throttled",
			zap.Uint64("conn", conn.ID()),
			zap.String("ip", ip),
			zap.Int("rate", t.rate))
	}
	return false, nil
}

// Visited reports whether ip connected before.
func (t *FirstVisitThrottler) Visited(ip string) bool {
	return t.seen.contains(ip)
}

func remoteIP(conn node.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
