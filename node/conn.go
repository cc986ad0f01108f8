package node

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// FlushMode controls when queued outbound bytes are pushed to the socket.
type FlushMode int32

const (
	// FlushSync writes queued bytes right after each Write.
	FlushSync FlushMode = iota
	// FlushAsync defers writing to the next writable tick of the owning worker,
	// so several writes go out in one pass.
	FlushAsync
)

func (m FlushMode) String() string {
	if m == FlushAsync {
		return "async"
	}
	return "sync"
}

func ParseFlushMode(s string) (FlushMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sync":
		return FlushSync, nil
	case "async":
		return FlushAsync, nil
	}
	return FlushSync, fmt.Errorf("unknown flush mode %q", s)
}

// UnlimitedRate disables write throttling.
const UnlimitedRate = 0

// Conn is a non-blocking connection owned by one reactor worker.
//
// Handler callbacks run on the owning worker and must not block. Write never
// blocks: bytes are queued and pushed according to the flush mode and the
// write transfer rate.
type Conn interface {
	ID() uint64
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	IsOpen() bool
	State() State

	// Write queues p for sending. p is copied.
	Write(p []byte) (int, error)
	WriteString(s string) (int, error)
	// Flush pushes queued bytes now, regardless of the flush mode.
	Flush() error

	// Read API over the inbound buffer. Every read either succeeds completely or
	// fails with ErrUnderflow leaving the buffer untouched.
	ReadStringByDelimiter(delim string) (string, error)
	ReadBytesByDelimiter(delim []byte) ([]byte, error)
	ReadBytesByDelimiterMax(delim []byte, max int) ([]byte, error)
	ReadExact(n int) ([]byte, error)
	ReadAvailable() []byte
	Available() int

	SetFlushMode(mode FlushMode)
	FlushMode() FlushMode
	// SetWriteTransferRate caps draining to bytesPerSecond. Zero or a negative
	// value means unlimited.
	SetWriteTransferRate(bytesPerSecond int)
	WriteTransferRate() int
	PendingWriteBytes() int

	SetIdleTimeout(d time.Duration)
	SetConnectionTimeout(d time.Duration)

	Attachment() any
	SetAttachment(v any)

	// Schedule runs fn on the owning worker every interval until the returned
	// cancel is called or the connection closes.
	Schedule(interval time.Duration, fn func(Conn)) (cancel func())

	// Close is idempotent and safe from any goroutine.
	Close() error
}

// Connector opens outbound connections served by the same reactor.
type Connector interface {
	ConnectAsync(addr string, h Handler) (Conn, error)
}
