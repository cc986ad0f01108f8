package node

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fzft/nbconn/buffer"
)

type MultiError []error

func (m MultiError) Error() string {
	var b strings.Builder
	b.WriteString("multiple errors:")
	for _, err := range m {
		b.WriteString("\n- " + err.Error())
	}
	return b.String()
}

// Unwrap lets errors.Is and errors.As look at every aggregated error.
func (m MultiError) Unwrap() []error {
	return m
}

// ErrOrNil returns nil for an empty MultiError, so callers can return it directly.
func (m MultiError) ErrOrNil() error {
	if len(m) == 0 {
		return nil
	}
	return m
}

var (
	ErrSignalStopped = errors.New("signal stopped")

	// ErrClosed the connection is closed, no read or write is accepted anymore.
	ErrClosed = errors.New("connection closed")

	// ErrReadTimeout a blocking read did not complete before its deadline.
	ErrReadTimeout = errors.New("read timeout")

	// ErrWriteTimeout a blocking write was not flushed before its deadline.
	ErrWriteTimeout = errors.New("write timeout")

	ErrReactorStopped = errors.New("reactor stopped")

	// ErrUnderflow is returned by the read API when the requested data has not
	// arrived yet. A handler returning it from OnData is not treated as a fault.
	ErrUnderflow = buffer.ErrUnderflow

	ErrMaxReadSizeExceeded = buffer.ErrMaxReadSizeExceeded
)

// ConnectError is returned when an outbound connection could not be established.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// HandlerFault is an error or a panic that escaped a handler callback.
type HandlerFault struct {
	ConnID uint64
	Event  string
	Err    error
	Panic  any
}

func (f *HandlerFault) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("handler %s on conn %d panicked: %v", f.Event, f.ConnID, f.Panic)
	}
	return fmt.Sprintf("handler %s on conn %d: %v", f.Event, f.ConnID, f.Err)
}

func (f *HandlerFault) Unwrap() error {
	return f.Err
}
