package node

import (
	"errors"
	"fmt"
)

const (
	eventConnect           = "OnConnect"
	eventData              = "OnData"
	eventDisconnect        = "OnDisconnect"
	eventIdleTimeout       = "OnIdleTimeout"
	eventConnectionTimeout = "OnConnectionTimeout"
)

// dispatch runs one chain callback and turns anything escaping it into a
// HandlerFault. ErrUnderflow only means the handler waits for more data.
func dispatch(conn Conn, event string, fn func(Conn) (bool, error)) (handled bool, fault *HandlerFault) {
	defer func() {
		if r := recover(); r != nil {
			handled = false
			fault = &HandlerFault{
				ConnID: conn.ID(),
				Event:  event,
				Err:    fmt.Errorf("panic: %v", r),
				Panic:  r,
			}
		}
	}()

	handled, err := fn(conn)
	if err != nil && !errors.Is(err, ErrUnderflow) {
		return handled, &HandlerFault{ConnID: conn.ID(), Event: event, Err: err}
	}
	return handled, nil
}
