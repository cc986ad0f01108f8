package node

import (
	"fmt"
)

// Chain dispatches connection events to an ordered list of handlers.
//
// OnConnect, OnData and the timeout events stop at the first handler
// returning true. OnDisconnect is delivered to every handler. A Chain is a
// Handler itself, so chains nest.
//
// The chain must not be modified once it serves connections.
type Chain struct {
	handlers    []Handler
	connect     []ConnectHandler
	data        []DataHandler
	disconnect  []DisconnectHandler
	idle        []IdleTimeoutHandler
	connTimeout []ConnectionTimeoutHandler
	lifecycle   []LifeCycle
}

func NewChain(handlers ...Handler) *Chain {
	c := &Chain{}
	for _, h := range handlers {
		c.AddLast(h)
	}
	return c
}

// AddLast appends h. A nil handler is ignored.
func (c *Chain) AddLast(h Handler) *Chain {
	if h == nil {
		return c
	}
	c.handlers = append(c.handlers, h)
	if v, ok := h.(ConnectHandler); ok {
		c.connect = append(c.connect, v)
	}
	if v, ok := h.(DataHandler); ok {
		c.data = append(c.data, v)
	}
	if v, ok := h.(DisconnectHandler); ok {
		c.disconnect = append(c.disconnect, v)
	}
	if v, ok := h.(IdleTimeoutHandler); ok {
		c.idle = append(c.idle, v)
	}
	if v, ok := h.(ConnectionTimeoutHandler); ok {
		c.connTimeout = append(c.connTimeout, v)
	}
	if v, ok := h.(LifeCycle); ok {
		c.lifecycle = append(c.lifecycle, v)
	}
	return c
}

func (c *Chain) Len() int {
	return len(c.handlers)
}

func (c *Chain) Handlers() []Handler {
	out := make([]Handler, len(c.handlers))
	copy(out, c.handlers)
	return out
}

func (c *Chain) OnConnect(conn Conn) (bool, error) {
	for _, h := range c.connect {
		handled, err := h.OnConnect(conn)
		if err != nil {
			return false, err
		}
		if handled {
			return true, nil
		}
	}
	return false, nil
}

func (c *Chain) OnData(conn Conn) (bool, error) {
	for _, h := range c.data {
		handled, err := h.OnData(conn)
		if err != nil {
			return false, err
		}
		if handled {
			return true, nil
		}
	}
	return false, nil
}

// OnDisconnect notifies every handler. A failing or panicking handler does
// not keep the following ones from being notified; their errors are
// aggregated.
func (c *Chain) OnDisconnect(conn Conn) (bool, error) {
	var errs MultiError
	for _, h := range c.disconnect {
		if err := notifyDisconnect(h, conn); err != nil {
			errs = append(errs, err)
		}
	}
	return false, errs.ErrOrNil()
}

func notifyDisconnect(h DisconnectHandler, conn Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	_, err = h.OnDisconnect(conn)
	return err
}

func (c *Chain) OnIdleTimeout(conn Conn) (bool, error) {
	for _, h := range c.idle {
		handled, err := h.OnIdleTimeout(conn)
		if err != nil {
			return false, err
		}
		if handled {
			return true, nil
		}
	}
	return false, nil
}

func (c *Chain) OnConnectionTimeout(conn Conn) (bool, error) {
	for _, h := range c.connTimeout {
		handled, err := h.OnConnectionTimeout(conn)
		if err != nil {
			return false, err
		}
		if handled {
			return true, nil
		}
	}
	return false, nil
}

// OnInit initialises the LifeCycle handlers in chain order.
func (c *Chain) OnInit() error {
	for _, h := range c.lifecycle {
		if err := h.OnInit(); err != nil {
			return err
		}
	}
	return nil
}

// OnDestroy destroys every LifeCycle handler, in reverse order.
func (c *Chain) OnDestroy() error {
	var errs MultiError
	for i := len(c.lifecycle) - 1; i >= 0; i-- {
		if err := c.lifecycle[i].OnDestroy(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs.ErrOrNil()
}

// ChainFactory builds the handler serving one accepted connection. Returning
// a fresh value per call gives every connection its own handler state.
type ChainFactory func() Handler

// StaticChain shares h between all connections.
func StaticChain(h Handler) ChainFactory {
	return func() Handler {
		return h
	}
}

// asChain wraps h unless it already is a chain.
func asChain(h Handler) *Chain {
	if c, ok := h.(*Chain); ok && c != nil {
		return c
	}
	return NewChain(h)
}
