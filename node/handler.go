package node

// Handler is any value implementing one or more of the capability
// interfaces below. A handler is dispatched only the events it implements.
type Handler any

// ConnectHandler is notified once the connection is established.
// Returning true stops the chain.
type ConnectHandler interface {
	OnConnect(conn Conn) (bool, error)
}

// DataHandler is notified once per readiness event carrying new bytes.
// Returning true stops the chain. ErrUnderflow is not treated as a failure.
type DataHandler interface {
	OnData(conn Conn) (bool, error)
}

// DisconnectHandler is notified exactly once when the connection closes.
// Every DisconnectHandler of a chain is called, whatever it returns.
type DisconnectHandler interface {
	OnDisconnect(conn Conn) (bool, error)
}

// IdleTimeoutHandler is notified when no data was received for the idle
// timeout. If no handler returns true the connection is closed.
type IdleTimeoutHandler interface {
	OnIdleTimeout(conn Conn) (bool, error)
}

// ConnectionTimeoutHandler is notified when the connection outlived its
// connection timeout. If no handler returns true the connection is closed.
type ConnectionTimeoutHandler interface {
	OnConnectionTimeout(conn Conn) (bool, error)
}

// LifeCycle handlers are initialised when a server starts serving and
// destroyed when it stops.
type LifeCycle interface {
	OnInit() error
	OnDestroy() error
}
