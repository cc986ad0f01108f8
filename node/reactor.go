//go:build linux
// +build linux

package node

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/fzft/nbconn/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Reactor is a pool of single-threaded epoll workers. A connection is
// assigned to one worker when it is accepted or dialed and stays there.
type Reactor struct {
	opts    *Options
	polls   []*Poll
	metrics *Metrics

	next     atomic.Uint64
	nextList atomic.Uint64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

func NewReactor(opts ...Option) (*Reactor, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	o.normalize()

	r := &Reactor{
		opts:    o,
		metrics: o.Metrics,
		done:    make(chan struct{}),
	}

	for i := 0; i < o.Workers; i++ {
		p, err := NewPoll(i, r)
		if err != nil {
			for _, q := range r.polls {
				_ = q.closeGracefully()
			}
			return nil, err
		}
		r.polls = append(r.polls, p)
	}

	return r, nil
}

// Start runs every worker until ctx is cancelled or Stop is called. A worker
// failing stops the others.
func (r *Reactor) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.New("reactor already started")
	}
	select {
	case <-r.done:
		return ErrReactorStopped
	default:
	}
	r.started = true

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range r.polls {
		p := p
		g.Go(p.poll)
	}
	g.Go(func() error {
		<-gctx.Done()
		for _, p := range r.polls {
			p.stop()
		}
		return nil
	})

	go func() {
		err := g.Wait()
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.done)
	}()

	log.Logger.Debug("reactor started", zap.Int("workers", len(r.polls)))
	return nil
}

// Stop closes every connection and listener and waits for the workers to exit.
func (r *Reactor) Stop() error {
	r.mu.Lock()
	started := r.started
	cancel := r.cancel
	r.started = true
	r.mu.Unlock()

	if !started {
		var errs MultiError
		for _, p := range r.polls {
			if err := p.closeGracefully(); err != nil {
				errs = append(errs, err)
			}
		}
		select {
		case <-r.done:
		default:
			close(r.done)
		}
		return errs.ErrOrNil()
	}

	cancel()
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done is closed once every worker has exited.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

func (r *Reactor) Metrics() *Metrics {
	return r.metrics
}

func (r *Reactor) Workers() int {
	return len(r.polls)
}

func (r *Reactor) pickPoll(id uint64) *Poll {
	n := uint64(len(r.polls))
	if r.opts.Assignment == AssignHash {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], id)
		return r.polls[xxhash.Sum64(b[:])%n]
	}
	return r.polls[(r.next.Add(1)-1)%n]
}

// ConnectAsync starts a non-blocking connect to addr and returns at once. h
// receives OnConnect once the connection is established; a failed connect
// ends with OnDisconnect.
func (r *Reactor) ConnectAsync(addr string, h Handler) (Conn, error) {
	c, err := r.dial(addr, h)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials addr and waits for the connection to be established. Without
// a deadline on ctx the reactor connect timeout applies.
func (r *Reactor) Connect(ctx context.Context, addr string, h Handler) (Conn, error) {
	c, err := r.dial(addr, h)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ConnectTimeout)
		defer cancel()
	}

	select {
	case <-c.established:
		if c.connErr != nil {
			return nil, asConnectError(addr, c.connErr)
		}
		return c, nil
	case <-ctx.Done():
		_ = c.Close()
		r.metrics.connectFailed()
		return nil, &ConnectError{Addr: addr, Err: ctx.Err()}
	}
}

// ConnectHostPort is Connect for a separate host and port.
func (r *Reactor) ConnectHostPort(ctx context.Context, host string, port int, h Handler) (Conn, error) {
	return r.Connect(ctx, net.JoinHostPort(host, strconv.Itoa(port)), h)
}

func (r *Reactor) dial(addr string, h Handler) (*connection, error) {
	sa, family, raddr, err := resolveSockaddr(addr)
	if err != nil {
		r.metrics.connectFailed()
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		r.metrics.connectFailed()
		return nil, &ConnectError{Addr: addr, Err: os.NewSyscallError("socket", err)}
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	if err := unix.Connect(fd, sa); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(fd)
		r.metrics.connectFailed()
		return nil, &ConnectError{Addr: addr, Err: os.NewSyscallError("connect", err)}
	}

	id := nextConnID()
	p := r.pickPoll(id)
	c := newConnection(id, fd, p, h, directionOutbound, localAddr(fd), raddr)
	c.state.Store(int32(StateConnecting))

	if err := p.trigger(func() { p.adoptConnecting(c) }); err != nil {
		_ = unix.Close(fd)
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	return c, nil
}

func asConnectError(addr string, err error) error {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	return &ConnectError{Addr: addr, Err: err}
}

var (
	defaultReactorOnce sync.Once
	defaultReactor     *Reactor
	defaultReactorErr  error
)

// DefaultReactor returns a lazily started single-worker reactor for clients
// that do not manage one themselves.
func DefaultReactor() (*Reactor, error) {
	defaultReactorOnce.Do(func() {
		r, err := NewReactor(WithWorkers(1))
		if err != nil {
			defaultReactorErr = err
			return
		}
		if err := r.Start(context.Background()); err != nil {
			defaultReactorErr = err
			return
		}
		defaultReactor = r
	})
	return defaultReactor, defaultReactorErr
}

// Connect dials host:port on the default reactor.
func Connect(ctx context.Context, host string, port int, h Handler) (Conn, error) {
	r, err := DefaultReactor()
	if err != nil {
		return nil, err
	}
	return r.ConnectHostPort(ctx, host, port, h)
}
