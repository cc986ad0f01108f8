//go:build linux
// +build linux

package node

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/fzft/nbconn/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type pipeSignal uint64

const (
	signalWake pipeSignal = 1
)

// Poll is one worker of the reactor: a single goroutine driving an epoll
// instance. Every connection, listener and timer it owns is only touched from
// that goroutine; other goroutines hand work over with trigger.
type Poll struct {
	*Registry
	id      int
	reactor *Reactor
	opts    *Options
	metrics *Metrics
	epollFd int
	efd     int
	scratch []byte

	listeners map[int]*listener
	conns     map[int]*connection
	timers    timerQueue
	lastSweep time.Time

	tasksMu sync.Mutex
	tasks   []func()
	stopped bool

	stopping  atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func NewPoll(id int, r *Reactor) (*Poll, error) {
	// Create a new epoll instance
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		log.Logger.Error("Failed to create epoll", zap.Error(err))
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		log.Logger.Error("Failed to create eventfd", zap.Error(err))
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	reg := NewRegistry(epfd)

	// Register the eventfd to epoll for read events
	if err := reg.registerRead(efd); err != nil {
		log.Logger.Error("Failed to add eventfd to epoll", zap.Error(err))
		_ = unix.Close(efd)
		_ = unix.Close(epfd)
		return nil, err
	}

	return &Poll{
		Registry:  reg,
		id:        id,
		reactor:   r,
		opts:      r.opts,
		metrics:   r.metrics,
		epollFd:   epfd,
		efd:       efd,
		scratch:   make([]byte, r.opts.ReadChunk),
		listeners: make(map[int]*listener),
		conns:     make(map[int]*connection),
	}, nil
}

// trigger queues fn to run on the loop and wakes it up.
func (p *Poll) trigger(fn func()) error {
	p.tasksMu.Lock()
	if p.stopped {
		p.tasksMu.Unlock()
		return ErrReactorStopped
	}
	p.tasks = append(p.tasks, fn)
	p.tasksMu.Unlock()

	return p.sendSignal(signalWake)
}

func (p *Poll) stop() {
	p.stopping.Store(true)
	_ = p.sendSignal(signalWake)
}

func (p *Poll) poll() error {
	events := make([]unix.EpollEvent, p.opts.MaxEvents)
	msec := int(p.opts.PollTick / time.Millisecond)
	if msec <= 0 {
		msec = 1
	}

	log.Logger.Debug("poll started", zap.Int("worker", p.id))
	defer log.Logger.Debug("poll stopped", zap.Int("worker", p.id))

	for {
		// level triggered; the bounded timeout drives housekeeping
		n, err := unix.EpollWait(p.epollFd, events, msec)
		if err != nil && !errors.Is(err, unix.EINTR) {
			log.Logger.Error("epoll wait error", zap.Int("worker", p.id), zap.Error(err))
			if cerr := p.closeGracefully(); cerr != nil {
				return MultiError{os.NewSyscallError("epoll_wait", err), cerr}
			}
			return os.NewSyscallError("epoll_wait", err)
		}

		stop := false
		for i := 0; i < n; i++ {
			ev := &events[i]
			switch err := p.processEvent(int(ev.Fd), ev.Events); {
			case err == nil:
			case errors.Is(err, ErrSignalStopped):
				stop = true
			default:
				log.Logger.Error("Failed to process event", zap.Int("worker", p.id), zap.Error(err))
			}
		}

		p.runTasks()

		if stop || p.stopping.Load() {
			return p.closeGracefully()
		}

		p.housekeeping(time.Now())
	}
}

func (p *Poll) processEvent(fd int, events uint32) error {
	if fd == p.efd {
		// if the fd is the read end of the eventfd, it means that there is a signal to handle
		return p.handleSignal(fd)
	}

	if ln, ok := p.listeners[fd]; ok {
		return p.accept(ln)
	}

	c, ok := p.conns[fd]
	if !ok {
		log.Logger.Debug("event for unknown fd", zap.Int("fd", fd))
		return p.unregister(fd)
	}

	if c.State() == StateConnecting {
		c.completeConnect()
		return nil
	}

	if events&(readEvents|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		c.readReady(p.scratch)
	}

	if events&unix.EPOLLOUT != 0 && c.IsOpen() {
		c.writeReady()
	}
	return nil
}

// handleSignal drains the eventfd counter.
func (p *Poll) handleSignal(fd int) error {
	var buf uint64
	_, err := unix.Read(fd, (*(*[8]byte)(unsafe.Pointer(&buf)))[:])
	if err != nil && !IsTemporaryError(err) {
		log.Logger.Error("Failed to read from event fd", zap.Error(err))
	}
	if p.stopping.Load() {
		return ErrSignalStopped
	}
	return nil
}

// sendSignal sends a signal to the event fd
func (p *Poll) sendSignal(sig pipeSignal) error {
	_, err := unix.Write(p.efd, (*(*[8]byte)(unsafe.Pointer(&sig)))[:])
	if err != nil && !IsTemporaryError(err) {
		log.Logger.Error("Failed to write to event fd", zap.Error(err))
		return err
	}
	return nil
}

func (p *Poll) runTasks() {
	p.tasksMu.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.tasksMu.Unlock()

	for _, fn := range tasks {
		p.runTask(fn)
	}
}

func (p *Poll) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error("task panicked", zap.Int("worker", p.id), zap.Any("panic", r))
		}
	}()
	fn()
}

// housekeeping retries throttled writes, checks timeouts and fires timers.
func (p *Poll) housekeeping(now time.Time) {
	if now.Sub(p.lastSweep) >= p.opts.PollTick {
		p.lastSweep = now
		for _, c := range p.conns {
			c.tick(now)
		}
	}
	p.timers.runDue(now)
}

// accept drains the listener backlog. Each new connection is handed to the
// worker chosen by the reactor.
func (p *Poll) accept(ln *listener) error {
	for {
		nfd, sa, err := unix.Accept4(ln.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if IsTemporaryError(err) {
				return nil
			}
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			return fmt.Errorf("accept error: %w", err)
		}

		h, err := ln.newHandler()
		if err != nil {
			log.Logger.Error("chain factory failed", zap.Error(err))
			_ = unix.Close(nfd)
			continue
		}

		id := nextConnID()
		target := p.reactor.pickPoll(id)
		c := newConnection(id, nfd, target, h, directionInbound, localAddr(nfd), sockaddrToAddr(sa))
		c.state.Store(int32(StateOpen))

		if target == p {
			p.adopt(c)
			continue
		}
		if err := target.trigger(func() { target.adopt(c) }); err != nil {
			_ = unix.Close(nfd)
		}
	}
}

// adopt takes ownership of an accepted connection and delivers OnConnect.
func (p *Poll) adopt(c *connection) {
	if err := p.registerRead(c.fd); err != nil {
		log.Logger.Error("register read error", zap.Int("fd", c.fd), zap.Error(err))
		_ = unix.Close(c.fd)
		return
	}
	p.conns[c.fd] = c
	c.opened(time.Now())

	log.Logger.Debug("new connection",
		zap.Uint64("conn", c.id),
		zap.Int("worker", p.id),
		zap.String("remote", addrString(c.remote)))

	c.fireConnect()
}

// adoptConnecting takes ownership of an outbound connection whose connect is in flight.
func (p *Poll) adoptConnecting(c *connection) {
	p.conns[c.fd] = c
	if err := p.registerWrite(c.fd); err != nil {
		c.connectFailed(err)
	}
}

func (p *Poll) addListener(l *listener) error {
	if err := p.registerRead(l.fd); err != nil {
		return err
	}
	l.poll = p
	p.listeners[l.fd] = l
	return nil
}

func (p *Poll) closeListener(l *listener) {
	l.closeOnce.Do(func() {
		if err := p.unregister(l.fd); err != nil {
			log.Logger.Debug("Failed to delete listener from epoll", zap.Error(err))
		}
		delete(p.listeners, l.fd)
		if err := l.file.Close(); err != nil {
			log.Logger.Debug("Failed to close listener", zap.Error(err))
		}
		l.destroy()
		close(l.done)
	})
}

// closeGracefully order: pending tasks, connections, listeners, eventfd, epoll
// prevent the fd leak
func (p *Poll) closeGracefully() error {
	p.closeOnce.Do(func() {
		p.tasksMu.Lock()
		p.stopped = true
		p.tasksMu.Unlock()

		// tasks queued before the stop may still adopt connections
		for {
			p.tasksMu.Lock()
			empty := len(p.tasks) == 0
			p.tasksMu.Unlock()
			if empty {
				break
			}
			p.runTasks()
		}

		for _, c := range p.conns {
			c.beginClose()
			c.release()
		}

		for _, l := range p.listeners {
			p.closeListener(l)
		}

		var errs MultiError

		if err := p.unregister(p.efd); err != nil {
			log.Logger.Debug("Failed to delete eventfd from epoll", zap.Error(err))
		}
		if err := CloseFd(p.efd); err != nil {
			errs = append(errs, fmt.Errorf("close eventfd: %w", err))
		}

		if err := p.closeAndClearAllFDs(); err != nil {
			errs = append(errs, err)
		}

		if err := CloseFd(p.epollFd); err != nil {
			errs = append(errs, fmt.Errorf("close epoll: %w", err))
		}

		p.closeErr = errs.ErrOrNil()
	})
	return p.closeErr
}
