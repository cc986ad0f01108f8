//go:build linux
// +build linux

package node

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

const (
	readEvents      = unix.EPOLLPRI | unix.EPOLLIN | unix.EPOLLRDHUP
	writeEvents     = unix.EPOLLOUT
	readWriteEvents = readEvents | writeEvents
)

// Registry is a wrapper around epoll. It keeps track of the fds registered to
// epoll and their interest set. Writers on foreign goroutines arm EPOLLOUT
// concurrently with the loop, hence the mutex.
type Registry struct {
	epollFd int

	mu       sync.Mutex
	epollSet map[int]uint32
	closed   bool
}

func NewRegistry(epollFd int) *Registry {
	return &Registry{
		epollFd:  epollFd,
		epollSet: make(map[int]uint32),
	}
}

// registerRead registers fd to epoll for read events.
func (r *Registry) registerRead(fd int) error {
	return r.register(fd, readEvents)
}

// registerWrite registers fd for write events only, used while a connect is in flight.
func (r *Registry) registerWrite(fd int) error {
	return r.register(fd, writeEvents)
}

// registerReadWrite registers fd to epoll for read and write events.
func (r *Registry) registerReadWrite(fd int) error {
	return r.register(fd, readWriteEvents)
}

// deregisterWrite stops monitoring write events, fd keeps being monitored for reads.
func (r *Registry) deregisterWrite(fd int) error {
	return r.registerRead(fd)
}

func (r *Registry) register(fd int, events uint32) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrReactorStopped
	}

	cur, ok := r.epollSet[fd]
	if ok && cur == events {
		return nil
	}

	if ok {
		err = r.mod(fd, events)
	} else {
		err = r.add(fd, events)
	}

	if err != nil {
		return err
	}

	r.epollSet[fd] = events
	return nil
}

// unregister removes fd from epoll.
func (r *Registry) unregister(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.epollSet[fd]; !ok {
		return nil
	}
	delete(r.epollSet, fd)

	if r.closed {
		return nil
	}
	return r.Delete(fd)
}

// closeAndClearAllFDs removes every remaining fd from epoll and closes it.
func (r *Registry) closeAndClearAllFDs() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs MultiError
	for fd := range r.epollSet {
		if err := r.Delete(fd); err != nil {
			errs = append(errs, fmt.Errorf("delete fd: %d error: %w", fd, err))
		}
		if err := unix.Close(fd); err != nil {
			errs = append(errs, fmt.Errorf("close fd: %d error: %w", fd, err))
		}
		delete(r.epollSet, fd)
	}
	r.closed = true

	return errs.ErrOrNil()
}

func (r *Registry) add(fd int, events uint32) error {
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}))
}

func (r *Registry) mod(fd int, events uint32) error {
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}))
}

func (r *Registry) Delete(fd int) error {
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_DEL, fd, nil))
}
