//go:build linux
// +build linux

package node

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/fzft/nbconn/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type listener struct {
	fd        int
	file      *os.File
	addr      net.Addr
	factory   ChainFactory
	lifecycle []LifeCycle
	poll      *Poll
	closeOnce sync.Once
	done      chan struct{}
}

func (l *listener) newHandler() (h Handler, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.factory(), nil
}

func (l *listener) destroy() {
	for i := len(l.lifecycle) - 1; i >= 0; i-- {
		if err := l.lifecycle[i].OnDestroy(); err != nil {
			log.Logger.Warn("OnDestroy failed", zap.Error(err))
		}
	}
}

// ServerHandle is a listening socket served by the reactor.
type ServerHandle struct {
	l *listener
}

func (h *ServerHandle) Addr() net.Addr {
	return h.l.addr
}

// Close stops accepting. Connections already accepted stay open.
func (h *ServerHandle) Close() error {
	l := h.l
	if err := l.poll.trigger(func() { l.poll.closeListener(l) }); err != nil {
		// the poll closes its listeners on shutdown
		return nil
	}
	<-l.done
	return nil
}

// Done is closed once the listener is closed.
func (h *ServerHandle) Done() <-chan struct{} {
	return h.l.done
}

// Listen binds addr and serves every accepted connection with a handler made
// by factory. The LifeCycle handlers are initialised before the first accept
// and destroyed when the listener closes. The reactor must be started.
func (r *Reactor) Listen(addr string, factory ChainFactory, lifecycle ...LifeCycle) (*ServerHandle, error) {
	if factory == nil {
		return nil, errors.New("nil chain factory")
	}

	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return nil, errors.New("reactor not started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Logger.Error("listen error", zap.String("addr", addr), zap.Error(err))
		return nil, err
	}

	// the duplicated fd keeps the socket open once ln is closed
	f, err := ln.(*net.TCPListener).File()
	lnAddr := ln.Addr()
	_ = ln.Close()
	if err != nil {
		log.Logger.Error("Failed to get listener fd", zap.Error(err))
		return nil, err
	}

	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = f.Close()
		return nil, os.NewSyscallError("setnonblock", err)
	}

	for i, lc := range lifecycle {
		if err := lc.OnInit(); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = lifecycle[j].OnDestroy()
			}
			_ = f.Close()
			return nil, fmt.Errorf("init handler: %w", err)
		}
	}

	l := &listener{
		fd:        fd,
		file:      f,
		addr:      lnAddr,
		factory:   factory,
		lifecycle: lifecycle,
		done:      make(chan struct{}),
	}

	p := r.polls[(r.nextList.Add(1)-1)%uint64(len(r.polls))]
	errCh := make(chan error, 1)
	if err := p.trigger(func() { errCh <- p.addListener(l) }); err != nil {
		l.destroy()
		_ = f.Close()
		return nil, err
	}

	select {
	case err := <-errCh:
		if err != nil {
			l.destroy()
			_ = f.Close()
			return nil, err
		}
	case <-r.done:
		return nil, ErrReactorStopped
	}

	log.Logger.Info("listening", zap.String("addr", lnAddr.String()), zap.Int("worker", p.id))
	return &ServerHandle{l: l}, nil
}
