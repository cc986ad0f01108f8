//go:build linux
// +build linux

package node

import (
	"context"
	"net"
	"os/signal"
	"syscall"

	"github.com/fzft/nbconn/log"
	"go.uber.org/zap"
)

// Server runs a reactor with one listener until the context is cancelled or
// the process receives SIGINT, SIGTERM or SIGQUIT.
type Server struct {
	addr      string
	reactor   *Reactor
	factory   ChainFactory
	lifecycle []LifeCycle

	handle *ServerHandle
	ready  chan struct{}
}

// NewServer serves addr on r. The server owns r: Run starts and stops it.
func NewServer(addr string, r *Reactor, factory ChainFactory, lifecycle ...LifeCycle) *Server {
	return &Server{
		addr:      addr,
		reactor:   r,
		factory:   factory,
		lifecycle: lifecycle,
		ready:     make(chan struct{}),
	}
}

func (s *Server) Reactor() *Reactor {
	return s.reactor
}

// Ready is closed once the server accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the bound address, valid after Ready.
func (s *Server) Addr() net.Addr {
	if s.handle == nil {
		return nil
	}
	return s.handle.Addr()
}

func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := s.reactor.Start(ctx); err != nil {
		return err
	}

	handle, err := s.reactor.Listen(s.addr, s.factory, s.lifecycle...)
	if err != nil {
		log.Logger.Error("listen error", zap.String("addr", s.addr), zap.Error(err))
		if serr := s.reactor.Stop(); serr != nil {
			return MultiError{err, serr}
		}
		return err
	}
	s.handle = handle
	close(s.ready)

	log.Logger.Info("server started", zap.String("addr", handle.Addr().String()), zap.Int("workers", s.reactor.Workers()))

	select {
	case <-ctx.Done():
		log.Logger.Info("signal received")
	case <-s.reactor.Done():
	}

	log.Logger.Info("shutting down server")
	_ = handle.Close()
	return s.reactor.Stop()
}
