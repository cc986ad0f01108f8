//go:build linux
// +build linux

package node

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fzft/nbconn/buffer"
	"github.com/fzft/nbconn/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

const (
	maxIovecs        = 64
	maxReadsPerEvent = 16
)

var connIDs atomic.Uint64

func nextConnID() uint64 {
	return connIDs.Add(1)
}

type attachment struct {
	v any
}

// connection is the epoll backed Conn. Its fd is owned by one Poll for life;
// reads, handler callbacks and release happen on that loop. Writes may come
// from any goroutine and are serialized by wmu.
type connection struct {
	id        uint64
	fd        int
	local     net.Addr
	remote    net.Addr
	direction string
	poll      *Poll
	chain     *Chain
	metrics   *Metrics

	state     atomic.Int32
	flushMode atomic.Int32

	rmu     sync.Mutex
	inbound *buffer.Buffer

	wmu        sync.Mutex
	wq         [][]byte
	iov        [][]byte
	pending    int
	writeArmed bool
	fdClosed   bool
	limiter    *rate.Limiter
	writeRate  int

	enqueued atomic.Uint64
	written  atomic.Uint64

	notify     notifier
	attachment atomic.Pointer[attachment]

	// loop only
	openedAt   time.Time
	peerClosed bool

	lastActivity     atomic.Int64
	idleTimeout      atomic.Int64
	connTimeout      atomic.Int64
	connTimeoutFired atomic.Bool

	timersMu sync.Mutex
	timers   []*timer

	established chan struct{}
	estOnce     sync.Once
	connErr     error

	releaseOnce sync.Once
}

func newConnection(id uint64, fd int, p *Poll, h Handler, direction string, local, remote net.Addr) *connection {
	opts := p.opts
	c := &connection{
		id:          id,
		fd:          fd,
		local:       local,
		remote:      remote,
		direction:   direction,
		poll:        p,
		chain:       asChain(h),
		metrics:     p.metrics,
		inbound:     buffer.New(),
		established: make(chan struct{}),
	}
	c.flushMode.Store(int32(opts.FlushMode))
	c.setRateLocked(opts.WriteRate)
	c.idleTimeout.Store(int64(opts.IdleTimeout))
	c.connTimeout.Store(int64(opts.ConnectionTimeout))
	return c
}

func (c *connection) ID() uint64 {
	return c.id
}

func (c *connection) LocalAddr() net.Addr {
	return c.local
}

func (c *connection) RemoteAddr() net.Addr {
	return c.remote
}

func (c *connection) State() State {
	return State(c.state.Load())
}

func (c *connection) IsOpen() bool {
	return c.State() == StateOpen
}

func (c *connection) Write(p []byte) (int, error) {
	if _, err := c.enqueue(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *connection) WriteString(s string) (int, error) {
	return c.Write([]byte(s))
}

// enqueue appends a copy of p to the write queue and returns the total
// number of bytes enqueued so far, which a blocking writer waits for.
func (c *connection) enqueue(p []byte) (uint64, error) {
	if st := c.State(); st == StateClosing || st == StateClosed {
		return 0, ErrClosed
	}

	c.wmu.Lock()
	if c.fdClosed {
		c.wmu.Unlock()
		return 0, ErrClosed
	}

	if len(p) > 0 {
		buf := make([]byte, len(p))
		copy(buf, p)
		c.wq = append(c.wq, buf)
		c.pending += len(buf)
	}
	target := c.enqueued.Add(uint64(len(p)))

	var err error
	switch {
	case c.State() == StateConnecting:
		// sent once the connect completes
	case c.FlushMode() == FlushAsync:
		if c.pending > 0 {
			c.armWriteLocked()
		}
	default:
		err = c.drainLocked(false)
	}
	c.wmu.Unlock()

	if err != nil {
		log.Logger.Debug("write error", zap.Uint64("conn", c.id), zap.Error(err))
		_ = c.Close()
		return target, err
	}
	return target, nil
}

func (c *connection) Flush() error {
	if st := c.State(); st == StateClosing || st == StateClosed {
		return ErrClosed
	}

	c.wmu.Lock()
	if c.fdClosed {
		c.wmu.Unlock()
		return ErrClosed
	}
	if c.State() == StateConnecting {
		c.wmu.Unlock()
		return nil
	}
	err := c.drainLocked(false)
	c.wmu.Unlock()

	if err != nil {
		_ = c.Close()
	}
	return err
}

// drainLocked writes queued bytes until the queue is empty, the socket is
// full or the throttle quota is used up. It arms EPOLLOUT only when the
// socket is full; throttled leftovers are retried by the housekeeping tick.
func (c *connection) drainLocked(ignoreRate bool) error {
	if c.fdClosed {
		return ErrClosed
	}

	blocked := false
	wrote := 0
	for c.pending > 0 {
		now := time.Now()
		throttled := c.limiter != nil && !ignoreRate

		quota := c.pending
		if throttled {
			tokens := int(c.limiter.TokensAt(now))
			if tokens <= 0 {
				break
			}
			if tokens < quota {
				quota = tokens
			}
		}

		iovs, size := c.iovecs(quota)
		n, err := unix.Writev(c.fd, iovs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if IsTemporaryError(err) {
				blocked = true
				break
			}
			return err
		}

		if throttled {
			c.limiter.AllowN(now, n)
		}
		c.advanceLocked(n)
		wrote += n

		if n < size {
			blocked = true
			break
		}
	}

	if wrote > 0 {
		c.written.Add(uint64(wrote))
		c.metrics.written(wrote)
		c.notify.broadcast()
	}

	if blocked && c.pending > 0 {
		c.armWriteLocked()
	} else {
		c.disarmWriteLocked()
	}
	return nil
}

func (c *connection) iovecs(quota int) ([][]byte, int) {
	iovs := c.iov[:0]
	size := 0
	for _, b := range c.wq {
		if len(iovs) == maxIovecs || size == quota {
			break
		}
		if size+len(b) > quota {
			b = b[:quota-size]
		}
		iovs = append(iovs, b)
		size += len(b)
	}
	c.iov = iovs
	return iovs, size
}

func (c *connection) advanceLocked(n int) {
	c.pending -= n
	for n > 0 {
		head := c.wq[0]
		if n < len(head) {
			c.wq[0] = head[n:]
			return
		}
		n -= len(head)
		c.wq[0] = nil
		c.wq = c.wq[1:]
	}
	if len(c.wq) == 0 {
		c.wq = nil
	}
}

func (c *connection) armWriteLocked() {
	if c.writeArmed || c.fdClosed {
		return
	}
	if err := c.poll.registerReadWrite(c.fd); err != nil {
		log.Logger.Debug("failed to register write", zap.Uint64("conn", c.id), zap.Error(err))
		return
	}
	c.writeArmed = true
}

func (c *connection) disarmWriteLocked() {
	if !c.writeArmed || c.fdClosed {
		return
	}
	if err := c.poll.deregisterWrite(c.fd); err != nil {
		log.Logger.Debug("failed to deregister write", zap.Uint64("conn", c.id), zap.Error(err))
		return
	}
	c.writeArmed = false
}

func (c *connection) ReadStringByDelimiter(delim string) (string, error) {
	p, err := c.ReadBytesByDelimiter([]byte(delim))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func (c *connection) ReadBytesByDelimiter(delim []byte) ([]byte, error) {
	return c.ReadBytesByDelimiterMax(delim, -1)
}

// Bytes received before the peer closed stay readable; once they cannot
// satisfy a read on a closed connection the read fails with ErrClosed.
func (c *connection) ReadBytesByDelimiterMax(delim []byte, max int) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	p, err := c.inbound.ReadUntilDelimiterMax(delim, max)
	return p, c.readErr(err)
}

func (c *connection) ReadExact(n int) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	p, err := c.inbound.ReadExact(n)
	return p, c.readErr(err)
}

func (c *connection) readErr(err error) error {
	if errors.Is(err, ErrUnderflow) && c.State() == StateClosed {
		return ErrClosed
	}
	return err
}

func (c *connection) ReadAvailable() []byte {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.inbound.ReadAvailable()
}

func (c *connection) Available() int {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.inbound.Available()
}

func (c *connection) SetFlushMode(mode FlushMode) {
	prev := FlushMode(c.flushMode.Swap(int32(mode)))
	if prev == FlushAsync && mode == FlushSync && c.PendingWriteBytes() > 0 {
		_ = c.Flush()
	}
}

func (c *connection) FlushMode() FlushMode {
	return FlushMode(c.flushMode.Load())
}

func (c *connection) SetWriteTransferRate(bytesPerSecond int) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.setRateLocked(bytesPerSecond)
}

func (c *connection) setRateLocked(bytesPerSecond int) {
	if bytesPerSecond <= UnlimitedRate {
		c.writeRate = UnlimitedRate
		c.limiter = nil
		return
	}
	c.writeRate = bytesPerSecond
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
		return
	}
	c.limiter.SetLimit(rate.Limit(bytesPerSecond))
	c.limiter.SetBurst(bytesPerSecond)
}

func (c *connection) WriteTransferRate() int {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.writeRate
}

func (c *connection) PendingWriteBytes() int {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.pending
}

func (c *connection) SetIdleTimeout(d time.Duration) {
	c.idleTimeout.Store(int64(d))
}

func (c *connection) SetConnectionTimeout(d time.Duration) {
	c.connTimeout.Store(int64(d))
	c.connTimeoutFired.Store(false)
}

func (c *connection) Attachment() any {
	if a := c.attachment.Load(); a != nil {
		return a.v
	}
	return nil
}

func (c *connection) SetAttachment(v any) {
	if v == nil {
		c.attachment.Store(nil)
		return
	}
	c.attachment.Store(&attachment{v: v})
}

func (c *connection) Schedule(interval time.Duration, fn func(Conn)) func() {
	if interval <= 0 || fn == nil {
		return func() {}
	}

	t := &timer{interval: interval}
	t.fn = func() {
		if !c.IsOpen() {
			t.stop()
			return
		}
		_, fault := dispatch(c, "Schedule", func(conn Conn) (bool, error) {
			fn(conn)
			return false, nil
		})
		if fault != nil {
			t.stop()
			c.handleFault(fault)
		}
	}

	c.timersMu.Lock()
	if st := c.State(); st == StateClosing || st == StateClosed {
		c.timersMu.Unlock()
		return func() {}
	}
	c.timers = append(c.timers, t)
	c.timersMu.Unlock()

	p := c.poll
	if err := p.trigger(func() {
		t.at = time.Now().Add(interval)
		p.timers.add(t)
	}); err != nil {
		t.stop()
	}
	return t.stop
}

func (c *connection) cancelTimers() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	for _, t := range c.timers {
		t.stop()
	}
	c.timers = nil
}

// Close moves the connection to closing, flushes what the socket accepts
// right now and hands the release to the owning loop.
func (c *connection) Close() error {
	if !c.beginClose() {
		return nil
	}
	c.notify.broadcast()
	if err := c.poll.trigger(c.release); err != nil {
		// the loop is shutting down and releases all of its connections itself
		log.Logger.Debug("close deferred to poll shutdown", zap.Uint64("conn", c.id))
	}
	return nil
}

func (c *connection) beginClose() bool {
	for {
		st := c.State()
		if st == StateClosing || st == StateClosed {
			return false
		}
		if !c.state.CompareAndSwap(int32(st), int32(StateClosing)) {
			continue
		}
		if st == StateOpen {
			c.wmu.Lock()
			if c.pending > 0 {
				_ = c.drainLocked(true)
			}
			c.wmu.Unlock()
		}
		return true
	}
}

// shutdown closes the connection from its own loop without a task round trip.
func (c *connection) shutdown() {
	c.beginClose()
	c.release()
}

// release frees every resource of the connection and delivers OnDisconnect.
// It runs once, on the owning loop.
func (c *connection) release() {
	c.releaseOnce.Do(func() {
		p := c.poll

		c.wmu.Lock()
		if err := p.unregister(c.fd); err != nil {
			log.Logger.Debug("failed to unregister fd", zap.Int("fd", c.fd), zap.Error(err))
		}
		if err := unix.Close(c.fd); err != nil {
			log.Logger.Debug("failed to close fd", zap.Int("fd", c.fd), zap.Error(err))
		}
		c.fdClosed = true
		c.wq = nil
		c.iov = nil
		c.pending = 0
		c.writeArmed = false
		c.wmu.Unlock()

		if p.conns[c.fd] == c {
			delete(p.conns, c.fd)
		}

		// a peer close keeps what arrived readable
		if !c.peerClosed {
			c.rmu.Lock()
			c.inbound.Reset()
			c.rmu.Unlock()
		}

		c.cancelTimers()
		c.settle(ErrClosed)
		if !c.openedAt.IsZero() {
			c.metrics.connClosed()
		}

		if _, fault := dispatch(c, eventDisconnect, c.chain.OnDisconnect); fault != nil {
			log.Logger.Error("handler fault", zap.Uint64("conn", c.id), zap.String("event", fault.Event), zap.Error(fault))
			c.metrics.fault(fault.Event)
		}

		c.state.Store(int32(StateClosed))
		c.notify.broadcast()
		log.Logger.Debug("connection closed", zap.Uint64("conn", c.id))
	})
}

// settle publishes the outcome of the connect to waiters in Connect.
func (c *connection) settle(err error) {
	c.estOnce.Do(func() {
		c.connErr = err
		close(c.established)
	})
}

func (c *connection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

// opened marks the connection established. Loop only.
func (c *connection) opened(now time.Time) {
	c.openedAt = now
	c.touch(now)
	c.metrics.connOpened(c.direction)
	c.settle(nil)
}

// completeConnect finishes a non-blocking connect once the socket reported
// writability or an error.
func (c *connection) completeConnect() {
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && errno != 0 {
		err = unix.Errno(errno)
	}
	if err != nil {
		c.connectFailed(err)
		return
	}

	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		// closed while connecting, the release task is queued
		return
	}

	c.wmu.Lock()
	if err := c.poll.registerRead(c.fd); err != nil {
		c.wmu.Unlock()
		c.connectFailed(err)
		return
	}
	c.writeArmed = false
	c.wmu.Unlock()

	c.opened(time.Now())
	log.Logger.Debug("connection established", zap.Uint64("conn", c.id), zap.String("remote", addrString(c.remote)))

	c.fireConnect()

	if c.IsOpen() && c.PendingWriteBytes() > 0 {
		c.writeReady()
	}
}

func (c *connection) connectFailed(err error) {
	c.metrics.connectFailed()
	log.Logger.Debug("connect failed", zap.Uint64("conn", c.id), zap.Error(err))
	c.settle(&ConnectError{Addr: addrString(c.remote), Err: err})
	c.shutdown()
}

// readReady drains the socket into the inbound buffer and dispatches OnData
// once for everything read.
func (c *connection) readReady(scratch []byte) {
	total := 0
	eof := false
	var readErr error

	for i := 0; i < maxReadsPerEvent; i++ {
		n, err := unix.Read(c.fd, scratch)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if !IsTemporaryError(err) {
				readErr = err
			}
			break
		}
		if n == 0 {
			eof = true
			break
		}

		c.rmu.Lock()
		c.inbound.Append(scratch[:n])
		c.rmu.Unlock()
		total += n

		if n < len(scratch) {
			break
		}
	}

	if total > 0 {
		c.touch(time.Now())
		c.metrics.read(total)
		c.notify.broadcast()
		c.fireData()
	}

	if readErr != nil {
		log.Logger.Debug("read error", zap.Uint64("conn", c.id), zap.Error(readErr))
	}
	if eof || readErr != nil {
		c.peerClosed = true
		c.shutdown()
	}
}

func (c *connection) writeReady() {
	c.wmu.Lock()
	err := c.drainLocked(false)
	c.wmu.Unlock()

	if err != nil && !errors.Is(err, ErrClosed) {
		log.Logger.Debug("write error", zap.Uint64("conn", c.id), zap.Error(err))
		c.shutdown()
	}
}

func (c *connection) fireConnect() {
	if _, fault := dispatch(c, eventConnect, c.chain.OnConnect); fault != nil {
		c.handleFault(fault)
	}
}

func (c *connection) fireData() {
	if !c.IsOpen() {
		return
	}
	if _, fault := dispatch(c, eventData, c.chain.OnData); fault != nil {
		c.handleFault(fault)
	}
}

func (c *connection) fireIdleTimeout() {
	handled, fault := dispatch(c, eventIdleTimeout, c.chain.OnIdleTimeout)
	if fault != nil {
		c.handleFault(fault)
		return
	}
	if !handled {
		log.Logger.Debug("idle timeout", zap.Uint64("conn", c.id))
		c.shutdown()
		return
	}
	c.touch(time.Now())
}

func (c *connection) fireConnectionTimeout() {
	c.connTimeoutFired.Store(true)
	handled, fault := dispatch(c, eventConnectionTimeout, c.chain.OnConnectionTimeout)
	if fault != nil {
		c.handleFault(fault)
		return
	}
	if !handled {
		log.Logger.Debug("connection timeout", zap.Uint64("conn", c.id))
		c.shutdown()
	}
}

func (c *connection) handleFault(f *HandlerFault) {
	log.Logger.Error("handler fault", zap.Uint64("conn", c.id), zap.String("event", f.Event), zap.Error(f))
	c.metrics.fault(f.Event)
	c.shutdown()
}

// tick runs the periodic checks of the housekeeping pass. Loop only.
func (c *connection) tick(now time.Time) {
	if !c.IsOpen() {
		return
	}

	c.wmu.Lock()
	var err error
	if c.pending > 0 && !c.writeArmed {
		err = c.drainLocked(false)
	}
	c.wmu.Unlock()
	if err != nil {
		log.Logger.Debug("write error", zap.Uint64("conn", c.id), zap.Error(err))
		c.shutdown()
		return
	}

	if idle := time.Duration(c.idleTimeout.Load()); idle > 0 {
		if now.Sub(time.Unix(0, c.lastActivity.Load())) >= idle {
			c.fireIdleTimeout()
			if !c.IsOpen() {
				return
			}
		}
	}

	if lifetime := time.Duration(c.connTimeout.Load()); lifetime > 0 && !c.connTimeoutFired.Load() {
		if now.Sub(c.openedAt) >= lifetime {
			c.fireConnectionTimeout()
		}
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
