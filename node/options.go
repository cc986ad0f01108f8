package node

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Assignment decides which worker owns a new connection.
type Assignment int

const (
	AssignRoundRobin Assignment = iota
	AssignHash
)

func (a Assignment) String() string {
	if a == AssignHash {
		return "hash"
	}
	return "round_robin"
}

func ParseAssignment(s string) (Assignment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "round_robin", "roundrobin", "rr":
		return AssignRoundRobin, nil
	case "hash":
		return AssignHash, nil
	}
	return AssignRoundRobin, fmt.Errorf("unknown assignment %q", s)
}

const (
	DefaultPollTick       = 100 * time.Millisecond
	DefaultMaxEvents      = 1024
	DefaultReadChunk      = 16 * 1024
	DefaultConnectTimeout = 10 * time.Second
)

// Options configures a Reactor and the defaults of the connections it serves.
type Options struct {
	Workers    int
	Assignment Assignment
	// PollTick bounds every epoll wait; housekeeping runs at least this often.
	PollTick  time.Duration
	MaxEvents int
	ReadChunk int

	ConnectTimeout time.Duration

	FlushMode         FlushMode
	WriteRate         int
	IdleTimeout       time.Duration
	ConnectionTimeout time.Duration

	Metrics *Metrics
}

func defaultOptions() *Options {
	return &Options{
		Workers:        runtime.NumCPU(),
		Assignment:     AssignRoundRobin,
		PollTick:       DefaultPollTick,
		MaxEvents:      DefaultMaxEvents,
		ReadChunk:      DefaultReadChunk,
		ConnectTimeout: DefaultConnectTimeout,
		FlushMode:      FlushSync,
		WriteRate:      UnlimitedRate,
	}
}

func (o *Options) normalize() {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.PollTick <= 0 {
		o.PollTick = DefaultPollTick
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = DefaultMaxEvents
	}
	if o.ReadChunk <= 0 {
		o.ReadChunk = DefaultReadChunk
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics("nbconn")
	}
}

type Option func(*Options)

func WithWorkers(n int) Option {
	return func(o *Options) {
		o.Workers = n
	}
}

func WithAssignment(a Assignment) Option {
	return func(o *Options) {
		o.Assignment = a
	}
}

func WithPollTick(d time.Duration) Option {
	return func(o *Options) {
		o.PollTick = d
	}
}

func WithMaxEvents(n int) Option {
	return func(o *Options) {
		o.MaxEvents = n
	}
}

func WithReadChunk(n int) Option {
	return func(o *Options) {
		o.ReadChunk = n
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.ConnectTimeout = d
	}
}

// WithFlushMode sets the flush mode new connections start with.
func WithFlushMode(m FlushMode) Option {
	return func(o *Options) {
		o.FlushMode = m
	}
}

// WithWriteRate sets the write transfer rate new connections start with.
func WithWriteRate(bytesPerSecond int) Option {
	return func(o *Options) {
		o.WriteRate = bytesPerSecond
	}
}

func WithTimeouts(idle, connection time.Duration) Option {
	return func(o *Options) {
		o.IdleTimeout = idle
		o.ConnectionTimeout = connection
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}
