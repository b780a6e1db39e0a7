package sessionpool

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/agent-racer/sessionpool/internal/channelpool"
	"github.com/agent-racer/sessionpool/internal/config"
)

var (
	ErrNotStarted      = errors.New("sessionpool: not started")
	ErrHandleNotFound  = errors.New("sessionpool: handle not found")
	ErrInvalidArgument = errors.New("sessionpool: invalid argument")
	ErrNoChannel       = errors.New("sessionpool: handle has no channel")
	ErrNoPort          = errors.New("sessionpool: handle has no bound port")
	ErrChannelDown     = errors.New("sessionpool: channel down")
)

// State is reported to StateCallback and PoolStateCallback.
type State int

const (
	SessionUp State = iota
	SessionDown
	ConnectFailed
	ConnectAttemptFailed
	ConnectAborted
	SessionAllocFailed
	SessionStartupFailed
	AcceptFailed
	WriteCacheLowWat
	WriteCacheHiWat
	SessionLimitReached
)

var stateNames = [...]string{
	SessionUp:            "SESSION_UP",
	SessionDown:          "SESSION_DOWN",
	ConnectFailed:        "CONNECT_FAILED",
	ConnectAttemptFailed: "CONNECT_ATTEMPT_FAILED",
	ConnectAborted:       "CONNECT_ABORTED",
	SessionAllocFailed:   "SESSION_ALLOC_FAILED",
	SessionStartupFailed: "SESSION_STARTUP_FAILED",
	AcceptFailed:         "ACCEPT_FAILED",
	WriteCacheLowWat:     "WRITE_CACHE_LOWWAT",
	WriteCacheHiWat:      "WRITE_CACHE_HIWAT",
	SessionLimitReached:  "SESSION_LIMIT_REACHED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s ends a handle's life.
func (s State) Terminal() bool {
	switch s {
	case SessionDown, ConnectFailed, ConnectAborted, SessionAllocFailed, SessionStartupFailed:
		return true
	}
	return false
}

// StateCallback receives the lifecycle events of one handle. Calls for the
// same handle never overlap. s is nil unless a session exists.
type StateCallback func(state State, handle int, s Session, userData any)

// PoolStateCallback receives pool-wide events. source is the handle the
// event concerns, or the listener that hit the channel limit.
type PoolStateCallback func(state State, source int, platformErr int)

// Session is an application object bound to one channel.
type Session interface {
	Start() error
	Stop() error
	Channel() AsyncChannel
}

// AllocateCallback completes SessionFactory.Allocate. It may be called on
// any goroutine, before or after Allocate returns.
type AllocateCallback func(s Session, err error)

// SessionFactory builds sessions on top of channels that come up.
type SessionFactory interface {
	Allocate(ch AsyncChannel, done AllocateCallback)
	Deallocate(s Session)
}

// ReadCallback consumes from data and returns how many bytes it needs
// before it is called again; 0 ends the read. err is ErrChannelDown once
// the channel is gone.
type ReadCallback func(err error, data *bytes.Buffer, channelID int) (numNeeded int)

// AsyncChannel is the channel a session is built on.
type AsyncChannel interface {
	Read(numBytes int, cb ReadCallback) error
	Write(data []byte) error
	Close()
	ChannelID() int
	LocalAddr() net.Addr
	PeerAddr() net.Addr
}

// ResolutionMode selects when a connect destination is resolved.
type ResolutionMode int

const (
	ResolveOnce ResolutionMode = iota
	ResolveAtEachAttempt
)

// ConnectOptions tune Connect.
type ConnectOptions struct {
	Resolution ResolutionMode
	LocalAddr  string
}

// ListenOptions tune Listen.
type ListenOptions struct {
	ReuseAddress bool
}

// ChannelPool is the channel layer a SessionPool drives. *channelpool.Pool
// implements it.
type ChannelPool interface {
	Start() error
	Stop() error
	StopAndRemoveAllChannels() error
	Connect(addr string, attempts int, interval time.Duration, sourceID int, opts channelpool.ConnectOptions) error
	CancelConnect(sourceID int) error
	Listen(addr string, backlog, serverID int, opts channelpool.ListenOptions) error
	CloseServer(serverID int) error
	ServerAddr(serverID int) (net.Addr, error)
	Import(conn net.Conn, sourceID int) error
	Write(channelID int, data []byte) error
	Close(channelID int) error
	Shutdown(channelID int, mode channelpool.ShutdownMode) error
	SetChannelContext(channelID int, ctx any) error
	SetWriteCacheWatermarks(channelID, low, high int) error
	ChannelAddrs(channelID int) (local, peer net.Addr, err error)
	RegisterClock(cb func(), start time.Time, period time.Duration, clockID int) error
	DeregisterClock(clockID int) error
	NumChannels() int
	HandleStatistics() []channelpool.HandleInfo
}

// ChannelPoolFactory builds the channel pool on the first Start.
type ChannelPoolFactory func(cfg config.PoolConfig, cbs channelpool.Callbacks, buffers channelpool.BufferFactory) ChannelPool

func defaultChannelPool(cfg config.PoolConfig, cbs channelpool.Callbacks, buffers channelpool.BufferFactory) ChannelPool {
	return channelpool.New(cfg, cbs, buffers)
}

func mapResolutionMode(m ResolutionMode) channelpool.ResolutionMode {
	switch m {
	case ResolveAtEachAttempt:
		return channelpool.ResolveAtEachAttempt
	default:
		return channelpool.ResolveOnce
	}
}
