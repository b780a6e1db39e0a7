package channelpool

import "fmt"

// ChannelEvent is delivered to Callbacks.ChannelState.
type ChannelEvent int

const (
	ChannelDown ChannelEvent = iota
	ChannelUp
	WriteCacheLowWat
	WriteCacheHiWat
)

func (e ChannelEvent) String() string {
	switch e {
	case ChannelDown:
		return "CHANNEL_DOWN"
	case ChannelUp:
		return "CHANNEL_UP"
	case WriteCacheLowWat:
		return "WRITE_CACHE_LOWWAT"
	case WriteCacheHiWat:
		return "WRITE_CACHE_HIWAT"
	}
	return fmt.Sprintf("ChannelEvent(%d)", int(e))
}

// PoolEvent is delivered to Callbacks.PoolState.
type PoolEvent int

const (
	ErrorAccepting PoolEvent = iota
	ErrorConnecting
	ChannelLimit
	ErrorBindingClientAddr
	ErrorSettingOptions
)

func (e PoolEvent) String() string {
	switch e {
	case ErrorAccepting:
		return "ERROR_ACCEPTING"
	case ErrorConnecting:
		return "ERROR_CONNECTING"
	case ChannelLimit:
		return "CHANNEL_LIMIT"
	case ErrorBindingClientAddr:
		return "ERROR_BINDING_CLIENT_ADDR"
	case ErrorSettingOptions:
		return "ERROR_SETTING_OPTIONS"
	}
	return fmt.Sprintf("PoolEvent(%d)", int(e))
}

// ResolutionMode controls when a connect destination is resolved.
type ResolutionMode int

const (
	// ResolveOnce resolves the address before the first attempt and
	// reuses the result for every retry.
	ResolveOnce ResolutionMode = iota
	// ResolveAtEachAttempt resolves the address again before every attempt.
	ResolveAtEachAttempt
)

// ShutdownMode selects how Shutdown treats unwritten data.
type ShutdownMode int

const (
	// ShutdownImmediate closes the socket, discarding the write cache.
	ShutdownImmediate ShutdownMode = iota
	// ShutdownGraceful stops accepting writes, flushes the write cache and
	// then closes the socket.
	ShutdownGraceful
)

// Kind says how a channel came to exist.
type Kind int

const (
	KindAccepted Kind = iota
	KindConnected
	KindImported
	KindListener
)

func (k Kind) String() string {
	switch k {
	case KindAccepted:
		return "accepted"
	case KindConnected:
		return "connected"
	case KindImported:
		return "imported"
	case KindListener:
		return "listener"
	}
	return "unknown"
}

// Callbacks are invoked by the pool's goroutines. For one channel,
// ChannelUp precedes all data, and ChannelDown is delivered exactly once
// and last. Callbacks for one channel never run concurrently with each
// other.
type Callbacks struct {
	ChannelState func(channelID, sourceID int, ev ChannelEvent, ctx any)
	PoolState    func(ev PoolEvent, sourceID int, platformErr int)
	Data         func(channelID int, data []byte, ctx any)
}
