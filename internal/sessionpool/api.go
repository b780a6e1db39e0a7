package sessionpool

import (
	"fmt"
	"net"
	"time"

	"github.com/agent-racer/sessionpool/internal/channelpool"
	"github.com/agent-racer/sessionpool/internal/handle"
	"github.com/sirupsen/logrus"
)

// Connect starts an outbound connect and returns its handle id. cb receives
// CONNECT_ATTEMPT_FAILED after each failed attempt but the last,
// CONNECT_FAILED when attempts are exhausted, or SESSION_UP once a session
// is allocated and started on the new channel.
func (sp *SessionPool) Connect(addr string, attempts int, interval time.Duration, factory SessionFactory, cb StateCallback, userData any, opts ConnectOptions) (int, error) {
	if addr == "" || attempts <= 0 || interval < 0 || factory == nil {
		return 0, ErrInvalidArgument
	}
	cp := sp.channelPool()
	if cp == nil {
		return 0, ErrNotStarted
	}

	h := &Handle{
		factory:  factory,
		cb:       cb,
		userData: userData,
		typ:      ConnectSession,
		attempts: attempts,
		visible:  true,
	}
	ref := handle.NewRef(h, sp.deleter)
	defer ref.Release()
	id := sp.add(ref)

	err := cp.Connect(addr, attempts, interval, id, channelpool.ConnectOptions{
		Resolution: mapResolutionMode(opts.Resolution),
		LocalAddr:  opts.LocalAddr,
	})
	if err != nil {
		sp.discard(h)
		return 0, fmt.Errorf("sessionpool: connect %s: %w", addr, err)
	}
	sp.log.WithFields(logrus.Fields{
		"handle":   id,
		"addr":     addr,
		"attempts": attempts,
	}).Debug("connect started")
	return id, nil
}

// Listen opens a listening socket. Every accepted connection gets a new
// handle that shares cb, factory and userData; cb sees it for the first
// time with SESSION_UP.
func (sp *SessionPool) Listen(addr string, backlog int, factory SessionFactory, cb StateCallback, userData any, opts ListenOptions) (int, error) {
	if backlog < 0 || factory == nil {
		return 0, ErrInvalidArgument
	}
	cp := sp.channelPool()
	if cp == nil {
		return 0, ErrNotStarted
	}

	h := &Handle{
		factory:  factory,
		cb:       cb,
		userData: userData,
		typ:      Listener,
		visible:  true,
	}
	ref := handle.NewRef(h, sp.deleter)
	defer ref.Release()
	id := sp.add(ref)

	if err := cp.Listen(addr, backlog, id, channelpool.ListenOptions{ReuseAddress: opts.ReuseAddress}); err != nil {
		sp.discard(h)
		return 0, fmt.Errorf("sessionpool: listen %s: %w", addr, err)
	}
	sp.log.WithFields(logrus.Fields{"handle": id, "addr": addr}).Debug("listening")
	return id, nil
}

// Import builds a session on an already connected socket. On failure the
// caller keeps ownership of conn.
func (sp *SessionPool) Import(conn net.Conn, factory SessionFactory, cb StateCallback, userData any) (int, error) {
	if conn == nil || factory == nil {
		return 0, ErrInvalidArgument
	}
	cp := sp.channelPool()
	if cp == nil {
		return 0, ErrNotStarted
	}

	h := &Handle{
		factory:  factory,
		cb:       cb,
		userData: userData,
		typ:      ImportedSession,
		visible:  true,
	}
	ref := handle.NewRef(h, sp.deleter)
	defer ref.Release()
	id := sp.add(ref)

	if err := cp.Import(conn, id); err != nil {
		sp.discard(h)
		return 0, fmt.Errorf("sessionpool: import: %w", err)
	}
	return id, nil
}

// CloseHandle closes a listener, a session, or a pending connect. A
// listener is removed at once and receives no further callback. A session
// is closed through its channel and receives SESSION_DOWN. A pending
// connect is aborted and receives CONNECT_ABORTED. Closing a handle twice
// returns ErrHandleNotFound.
func (sp *SessionPool) CloseHandle(id int) error {
	ref, ok := sp.table.Find(id)
	if !ok {
		return ErrHandleNotFound
	}
	defer ref.Release()
	h := ref.Value()

	h.mu.Lock()
	if h.id == 0 || h.closing {
		h.mu.Unlock()
		return ErrHandleNotFound
	}
	switch {
	case h.typ == Listener:
		h.closing = true
		h.mu.Unlock()
		if cp := sp.channelPool(); cp != nil {
			_ = cp.CloseServer(h.key)
		}
		sp.remove(h.key)
		return nil

	case h.channel != nil:
		h.closing = true
		ch := h.channel
		h.mu.Unlock()
		ch.Close()
		return nil

	case h.typ == ConnectSession || h.typ == ImportedSession:
		h.typ = AbortedConnectSession
		h.closing = true
		h.mu.Unlock()
		sp.abort(ref)
		return nil
	}
	h.mu.Unlock()
	return ErrHandleNotFound
}

// SetWriteCacheWatermarks changes the write cache watermarks of the
// handle's channel.
func (sp *SessionPool) SetWriteCacheWatermarks(id, low, high int) error {
	if low < 0 || high <= 0 || low > high {
		return ErrInvalidArgument
	}
	ref, ok := sp.table.Find(id)
	if !ok {
		return ErrHandleNotFound
	}
	defer ref.Release()
	h := ref.Value()

	h.mu.Lock()
	ch := h.channel
	live := h.id != 0
	h.mu.Unlock()
	if !live {
		return ErrHandleNotFound
	}
	if ch == nil {
		return ErrNoChannel
	}
	return ch.cp.SetWriteCacheWatermarks(ch.id, low, high)
}

// PortNumber returns the local port of a listener or of a session's
// channel.
func (sp *SessionPool) PortNumber(id int) (int, error) {
	ref, ok := sp.table.Find(id)
	if !ok {
		return 0, ErrHandleNotFound
	}
	defer ref.Release()
	h := ref.Value()

	h.mu.Lock()
	key, typ, ch, live := h.key, h.typ, h.channel, h.id != 0
	h.mu.Unlock()
	if !live {
		return 0, ErrHandleNotFound
	}

	var addr net.Addr
	switch {
	case typ == Listener:
		cp := sp.channelPool()
		if cp == nil {
			return 0, ErrNotStarted
		}
		a, err := cp.ServerAddr(key)
		if err != nil {
			return 0, err
		}
		addr = a
	case ch != nil:
		addr = ch.LocalAddr()
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port, nil
	}
	return 0, ErrNoPort
}
