// Package sessionpool turns channels of a channel pool into application
// sessions. It owns the handle table, drives connect retries, allocates
// sessions through pluggable factories, and delivers exactly one terminal
// event to every handle the application was given.
package sessionpool

import (
	"sync"

	"code.hybscloud.com/atomix"
	"github.com/agent-racer/sessionpool/internal/channelpool"
	"github.com/agent-racer/sessionpool/internal/config"
	"github.com/agent-racer/sessionpool/internal/handle"
	"github.com/agent-racer/sessionpool/internal/logging"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SessionPool manages listeners, outbound connects, imported sockets and
// the sessions built on them.
//
// User callbacks may call back into the pool, with one exception: Stop and
// StopAndRemoveAllSessions must not be called from a callback.
type SessionPool struct {
	cfg            config.PoolConfig
	poolCb         PoolStateCallback
	newChannelPool ChannelPoolFactory
	buffers        channelpool.BufferFactory
	log            *logrus.Entry

	table       *handle.Table[*Handle]
	numSessions atomix.Int64

	mu sync.RWMutex
	cp ChannelPool

	// teardownMu serializes Stop and StopAndRemoveAllSessions.
	teardownMu sync.Mutex
}

// Option configures a SessionPool.
type Option func(*SessionPool)

// WithChannelPoolFactory replaces the TCP channel pool.
func WithChannelPoolFactory(f ChannelPoolFactory) Option {
	return func(sp *SessionPool) { sp.newChannelPool = f }
}

// WithBufferFactory overrides the read buffers chosen from
// config.PoolConfig.BlobBasedReads.
func WithBufferFactory(b channelpool.BufferFactory) Option {
	return func(sp *SessionPool) { sp.buffers = b }
}

// WithLogger sets the log entry used by the pool.
func WithLogger(e *logrus.Entry) Option {
	return func(sp *SessionPool) { sp.log = e }
}

// New creates a session pool. Nothing runs until Start. poolCb may be nil.
func New(cfg config.PoolConfig, poolCb PoolStateCallback, opts ...Option) *SessionPool {
	sp := &SessionPool{
		cfg:            cfg,
		poolCb:         poolCb,
		newChannelPool: defaultChannelPool,
		table:          handle.NewTable[*Handle](),
	}
	for _, opt := range opts {
		opt(sp)
	}
	if sp.log == nil {
		sp.log = logging.WithComponent("sessionpool")
	}
	sp.log = sp.log.WithField("pool", uuid.NewString())
	return sp
}

// Start creates the channel pool on first use and starts it. Starting a
// running pool does nothing; starting a stopped one resumes it.
func (sp *SessionPool) Start() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.cp == nil {
		buffers := sp.buffers
		if buffers == nil {
			if sp.cfg.BlobBasedReads {
				buffers = channelpool.NewPooledBuffers(sp.cfg.ReadBufferSize)
			} else {
				buffers = channelpool.NewHeapBuffers(sp.cfg.ReadBufferSize)
			}
		}
		sp.cp = sp.newChannelPool(sp.cfg, channelpool.Callbacks{
			ChannelState: sp.channelStateCb,
			PoolState:    sp.poolStateCb,
			Data:         sp.dataCb,
		}, buffers)
		if p, ok := sp.cp.(*channelpool.Pool); ok {
			p.SetLogger(sp.log.WithField("component", "channelpool"))
		}
	}
	if err := sp.cp.Start(); err != nil {
		return err
	}
	sp.log.Info("session pool started")
	return nil
}

// Stop stops all channel I/O, drains the handle table, then stops every
// session and delivers its SESSION_DOWN. Pending connects receive
// CONNECT_ABORTED. Callbacks made during this run see an empty table.
func (sp *SessionPool) Stop() error {
	cp := sp.channelPool()
	if cp == nil {
		return nil
	}
	sp.teardownMu.Lock()
	defer sp.teardownMu.Unlock()
	err := cp.Stop()

	refs := sp.table.RemoveAll()
	for _, ref := range refs {
		sp.terminate(cp, ref.Value())
	}
	for _, ref := range refs {
		sp.finishAbort(cp, ref.Value())
		ref.Release()
	}
	sp.log.WithField("handles", len(refs)).Info("session pool stopped")
	return err
}

// StopAndRemoveAllSessions closes every channel and forgets every handle
// without delivering any callback. It waits for a Stop in progress.
func (sp *SessionPool) StopAndRemoveAllSessions() error {
	cp := sp.channelPool()
	if cp == nil {
		return nil
	}
	sp.teardownMu.Lock()
	defer sp.teardownMu.Unlock()
	err := cp.StopAndRemoveAllChannels()

	refs := sp.table.RemoveAll()
	for _, ref := range refs {
		h := ref.Value()
		h.mu.Lock()
		if h.id != 0 && h.session != nil {
			sp.numSessions.Add(-1)
		}
		h.id = 0
		h.mu.Unlock()
	}
	for _, ref := range refs {
		sp.finishAbort(cp, ref.Value())
		ref.Release()
	}
	sp.log.WithField("handles", len(refs)).Info("session pool stopped, all sessions removed")
	return err
}

// terminate ends one drained handle during Stop. A connect still retrying
// is cancelled so a later Start does not resume it.
func (sp *SessionPool) terminate(cp ChannelPool, h *Handle) {
	h.mu.Lock()
	id := h.id
	key := h.key
	s := h.session
	typ := h.typ
	visible := h.visible
	h.id = 0
	if id != 0 && s != nil {
		sp.numSessions.Add(-1)
	}
	h.mu.Unlock()

	if s == nil && pendingConnect(typ) {
		_ = cp.CancelConnect(key)
	}

	if id == 0 {
		return
	}
	switch {
	case s != nil:
		if err := s.Stop(); err != nil {
			sp.log.WithField("handle", id).WithError(err).Warn("session stop failed")
		}
		h.notify(SessionDown, id, s)
	case visible && pendingConnect(typ):
		h.notify(ConnectAborted, id, nil)
	}
}

func pendingConnect(t HandleType) bool {
	return t == ConnectSession || t == ImportedSession || t == AbortedConnectSession
}

// deleter runs when the last reference to h is released. A handle whose
// terminal event was never claimed gets it here.
func (sp *SessionPool) deleter(h *Handle) {
	h.mu.Lock()
	id := h.id
	h.id = 0
	key := h.key
	typ := h.typ
	s := h.session
	ch := h.channel
	visible := h.visible
	if id != 0 && s != nil {
		sp.numSessions.Add(-1)
	}
	h.mu.Unlock()

	if id != 0 {
		switch {
		case s != nil:
			h.notify(SessionDown, id, s)
		case visible && pendingConnect(typ):
			h.notify(ConnectAborted, id, nil)
		}
	}

	cp := sp.channelPool()
	if typ == Listener && cp != nil {
		_ = cp.CloseServer(key)
	}
	if ch != nil {
		ch.Close()
	}
	if s != nil && h.factory != nil {
		h.factory.Deallocate(s)
	}
	sp.log.WithFields(logrus.Fields{"handle": key, "type": typ}).Debug("handle destroyed")
}

func (sp *SessionPool) channelPool() ChannelPool {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.cp
}

// add inserts a new handle and returns its id.
func (sp *SessionPool) add(ref *handleRef) int {
	key := sp.table.Add(ref)
	h := ref.Value()
	h.mu.Lock()
	h.key = key
	h.id = key
	h.mu.Unlock()
	return key
}

// remove takes key out of the table and drops the table's reference.
func (sp *SessionPool) remove(key int) {
	if ref, ok := sp.table.Remove(key); ok {
		ref.Release()
	}
}

// discard removes a handle whose creation failed. The caller learns of the
// failure from the return value, so no callback is delivered.
func (sp *SessionPool) discard(h *Handle) {
	key := h.key
	h.claim()
	sp.remove(key)
}

func (sp *SessionPool) notifyPool(state State, source, platformErr int) {
	if sp.poolCb != nil {
		sp.poolCb(state, source, platformErr)
	}
}

// NumSessions returns the number of sessions that are up.
func (sp *SessionPool) NumSessions() int {
	return int(sp.numSessions.Load())
}

// Config returns the configuration the pool was created with.
func (sp *SessionPool) Config() config.PoolConfig {
	return sp.cfg
}

// HandleStatistics returns a snapshot of every handle in the table.
func (sp *SessionPool) HandleStatistics() []HandleInfo {
	ids := sp.table.Snapshot()
	infos := make([]HandleInfo, 0, len(ids))
	for _, id := range ids {
		ref, ok := sp.table.Find(id)
		if !ok {
			continue
		}
		infos = append(infos, ref.Value().info())
		ref.Release()
	}
	return infos
}

// ChannelStatistics returns the channel pool's view of its channels.
func (sp *SessionPool) ChannelStatistics() []channelpool.HandleInfo {
	cp := sp.channelPool()
	if cp == nil {
		return nil
	}
	return cp.HandleStatistics()
}
