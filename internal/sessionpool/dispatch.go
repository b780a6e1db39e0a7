package sessionpool

import (
	"github.com/agent-racer/sessionpool/internal/channelpool"
	"github.com/agent-racer/sessionpool/internal/handle"
	"github.com/sirupsen/logrus"
)

func (sp *SessionPool) channelStateCb(channelID, sourceID int, ev channelpool.ChannelEvent, ctx any) {
	switch ev {
	case channelpool.ChannelUp:
		sp.channelUp(channelID, sourceID)
	case channelpool.ChannelDown:
		// The context is the only link from a channel back to its handle.
		// A channel that went down before it was installed has none.
		if h, ok := ctx.(*Handle); ok && h != nil {
			sp.channelDown(h)
		}
	case channelpool.WriteCacheLowWat:
		if h, ok := ctx.(*Handle); ok && h != nil {
			sp.watermark(h, WriteCacheLowWat)
		}
	case channelpool.WriteCacheHiWat:
		if h, ok := ctx.(*Handle); ok && h != nil {
			sp.watermark(h, WriteCacheHiWat)
		}
	}
}

func (sp *SessionPool) dataCb(_ int, data []byte, ctx any) {
	h, ok := ctx.(*Handle)
	if !ok || h == nil {
		return
	}
	h.mu.Lock()
	ch := h.channel
	h.mu.Unlock()
	if ch != nil {
		ch.deliver(data)
	}
}

func (sp *SessionPool) poolStateCb(ev channelpool.PoolEvent, sourceID, platformErr int) {
	switch ev {
	case channelpool.ErrorAccepting:
		if ref, ok := sp.table.Find(sourceID); ok {
			ref.Value().notify(AcceptFailed, sourceID, nil)
			ref.Release()
		}
		sp.notifyPool(AcceptFailed, sourceID, platformErr)

	case channelpool.ErrorConnecting, channelpool.ErrorBindingClientAddr, channelpool.ErrorSettingOptions:
		sp.connectFailed(sourceID, ev, platformErr)

	case channelpool.ChannelLimit:
		sp.log.WithField("source", sourceID).Warn("channel limit reached")
		sp.notifyPool(SessionLimitReached, sourceID, platformErr)
	}
}

// connectFailed advances the connect state machine by one failed attempt.
func (sp *SessionPool) connectFailed(sourceID int, ev channelpool.PoolEvent, platformErr int) {
	ref, ok := sp.table.Find(sourceID)
	if !ok {
		return
	}
	defer ref.Release()
	h := ref.Value()

	h.mu.Lock()
	if h.typ != ConnectSession || h.id == 0 {
		h.mu.Unlock()
		return
	}
	h.attempts--
	remaining := h.attempts
	id := h.id
	if remaining <= 0 {
		h.id = 0
	}
	h.mu.Unlock()

	log := sp.log.WithFields(logrus.Fields{
		"handle":    id,
		"event":     ev,
		"remaining": remaining,
		"errno":     platformErr,
	})
	if remaining > 0 {
		log.Debug("connect attempt failed")
		h.notify(ConnectAttemptFailed, id, nil)
		return
	}
	log.Info("connect failed")
	h.notify(ConnectFailed, id, nil)
	sp.notifyPool(ConnectFailed, id, platformErr)
	sp.remove(h.key)
}

func (sp *SessionPool) channelUp(channelID, sourceID int) {
	cp := sp.channelPool()
	ref, ok := sp.table.Find(sourceID)
	if !ok {
		_ = cp.Close(channelID)
		return
	}
	h := ref.Value()

	h.mu.Lock()
	typ := h.typ
	h.mu.Unlock()

	switch typ {
	case Listener:
		child := &Handle{
			factory:  h.factory,
			cb:       h.cb,
			userData: h.userData,
			typ:      RegularSession,
		}
		ref.Release()
		ref = handle.NewRef(child, sp.deleter)
		sp.add(ref)
	case AbortedConnectSession, InvalidSession:
		ref.Release()
		_ = cp.Close(channelID)
		return
	}
	defer ref.Release()
	sp.attach(ref.Value(), channelID)
}

// attach runs the session allocation protocol for a channel that just came
// up for h.
func (sp *SessionPool) attach(h *Handle, channelID int) {
	cp := sp.channelPool()

	// The context must be installed before any later event for this
	// channel can be delivered; ChannelDown finds the handle through it.
	if err := cp.SetChannelContext(channelID, h); err != nil {
		sp.log.WithField("channel", channelID).WithError(err).Warn("cannot set channel context")
		_ = cp.Close(channelID)
		sp.remove(h.key)
		return
	}

	ch := newPoolChannel(cp, channelID)
	h.mu.Lock()
	if h.typ == AbortedConnectSession || h.id == 0 {
		h.mu.Unlock()
		ch.Close()
		return
	}
	h.channel = ch
	id := h.id
	factory := h.factory
	h.mu.Unlock()

	sp.log.WithFields(logrus.Fields{"handle": id, "channel": channelID}).Debug("channel up")
	factory.Allocate(ch, func(s Session, err error) {
		sp.sessionAllocated(id, factory, s, err)
	})
}

// sessionAllocated completes an allocation. The handle is looked up again
// by id: it may have been torn down while the factory was working.
func (sp *SessionPool) sessionAllocated(id int, factory SessionFactory, s Session, err error) {
	ref, ok := sp.table.Find(id)
	if !ok {
		if err == nil && s != nil {
			factory.Deallocate(s)
		}
		return
	}
	defer ref.Release()
	h := ref.Value()
	log := sp.log.WithField("handle", id)

	h.mu.Lock()
	if h.id != id || h.typ == AbortedConnectSession {
		h.mu.Unlock()
		if err == nil && s != nil {
			factory.Deallocate(s)
		}
		return
	}
	ch := h.channel
	if err != nil || s == nil {
		h.id = 0
		h.mu.Unlock()
		log.WithError(err).Warn("session allocation failed")
		h.notify(SessionAllocFailed, id, nil)
		if ch != nil {
			ch.Close()
		}
		sp.remove(h.key)
		return
	}
	h.mu.Unlock()

	if err := s.Start(); err != nil {
		h.claim()
		log.WithError(err).Warn("session startup failed")
		h.notify(SessionStartupFailed, id, nil)
		factory.Deallocate(s)
		if ch != nil {
			ch.Close()
		}
		sp.remove(h.key)
		return
	}

	// cbMu is taken first so that a SESSION_DOWN claimed as soon as the
	// session is visible cannot overtake SESSION_UP.
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	h.mu.Lock()
	if h.id == 0 {
		h.mu.Unlock()
		_ = s.Stop()
		factory.Deallocate(s)
		return
	}
	h.session = s
	h.typ = RegularSession
	h.visible = true
	sp.numSessions.Add(1)
	h.mu.Unlock()

	log.Debug("session up")
	if h.cb != nil {
		h.cb(SessionUp, id, s, h.userData)
	}
}

// channelDown tears down the handle whose channel went away.
func (sp *SessionPool) channelDown(h *Handle) {
	h.mu.Lock()
	key := h.key
	id := h.id
	s := h.session
	ch := h.channel
	up := id != 0 && s != nil
	if up {
		h.id = 0
		sp.numSessions.Add(-1)
	}
	h.mu.Unlock()

	if ch != nil {
		ch.markDown()
	}
	if up {
		sp.log.WithField("handle", id).Debug("session down")
		h.notify(SessionDown, id, s)
	}
	sp.remove(key)
}

func (sp *SessionPool) watermark(h *Handle, state State) {
	h.mu.Lock()
	id := h.id
	s := h.session
	h.mu.Unlock()
	if id != 0 && s != nil {
		h.notify(state, id, s)
	}
}
