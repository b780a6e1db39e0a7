package sessionpool

import (
	"errors"
	"sync"
	"time"

	"code.hybscloud.com/iox"
	"github.com/agent-racer/sessionpool/internal/channelpool"
	"github.com/sirupsen/logrus"
)

// quiescentRefs is the reference count of an aborted handle once nothing
// but the table and the abort finalizer holds it.
const quiescentRefs = 2

const maxClockProbes = 1 << 10

// abort finalizes a connect or import that was closed before its channel
// came up. The pending connect is cancelled, then a finalizer waits until
// no dispatcher holds the handle before removing it; the deleter then
// delivers CONNECT_ABORTED.
//
// The wait runs on a periodic clock of the channel pool so it is ordered
// with the pool's own event delivery. Without a running channel pool it
// runs on a goroutine with adaptive backoff instead.
func (sp *SessionPool) abort(ref *handleRef) {
	h := ref.Value()
	key := h.key
	cp := sp.channelPool()
	if cp != nil {
		_ = cp.CancelConnect(key)
	}

	ref.Acquire()
	var once sync.Once
	finalize := func() {
		once.Do(func() {
			h.mu.Lock()
			h.abortFinalize = nil
			h.abortClock = 0
			h.mu.Unlock()
			sp.remove(key)
			ref.Release()
		})
	}

	if cp != nil {
		h.mu.Lock()
		h.abortFinalize = finalize
		h.mu.Unlock()
		if clockID, ok := sp.registerAbortClock(cp, ref, key, finalize); ok {
			h.mu.Lock()
			if h.abortFinalize != nil {
				h.abortClock = clockID
			}
			h.mu.Unlock()
			sp.log.WithFields(logrus.Fields{"handle": key, "clock": clockID}).Debug("connect abort scheduled")
			return
		}
		h.mu.Lock()
		h.abortFinalize = nil
		h.mu.Unlock()
	}

	go func() {
		var bo iox.Backoff
		for ref.Count() > quiescentRefs {
			bo.Wait()
		}
		finalize()
	}()
}

// finishAbort runs a pending abort finalizer at once. A stopped channel
// pool no longer fires clocks, so a drain must release the finalizer's
// reference itself.
func (sp *SessionPool) finishAbort(cp ChannelPool, h *Handle) {
	h.mu.Lock()
	finalize := h.abortFinalize
	clockID := h.abortClock
	h.mu.Unlock()
	if finalize == nil {
		return
	}
	if clockID != 0 && cp != nil {
		_ = cp.DeregisterClock(clockID)
	}
	finalize()
}

// registerAbortClock registers the finalizer's polling clock. A clock id
// that is already taken is retried with the next id.
func (sp *SessionPool) registerAbortClock(cp ChannelPool, ref *handleRef, key int, finalize func()) (int, bool) {
	interval := sp.cfg.AbortPollInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	clockID := key
	for probe := 0; probe < maxClockProbes; probe++ {
		id := clockID
		err := cp.RegisterClock(func() {
			if ref.Count() > quiescentRefs {
				return
			}
			_ = cp.DeregisterClock(id)
			finalize()
		}, time.Now().Add(interval), interval, id)
		switch {
		case err == nil:
			return id, true
		case errors.Is(err, channelpool.ErrDuplicateClock):
			clockID++
		default:
			return 0, false
		}
	}
	return 0, false
}
