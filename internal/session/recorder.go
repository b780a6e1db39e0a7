package session

import (
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/agent-racer/sessionpool/internal/logging"
	"github.com/agent-racer/sessionpool/internal/sessionpool"
	"github.com/sirupsen/logrus"
)

// PoolCounters counts pool-wide events.
type PoolCounters struct {
	AcceptFailed        uint64 `json:"acceptFailed"`
	ConnectFailed       uint64 `json:"connectFailed"`
	SessionLimitReached uint64 `json:"sessionLimitReached"`
}

// Recorder mirrors session pool callbacks into a Store and a Publisher.
type Recorder struct {
	store  *Store
	pub    Publisher
	retain time.Duration
	filter *PrivacyFilter
	log    *logrus.Entry
	now    func() time.Time

	mu     sync.Mutex
	timers map[int]*time.Timer

	acceptFailed  atomix.Uint64
	connectFailed atomix.Uint64
	limitReached  atomix.Uint64
}

// NewRecorder returns a recorder that keeps terminal states for retain
// before removing them. pub may be nil.
func NewRecorder(store *Store, pub Publisher, retain time.Duration) *Recorder {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &Recorder{
		store:  store,
		pub:    pub,
		retain: retain,
		filter: &PrivacyFilter{},
		log:    logging.WithComponent("observer"),
		now:    time.Now,
		timers: make(map[int]*time.Timer),
	}
}

// SetFilter sets the filter applied to published states.
func (r *Recorder) SetFilter(f *PrivacyFilter) {
	if f == nil {
		f = &PrivacyFilter{}
	}
	r.filter = f
}

// Track records a handle returned by Listen, Connect or Import before any
// callback arrives for it.
func (r *Recorder) Track(id int, kind, addr string) {
	now := r.now()
	st := r.store.Modify(id, func(st *SessionState, existed bool) {
		if existed {
			// A callback got here first.
			if st.Kind == "" || st.Kind == "accepted" {
				st.Kind = kind
			}
			st.Addr = addr
			return
		}
		st.Kind = kind
		st.Addr = addr
		st.StartedAt = now
		st.LastEventAt = now
		if kind == "listener" {
			st.Phase = Listening
		} else {
			st.Phase = Connecting
		}
	})
	r.publish(st)
}

// Wrap returns a callback that records every event before passing it on
// to next. next may be nil.
func (r *Recorder) Wrap(next sessionpool.StateCallback) sessionpool.StateCallback {
	return func(state sessionpool.State, handle int, s sessionpool.Session, userData any) {
		r.Record(state, handle, s)
		if next != nil {
			next(state, handle, s, userData)
		}
	}
}

// WrapPool is Wrap for pool-wide callbacks.
func (r *Recorder) WrapPool(next sessionpool.PoolStateCallback) sessionpool.PoolStateCallback {
	return func(state sessionpool.State, source, platformErr int) {
		switch state {
		case sessionpool.AcceptFailed:
			r.acceptFailed.Add(1)
		case sessionpool.ConnectFailed:
			r.connectFailed.Add(1)
		case sessionpool.SessionLimitReached:
			r.limitReached.Add(1)
		}
		r.log.WithFields(logrus.Fields{
			"state":  state,
			"source": source,
			"errno":  platformErr,
		}).Debug("pool event")
		if next != nil {
			next(state, source, platformErr)
		}
	}
}

// Counters returns the pool-wide event counts.
func (r *Recorder) Counters() PoolCounters {
	return PoolCounters{
		AcceptFailed:        r.acceptFailed.Load(),
		ConnectFailed:       r.connectFailed.Load(),
		SessionLimitReached: r.limitReached.Load(),
	}
}

// Record applies one state callback to the store.
func (r *Recorder) Record(state sessionpool.State, handle int, s sessionpool.Session) {
	now := r.now()
	st := r.store.Modify(handle, func(st *SessionState, existed bool) {
		if !existed {
			st.Kind = "accepted"
			st.StartedAt = now
		}
		st.LastState = state.String()
		st.LastEventAt = now
		switch state {
		case sessionpool.SessionUp:
			st.Phase = Up
			if s != nil {
				if ch := s.Channel(); ch != nil {
					st.ChannelID = ch.ChannelID()
					if a := ch.LocalAddr(); a != nil {
						st.LocalAddr = a.String()
					}
					if a := ch.PeerAddr(); a != nil {
						st.PeerAddr = a.String()
					}
				}
			}
		case sessionpool.SessionDown:
			st.Phase = Down
		case sessionpool.ConnectAttemptFailed:
			st.FailedAttempts++
		case sessionpool.ConnectFailed:
			st.FailedAttempts++
			st.Phase = Failed
		case sessionpool.SessionAllocFailed, sessionpool.SessionStartupFailed:
			st.Phase = Failed
		case sessionpool.ConnectAborted:
			st.Phase = Aborted
		case sessionpool.WriteCacheHiWat:
			st.Congested = true
		case sessionpool.WriteCacheLowWat:
			st.Congested = false
		}
		if state.Terminal() {
			t := now
			st.EndedAt = &t
		}
	})

	r.log.WithFields(logrus.Fields{"handle": handle, "state": state}).Debug("session event")
	r.publish(st)
	if state.Terminal() {
		r.pub.QueueCompletion(r.filter.Apply(st))
		r.scheduleRemoval(handle)
	}
}

func (r *Recorder) publish(st *SessionState) {
	if !r.filter.IsAllowed(st.PeerAddr) {
		return
	}
	r.pub.QueueUpdate([]*SessionState{r.filter.Apply(st)})
}

func (r *Recorder) scheduleRemoval(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[id]; ok {
		t.Stop()
	}
	if r.retain <= 0 {
		delete(r.timers, id)
		r.store.Remove(id)
		r.pub.QueueRemoval([]int{id})
		return
	}
	r.timers[id] = time.AfterFunc(r.retain, func() {
		r.mu.Lock()
		delete(r.timers, id)
		r.mu.Unlock()
		r.store.Remove(id)
		r.pub.QueueRemoval([]int{id})
	})
}

// Close cancels pending removals.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
