package ws

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/agent-racer/sessionpool/internal/logging"
	"github.com/agent-racer/sessionpool/internal/session"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrTooManyConnections is returned by AddClient when the connection limit
// is reached.
var ErrTooManyConnections = errors.New("ws: too many connections")

const writeWait = 5 * time.Second

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.log.WithError(err).Debug("ws write failed")
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster fans session store changes out to websocket clients.
// Updates are batched into deltas at most once per throttle interval; a
// full snapshot goes out every snapshot interval.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	store    *session.Store
	privacy  *session.PrivacyFilter
	maxConns int
	log      *logrus.Entry

	throttle       time.Duration
	snapshotTicker *time.Ticker
	done           chan struct{}
	stopOnce       sync.Once

	flushMu        sync.Mutex
	pendingUpdates map[int]*session.SessionState
	pendingRemoved []int
	flushTimer     *time.Timer

	seq atomix.Uint64
}

// NewBroadcaster starts a broadcaster. maxConns 0 means no limit.
func NewBroadcaster(store *session.Store, throttle, snapshotInterval time.Duration, maxConns int) *Broadcaster {
	b := &Broadcaster{
		clients:        make(map[*client]bool),
		store:          store,
		privacy:        &session.PrivacyFilter{},
		maxConns:       maxConns,
		log:            logging.WithComponent("ws"),
		throttle:       throttle,
		done:           make(chan struct{}),
		pendingUpdates: make(map[int]*session.SessionState),
	}
	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()
	return b
}

// SetPrivacyFilter replaces the filter applied to snapshots and API
// responses.
func (b *Broadcaster) SetPrivacyFilter(f *session.PrivacyFilter) {
	if f == nil {
		f = &session.PrivacyFilter{}
	}
	b.mu.Lock()
	b.privacy = f
	b.mu.Unlock()
}

// FilterSessions applies the privacy filter to sessions.
func (b *Broadcaster) FilterSessions(sessions []*session.SessionState) []*session.SessionState {
	b.mu.RLock()
	f := b.privacy
	b.mu.RUnlock()
	return f.FilterSlice(sessions)
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, 64),
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	b.mu.Unlock()
	go c.writePump()

	data, err := b.encode(MsgSnapshot, b.snapshot())
	if err == nil {
		select {
		case c.send <- data:
		default:
		}
	}
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

// QueueUpdate implements session.Publisher. Repeated updates of one
// session within a throttle interval collapse into the latest.
func (b *Broadcaster) QueueUpdate(states []*session.SessionState) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	for _, st := range states {
		b.pendingUpdates[st.ID] = st
	}
	b.armLocked()
}

// QueueRemoval implements session.Publisher.
func (b *Broadcaster) QueueRemoval(ids []int) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	for _, id := range ids {
		delete(b.pendingUpdates, id)
	}
	b.pendingRemoved = append(b.pendingRemoved, ids...)
	b.armLocked()
}

// QueueCompletion implements session.Publisher. Completions are sent at
// once.
func (b *Broadcaster) QueueCompletion(st *session.SessionState) {
	b.broadcast(MsgCompletion, CompletionPayload{
		SessionID: st.ID,
		Phase:     st.Phase,
		LastState: st.LastState,
	})
}

func (b *Broadcaster) armLocked() {
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	updates := make([]*session.SessionState, 0, len(b.pendingUpdates))
	for _, st := range b.pendingUpdates {
		updates = append(updates, st)
	}
	removed := b.pendingRemoved
	b.pendingUpdates = make(map[int]*session.SessionState)
	b.pendingRemoved = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(updates) == 0 && len(removed) == 0 {
		return
	}
	b.broadcast(MsgDelta, DeltaPayload{
		Updates: sortByID(updates),
		Removed: removed,
	})
}

func (b *Broadcaster) snapshot() SnapshotPayload {
	return SnapshotPayload{
		Sessions:    b.FilterSessions(b.store.GetAll()),
		ActiveCount: b.store.ActiveCount(),
	}
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.snapshotTicker.C:
			b.broadcast(MsgSnapshot, b.snapshot())
		}
	}
}

func (b *Broadcaster) encode(typ MessageType, payload interface{}) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:    typ,
		Seq:     b.seq.Add(1),
		Payload: payload,
	})
}

func (b *Broadcaster) broadcast(typ MessageType, payload interface{}) {
	data, err := b.encode(typ, payload)
	if err != nil {
		b.log.WithError(err).Error("broadcast marshal error")
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if !b.trySend(c, data) {
			b.log.Warn("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

// trySend queues data unless the client's buffer is full. A client removed
// concurrently counts as sent.
func (b *Broadcaster) trySend(c *client, data []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.clients[c] {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop ends the snapshot loop and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.snapshotTicker.Stop()
		close(b.done)
		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
	})
}

func sortByID(states []*session.SessionState) []*session.SessionState {
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}
