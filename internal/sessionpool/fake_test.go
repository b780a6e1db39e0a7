package sessionpool

import (
	"bytes"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/agent-racer/sessionpool/internal/channelpool"
	"github.com/agent-racer/sessionpool/internal/config"
)

// fakePool is a ChannelPool whose events are fired by the test.
type fakePool struct {
	mu          sync.Mutex
	cbs         channelpool.Callbacks
	running     bool
	started     int
	stopped     int
	removedAll  int
	nextChannel int
	sources     map[int]int // channel -> source
	contexts    map[int]any
	closed      map[int]int
	connects    map[int]int // source -> attempts
	cancelled   map[int]bool
	servers     map[int]bool
	clocks      map[int]func()
	watermarks  map[int][2]int
	writes      map[int]*bytes.Buffer

	failConnect error
	failListen  error
	failImport  error
	failClock   error
}

func newFakePool() *fakePool {
	return &fakePool{
		sources:    make(map[int]int),
		contexts:   make(map[int]any),
		closed:     make(map[int]int),
		connects:   make(map[int]int),
		cancelled:  make(map[int]bool),
		servers:    make(map[int]bool),
		clocks:     make(map[int]func()),
		watermarks: make(map[int][2]int),
		writes:     make(map[int]*bytes.Buffer),
	}
}

func (f *fakePool) factory() ChannelPoolFactory {
	return func(_ config.PoolConfig, cbs channelpool.Callbacks, _ channelpool.BufferFactory) ChannelPool {
		f.mu.Lock()
		f.cbs = cbs
		f.mu.Unlock()
		return f
	}
}

// up brings a new channel up for source and returns its id.
func (f *fakePool) up(source int) int {
	f.mu.Lock()
	f.nextChannel++
	id := f.nextChannel
	f.sources[id] = source
	cb := f.cbs.ChannelState
	f.mu.Unlock()
	cb(id, source, channelpool.ChannelUp, nil)
	return id
}

func (f *fakePool) event(channelID int, ev channelpool.ChannelEvent) {
	f.mu.Lock()
	source := f.sources[channelID]
	ctx := f.contexts[channelID]
	cb := f.cbs.ChannelState
	f.mu.Unlock()
	cb(channelID, source, ev, ctx)
}

func (f *fakePool) down(channelID int) {
	f.event(channelID, channelpool.ChannelDown)
	f.mu.Lock()
	delete(f.sources, channelID)
	delete(f.contexts, channelID)
	f.mu.Unlock()
}

func (f *fakePool) data(channelID int, data string) {
	f.mu.Lock()
	ctx := f.contexts[channelID]
	cb := f.cbs.Data
	f.mu.Unlock()
	cb(channelID, []byte(data), ctx)
}

func (f *fakePool) poolEvent(ev channelpool.PoolEvent, source, errno int) {
	f.mu.Lock()
	cb := f.cbs.PoolState
	f.mu.Unlock()
	cb(ev, source, errno)
}

// tick fires every registered clock once.
func (f *fakePool) tick() {
	f.mu.Lock()
	ids := make([]int, 0, len(f.clocks))
	for id := range f.clocks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	cbs := make([]func(), 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, f.clocks[id])
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (f *fakePool) numClocks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clocks)
}

func (f *fakePool) hasClock(id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.clocks[id]
	return ok
}

func (f *fakePool) closeCount(channelID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[channelID]
}

func (f *fakePool) wasCancelled(source int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[source]
}

func (f *fakePool) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.started++
	return nil
}

func (f *fakePool) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stopped++
	return nil
}

func (f *fakePool) StopAndRemoveAllChannels() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.removedAll++
	f.sources = make(map[int]int)
	f.contexts = make(map[int]any)
	return nil
}

func (f *fakePool) Connect(_ string, attempts int, _ time.Duration, sourceID int, _ channelpool.ConnectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConnect != nil {
		return f.failConnect
	}
	f.connects[sourceID] = attempts
	return nil
}

func (f *fakePool) CancelConnect(sourceID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[sourceID] = true
	return nil
}

func (f *fakePool) Listen(_ string, _, serverID int, _ channelpool.ListenOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failListen != nil {
		return f.failListen
	}
	f.servers[serverID] = true
	return nil
}

func (f *fakePool) CloseServer(serverID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.servers[serverID] {
		return channelpool.ErrUnknownServer
	}
	delete(f.servers, serverID)
	return nil
}

func (f *fakePool) ServerAddr(serverID int) (net.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.servers[serverID] {
		return nil, channelpool.ErrUnknownServer
	}
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000 + serverID}, nil
}

func (f *fakePool) Import(_ net.Conn, sourceID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failImport != nil {
		return f.failImport
	}
	f.connects[sourceID] = 1
	return nil
}

func (f *fakePool) Write(channelID int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sources[channelID]; !ok {
		return channelpool.ErrUnknownChannel
	}
	if f.writes[channelID] == nil {
		f.writes[channelID] = new(bytes.Buffer)
	}
	f.writes[channelID].Write(data)
	return nil
}

func (f *fakePool) Close(channelID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[channelID]++
	return nil
}

func (f *fakePool) Shutdown(channelID int, _ channelpool.ShutdownMode) error {
	return f.Close(channelID)
}

func (f *fakePool) SetChannelContext(channelID int, ctx any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sources[channelID]; !ok {
		return channelpool.ErrUnknownChannel
	}
	f.contexts[channelID] = ctx
	return nil
}

func (f *fakePool) SetWriteCacheWatermarks(channelID, low, high int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watermarks[channelID] = [2]int{low, high}
	return nil
}

func (f *fakePool) ChannelAddrs(channelID int) (net.Addr, net.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sources[channelID]; !ok {
		return nil, nil, channelpool.ErrUnknownChannel
	}
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000 + channelID},
		&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000 + channelID}, nil
}

func (f *fakePool) RegisterClock(cb func(), _ time.Time, _ time.Duration, clockID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failClock != nil {
		return f.failClock
	}
	if _, dup := f.clocks[clockID]; dup {
		return channelpool.ErrDuplicateClock
	}
	f.clocks[clockID] = cb
	return nil
}

func (f *fakePool) DeregisterClock(clockID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clocks[clockID]; !ok {
		return channelpool.ErrUnknownClock
	}
	delete(f.clocks, clockID)
	return nil
}

func (f *fakePool) NumChannels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sources)
}

func (f *fakePool) HandleStatistics() []channelpool.HandleInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	var infos []channelpool.HandleInfo
	for id, src := range f.sources {
		infos = append(infos, channelpool.HandleInfo{ChannelID: id, SourceID: src})
	}
	return infos
}

type fakeSession struct {
	ch       AsyncChannel
	startErr error

	mu      sync.Mutex
	started bool
	stopped bool
}

func (s *fakeSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

func (s *fakeSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *fakeSession) Channel() AsyncChannel { return s.ch }

func (s *fakeSession) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type pendingAlloc struct {
	ch   AsyncChannel
	done AllocateCallback
}

// fakeFactory allocates fakeSessions, synchronously unless async is set.
type fakeFactory struct {
	mu          sync.Mutex
	async       bool
	allocErr    error
	startErr    error
	pending     []pendingAlloc
	sessions    []*fakeSession
	deallocated int
}

var errAlloc = errors.New("allocation refused")
var errStart = errors.New("start refused")

func (f *fakeFactory) Allocate(ch AsyncChannel, done AllocateCallback) {
	f.mu.Lock()
	if f.async {
		f.pending = append(f.pending, pendingAlloc{ch, done})
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.complete(ch, done)
}

func (f *fakeFactory) complete(ch AsyncChannel, done AllocateCallback) {
	f.mu.Lock()
	if f.allocErr != nil {
		err := f.allocErr
		f.mu.Unlock()
		done(nil, err)
		return
	}
	s := &fakeSession{ch: ch, startErr: f.startErr}
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	done(s, nil)
}

// completeAll finishes every pending asynchronous allocation.
func (f *fakeFactory) completeAll() {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, p := range pending {
		f.complete(p.ch, p.done)
	}
}

func (f *fakeFactory) Deallocate(Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deallocated++
}

func (f *fakeFactory) numDeallocated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deallocated
}

func (f *fakeFactory) numSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

type userEvent struct {
	state   State
	handle  int
	session Session
}

type eventLog struct {
	mu     sync.Mutex
	events []userEvent
	pool   []userEvent
	// hook runs inside the callback, after the event is recorded.
	hook func(State, int)
}

func (l *eventLog) callback(state State, handle int, s Session, _ any) {
	l.mu.Lock()
	l.events = append(l.events, userEvent{state, handle, s})
	hook := l.hook
	l.mu.Unlock()
	if hook != nil {
		hook(state, handle)
	}
}

func (l *eventLog) poolCallback(state State, source int, _ int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pool = append(l.pool, userEvent{state: state, handle: source})
}

func (l *eventLog) states(handle int) []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []State
	for _, e := range l.events {
		if e.handle == handle {
			out = append(out, e.state)
		}
	}
	return out
}

func (l *eventLog) all() []userEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]userEvent(nil), l.events...)
}

func (l *eventLog) poolStates() []userEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]userEvent(nil), l.pool...)
}

func (l *eventLog) handlesWith(state State) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for _, e := range l.events {
		if e.state == state {
			out = append(out, e.handle)
		}
	}
	return out
}
