// Package channelpool manages TCP channels: listening sockets, outbound
// connectors with retry, imported sockets, per-channel write caches and
// timer clocks. Everything it observes is reported through Callbacks.
package channelpool

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/agent-racer/sessionpool/internal/config"
	"github.com/agent-racer/sessionpool/internal/logging"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotRunning      = errors.New("channelpool: not running")
	ErrUnknownChannel  = errors.New("channelpool: unknown channel")
	ErrUnknownServer   = errors.New("channelpool: unknown server")
	ErrUnknownSource   = errors.New("channelpool: unknown connect source")
	ErrUnknownClock    = errors.New("channelpool: unknown clock")
	ErrDuplicateID     = errors.New("channelpool: id already in use")
	ErrDuplicateClock  = errors.New("channelpool: clock id already registered")
	ErrWriteCacheFull  = errors.New("channelpool: write cache above high watermark")
	ErrChannelClosing  = errors.New("channelpool: channel is shutting down")
	ErrChannelLimit    = errors.New("channelpool: channel limit reached")
	ErrInvalidArgument = errors.New("channelpool: invalid argument")
)

// HandleInfo describes one channel or listening socket.
type HandleInfo struct {
	ChannelID      int       `json:"channelId"`
	SourceID       int       `json:"sourceId"`
	Kind           string    `json:"kind"`
	Created        time.Time `json:"created"`
	LocalAddr      string    `json:"localAddr"`
	PeerAddr       string    `json:"peerAddr,omitempty"`
	BytesRead      uint64    `json:"bytesRead"`
	BytesWritten   uint64    `json:"bytesWritten"`
	WriteCacheSize int       `json:"writeCacheSize"`
}

// Pool is a set of channels driven by goroutines. Stop pauses all of them
// without closing any socket; Start resumes.
type Pool struct {
	cfg     config.PoolConfig
	cbs     Callbacks
	buffers BufferFactory
	log     *logrus.Entry

	mu          sync.Mutex
	running     bool
	stopping    chan struct{}
	group       *errgroup.Group
	nextChannel int
	channels    map[int]*channel
	servers     map[int]*server
	connectors  map[int]*connector
	clocks      map[int]*clock
}

// New creates a stopped pool. buffers may be nil, in which case a pooled
// factory sized by cfg.ReadBufferSize is used.
func New(cfg config.PoolConfig, cbs Callbacks, buffers BufferFactory) *Pool {
	if buffers == nil {
		buffers = NewPooledBuffers(cfg.ReadBufferSize)
	}
	if cbs.ChannelState == nil {
		cbs.ChannelState = func(int, int, ChannelEvent, any) {}
	}
	if cbs.PoolState == nil {
		cbs.PoolState = func(PoolEvent, int, int) {}
	}
	if cbs.Data == nil {
		cbs.Data = func(int, []byte, any) {}
	}
	return &Pool{
		cfg:        cfg,
		cbs:        cbs,
		buffers:    buffers,
		log:        logging.WithComponent("channelpool"),
		channels:   make(map[int]*channel),
		servers:    make(map[int]*server),
		connectors: make(map[int]*connector),
		clocks:     make(map[int]*clock),
	}
}

// SetLogger replaces the pool's log entry.
func (p *Pool) SetLogger(e *logrus.Entry) {
	p.log = e
}

// Start launches, or resumes, every goroutine of the pool. Calling Start on
// a running pool does nothing.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	p.stopping = make(chan struct{})
	p.group = new(errgroup.Group)

	for _, s := range p.servers {
		_ = s.ln.SetDeadline(time.Time{})
		p.launchServerLocked(s)
	}
	for _, c := range p.channels {
		_ = c.conn.SetDeadline(time.Time{})
		p.launchChannelLocked(c)
	}
	for _, cn := range p.connectors {
		p.launchConnectorLocked(cn)
	}
	for _, k := range p.clocks {
		p.launchClockLocked(k)
	}
	p.log.WithFields(logrus.Fields{
		"channels": len(p.channels),
		"servers":  len(p.servers),
	}).Debug("channel pool started")
	return nil
}

// Stop pauses all I/O and returns once no goroutine of the pool can
// deliver another callback. Channels, listeners, pending connects and
// clocks are kept and resume on Start. Stop must not be called from a
// pool callback.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopping)
	now := time.Now()
	for _, s := range p.servers {
		_ = s.ln.SetDeadline(now)
	}
	for _, c := range p.channels {
		_ = c.conn.SetDeadline(now)
	}
	g := p.group
	p.mu.Unlock()

	err := g.Wait()
	p.log.Debug("channel pool stopped")
	return err
}

// StopAndRemoveAllChannels stops the pool, then closes every channel and
// listening socket and cancels every pending connect. No events are
// delivered for any of them.
func (p *Pool) StopAndRemoveAllChannels() error {
	err := p.Stop()

	p.mu.Lock()
	channels := p.channels
	servers := p.servers
	p.channels = make(map[int]*channel)
	p.servers = make(map[int]*server)
	for id, cn := range p.connectors {
		cn.cancel()
		delete(p.connectors, id)
	}
	p.mu.Unlock()

	for _, c := range channels {
		c.conn.Close()
		c.finish()
	}
	for _, s := range servers {
		s.ln.Close()
	}
	return err
}

// Running reports whether the pool is started.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// NumChannels returns the number of open channels, listeners excluded.
func (p *Pool) NumChannels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}

// HandleStatistics returns one entry per channel and listening socket,
// ordered by id.
func (p *Pool) HandleStatistics() []HandleInfo {
	p.mu.Lock()
	infos := make([]HandleInfo, 0, len(p.channels)+len(p.servers))
	for _, c := range p.channels {
		infos = append(infos, c.info())
	}
	for _, s := range p.servers {
		infos = append(infos, HandleInfo{
			ChannelID: s.id,
			SourceID:  s.id,
			Kind:      KindListener.String(),
			Created:   s.created,
			LocalAddr: s.ln.Addr().String(),
		})
	}
	p.mu.Unlock()

	listener := KindListener.String()
	sort.Slice(infos, func(i, j int) bool {
		li, lj := infos[i].Kind == listener, infos[j].Kind == listener
		if li != lj {
			return li
		}
		return infos[i].ChannelID < infos[j].ChannelID
	})
	return infos
}

// Import adopts an established connection as a channel. ChannelUp is
// delivered with sourceID.
func (p *Pool) Import(conn net.Conn, sourceID int) error {
	if conn == nil {
		return ErrInvalidArgument
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrNotRunning
	}
	if p.atLimitLocked() {
		return ErrChannelLimit
	}
	if err := p.applyConnOptions(conn); err != nil {
		return err
	}
	p.addChannelLocked(conn, sourceID, KindImported)
	return nil
}

func (p *Pool) atLimitLocked() bool {
	return p.cfg.MaxConnections > 0 && len(p.channels) >= p.cfg.MaxConnections
}

// addChannelLocked registers conn and, if the pool is running, starts its
// goroutines. A channel added while stopped comes up on the next Start.
func (p *Pool) addChannelLocked(conn net.Conn, sourceID int, kind Kind) *channel {
	p.nextChannel++
	c := newChannel(p, p.nextChannel, sourceID, kind, conn)
	p.channels[c.id] = c
	if p.running {
		p.launchChannelLocked(c)
	}
	return c
}

func (p *Pool) lookup(channelID int) (*channel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.channels[channelID]
	return c, ok
}

func (p *Pool) forget(c *channel) {
	p.mu.Lock()
	if p.channels[c.id] == c {
		delete(p.channels, c.id)
	}
	p.mu.Unlock()
}

func (p *Pool) applyConnOptions(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(p.cfg.NoDelay); err != nil {
		return err
	}
	if p.cfg.KeepAlive > 0 {
		if err := tc.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tc.SetKeepAlivePeriod(p.cfg.KeepAlive); err != nil {
			return err
		}
	}
	return nil
}
