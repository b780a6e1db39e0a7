package channelpool

import (
	"net"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/sirupsen/logrus"
)

type channel struct {
	p        *Pool
	id       int
	sourceID int
	kind     Kind
	conn     net.Conn
	created  time.Time

	bytesRead    atomix.Uint64
	bytesWritten atomix.Uint64

	// evMu serializes callbacks for this channel.
	evMu sync.Mutex
	up   bool
	down bool

	mu        sync.Mutex
	ctx       any
	queue     [][]byte
	cacheSize int
	low, high int
	hiwat     bool
	events    []ChannelEvent
	closing   bool
	stash     []byte

	wake     chan struct{}
	evWake   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func newChannel(p *Pool, id, sourceID int, kind Kind, conn net.Conn) *channel {
	return &channel{
		p:        p,
		id:       id,
		sourceID: sourceID,
		kind:     kind,
		conn:     conn,
		created:  time.Now(),
		low:      p.cfg.WriteCacheLowWatermark,
		high:     p.cfg.WriteCacheHighWatermark,
		wake:     make(chan struct{}, 1),
		evWake:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func paused(stopping <-chan struct{}) bool {
	select {
	case <-stopping:
		return true
	default:
		return false
	}
}

func (c *channel) context() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *channel) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *channel) info() HandleInfo {
	c.mu.Lock()
	size := c.cacheSize
	c.mu.Unlock()
	info := HandleInfo{
		ChannelID:      c.id,
		SourceID:       c.sourceID,
		Kind:           c.kind.String(),
		Created:        c.created,
		BytesRead:      c.bytesRead.Load(),
		BytesWritten:   c.bytesWritten.Load(),
		WriteCacheSize: size,
	}
	if a := c.conn.LocalAddr(); a != nil {
		info.LocalAddr = a.String()
	}
	if a := c.conn.RemoteAddr(); a != nil {
		info.PeerAddr = a.String()
	}
	return info
}

func (p *Pool) launchChannelLocked(c *channel) {
	stopping := p.stopping
	p.group.Go(func() error {
		p.readLoop(c, stopping)
		return nil
	})
	p.group.Go(func() error {
		p.writeLoop(c, stopping)
		return nil
	})
	p.group.Go(func() error {
		p.notifyLoop(c, stopping)
		return nil
	})

	c.mu.Lock()
	if len(c.queue) > 0 || c.closing {
		signal(c.wake)
	}
	if len(c.events) > 0 {
		signal(c.evWake)
	}
	c.mu.Unlock()
}

// readLoop delivers ChannelUp, then data, then ChannelDown. It returns
// without delivering anything further once the pool is stopping; bytes read
// in that window are kept and delivered on resume.
func (p *Pool) readLoop(c *channel, stopping <-chan struct{}) {
	c.evMu.Lock()
	if paused(stopping) {
		c.evMu.Unlock()
		return
	}
	if !c.up {
		c.up = true
		p.cbs.ChannelState(c.id, c.sourceID, ChannelUp, c.context())
	}
	c.evMu.Unlock()

	c.mu.Lock()
	stash := c.stash
	c.stash = nil
	c.mu.Unlock()
	if len(stash) > 0 {
		p.deliver(c, stash)
	}

	for {
		buf := p.buffers.Get()
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.bytesRead.Add(uint64(n))
			if paused(stopping) {
				c.mu.Lock()
				c.stash = append(c.stash, buf[:n]...)
				c.mu.Unlock()
			} else {
				p.deliver(c, buf[:n])
			}
		}
		p.buffers.Put(buf)
		if err != nil {
			if paused(stopping) {
				return
			}
			p.channelDown(c, err)
			return
		}
	}
}

func (p *Pool) deliver(c *channel, data []byte) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if !c.down {
		p.cbs.Data(c.id, data, c.context())
	}
}

func (p *Pool) channelDown(c *channel, cause error) {
	c.conn.Close()
	p.forget(c)

	c.evMu.Lock()
	if !c.down {
		c.down = true
		p.log.WithFields(logrus.Fields{
			"channel": c.id,
			"source":  c.sourceID,
			"cause":   cause,
		}).Debug("channel down")
		p.cbs.ChannelState(c.id, c.sourceID, ChannelDown, c.context())
	}
	c.evMu.Unlock()
	c.finish()
}

func (p *Pool) writeLoop(c *channel, stopping <-chan struct{}) {
	for {
		select {
		case <-stopping:
			return
		case <-c.done:
			return
		case <-c.wake:
		}
		p.flush(c, stopping)
	}
}

func (p *Pool) flush(c *channel, stopping <-chan struct{}) {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			closing := c.closing
			c.mu.Unlock()
			if closing {
				c.conn.Close()
			}
			return
		}
		buf := c.queue[0]
		c.mu.Unlock()

		n, err := c.conn.Write(buf)
		c.bytesWritten.Add(uint64(n))

		c.mu.Lock()
		if n == len(buf) {
			c.queue = c.queue[1:]
		} else {
			c.queue[0] = buf[n:]
		}
		c.cacheSize -= n
		if c.hiwat && c.cacheSize <= c.low {
			c.hiwat = false
			c.pushEventLocked(WriteCacheLowWat)
		}
		c.mu.Unlock()

		if err != nil {
			if !paused(stopping) {
				// The reader observes the closed socket and delivers
				// ChannelDown.
				c.conn.Close()
			}
			return
		}
	}
}

func (c *channel) pushEventLocked(ev ChannelEvent) {
	c.events = append(c.events, ev)
	signal(c.evWake)
}

func (p *Pool) notifyLoop(c *channel, stopping <-chan struct{}) {
	for {
		select {
		case <-stopping:
			return
		case <-c.done:
			return
		case <-c.evWake:
		}
		for !paused(stopping) {
			c.mu.Lock()
			if len(c.events) == 0 {
				c.mu.Unlock()
				break
			}
			ev := c.events[0]
			c.events = c.events[1:]
			c.mu.Unlock()

			c.evMu.Lock()
			if c.up && !c.down {
				p.cbs.ChannelState(c.id, c.sourceID, ev, c.context())
			}
			c.evMu.Unlock()
		}
	}
}

func (c *channel) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrChannelClosing
	}
	if c.cacheSize+len(data) > c.high {
		if !c.hiwat {
			c.hiwat = true
			c.pushEventLocked(WriteCacheHiWat)
		}
		return ErrWriteCacheFull
	}
	c.queue = append(c.queue, append([]byte(nil), data...))
	c.cacheSize += len(data)
	signal(c.wake)
	return nil
}

// Write appends data to the channel's write cache. It fails with
// ErrWriteCacheFull, and WriteCacheHiWat is delivered, when the cache would
// exceed the high watermark. WriteCacheLowWat follows once the cache has
// drained to the low watermark.
func (p *Pool) Write(channelID int, data []byte) error {
	c, ok := p.lookup(channelID)
	if !ok {
		return ErrUnknownChannel
	}
	return c.write(data)
}

// Close closes the channel immediately.
func (p *Pool) Close(channelID int) error {
	return p.Shutdown(channelID, ShutdownImmediate)
}

// Shutdown closes the channel. While the pool runs, ChannelDown follows.
// A channel shut down while the pool is stopped is discarded without
// events; a graceful shutdown in that state waits for Start to flush.
func (p *Pool) Shutdown(channelID int, mode ShutdownMode) error {
	p.mu.Lock()
	c, ok := p.channels[channelID]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownChannel
	}
	if mode == ShutdownGraceful {
		p.mu.Unlock()
		c.mu.Lock()
		c.closing = true
		signal(c.wake)
		c.mu.Unlock()
		return nil
	}
	running := p.running
	if !running {
		delete(p.channels, channelID)
	}
	p.mu.Unlock()

	err := c.conn.Close()
	if !running {
		c.finish()
	}
	return err
}

// SetChannelContext attaches ctx to the channel. It is passed to every
// later callback for that channel.
func (p *Pool) SetChannelContext(channelID int, ctx any) error {
	c, ok := p.lookup(channelID)
	if !ok {
		return ErrUnknownChannel
	}
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	return nil
}

// SetWriteCacheWatermarks changes the watermarks of one channel.
func (p *Pool) SetWriteCacheWatermarks(channelID, low, high int) error {
	if low < 0 || high <= 0 || low > high {
		return ErrInvalidArgument
	}
	c, ok := p.lookup(channelID)
	if !ok {
		return ErrUnknownChannel
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.low, c.high = low, high
	if c.hiwat && c.cacheSize <= c.low {
		c.hiwat = false
		c.pushEventLocked(WriteCacheLowWat)
	}
	return nil
}

// ChannelAddrs returns the local and peer address of a channel.
func (p *Pool) ChannelAddrs(channelID int) (local, peer net.Addr, err error) {
	c, ok := p.lookup(channelID)
	if !ok {
		return nil, nil, ErrUnknownChannel
	}
	return c.conn.LocalAddr(), c.conn.RemoteAddr(), nil
}
