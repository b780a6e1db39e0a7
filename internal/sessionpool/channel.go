package sessionpool

import (
	"bytes"
	"net"
	"sync"
)

type readRequest struct {
	numBytes int
	cb       ReadCallback
}

// poolChannel adapts one channel of the channel pool to AsyncChannel. Read
// callbacks run on whichever goroutine makes progress possible: the
// channel's reader when data arrives, or the caller of Read when enough
// data is already buffered. Only one goroutine runs callbacks at a time.
type poolChannel struct {
	cp ChannelPool
	id int

	mu          sync.Mutex
	incoming    bytes.Buffer
	reads       []readRequest
	down        bool
	dispatching bool

	// buf is touched only by the goroutine that set dispatching.
	buf bytes.Buffer
}

func newPoolChannel(cp ChannelPool, channelID int) *poolChannel {
	return &poolChannel{cp: cp, id: channelID}
}

func (c *poolChannel) Read(numBytes int, cb ReadCallback) error {
	if numBytes <= 0 || cb == nil {
		return ErrInvalidArgument
	}
	c.mu.Lock()
	if c.down {
		c.mu.Unlock()
		return ErrChannelDown
	}
	c.reads = append(c.reads, readRequest{numBytes: numBytes, cb: cb})
	c.mu.Unlock()
	c.pump()
	return nil
}

func (c *poolChannel) Write(data []byte) error {
	return c.cp.Write(c.id, data)
}

func (c *poolChannel) Close() {
	_ = c.cp.Close(c.id)
}

func (c *poolChannel) ChannelID() int {
	return c.id
}

func (c *poolChannel) LocalAddr() net.Addr {
	local, _, err := c.cp.ChannelAddrs(c.id)
	if err != nil {
		return nil
	}
	return local
}

func (c *poolChannel) PeerAddr() net.Addr {
	_, peer, err := c.cp.ChannelAddrs(c.id)
	if err != nil {
		return nil
	}
	return peer
}

// deliver queues bytes read from the channel.
func (c *poolChannel) deliver(data []byte) {
	c.mu.Lock()
	if c.down {
		c.mu.Unlock()
		return
	}
	c.incoming.Write(data)
	c.mu.Unlock()
	c.pump()
}

// markDown fails every pending and future read.
func (c *poolChannel) markDown() {
	c.mu.Lock()
	c.down = true
	c.mu.Unlock()
	c.pump()
}

func (c *poolChannel) pump() {
	c.mu.Lock()
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true
	for len(c.reads) > 0 {
		if c.incoming.Len() > 0 {
			c.buf.Write(c.incoming.Bytes())
			c.incoming.Reset()
		}
		req := c.reads[0]
		if c.down {
			c.reads = c.reads[1:]
			c.mu.Unlock()
			req.cb(ErrChannelDown, &c.buf, c.id)
			c.mu.Lock()
			continue
		}
		if c.buf.Len() < req.numBytes {
			break
		}
		c.mu.Unlock()
		need := req.cb(nil, &c.buf, c.id)
		c.mu.Lock()
		if need > 0 {
			c.reads[0].numBytes = need
		} else {
			c.reads = c.reads[1:]
		}
	}
	c.dispatching = false
	c.mu.Unlock()
}
