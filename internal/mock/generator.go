// Package mock drives synthetic peers through a session pool: a fixed
// number of outbound sessions that send payloads, with periodic churn.
package mock

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/agent-racer/sessionpool/internal/config"
	"github.com/agent-racer/sessionpool/internal/logging"
	"github.com/agent-racer/sessionpool/internal/session"
	"github.com/agent-racer/sessionpool/internal/sessionpool"
	"github.com/sirupsen/logrus"
)

// Pool is the part of the session pool the generator drives.
type Pool interface {
	Connect(addr string, attempts int, interval time.Duration, factory sessionpool.SessionFactory, cb sessionpool.StateCallback, userData any, opts sessionpool.ConnectOptions) (int, error)
	CloseHandle(id int) error
}

// Stats summarizes generator activity.
type Stats struct {
	Live          int    `json:"live"`
	Pending       int    `json:"pending"`
	Connects      uint64 `json:"connects"`
	Failures      uint64 `json:"failures"`
	Churned       uint64 `json:"churned"`
	BytesSent     uint64 `json:"bytesSent"`
	BytesReceived uint64 `json:"bytesReceived"`
}

type Generator struct {
	pool     Pool
	cfg      config.MockConfig
	target   string
	recorder *session.Recorder
	log      *logrus.Entry

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	ctx     context.Context
	live    map[int]bool
	pending map[int]bool

	connects atomix.Uint64
	failures atomix.Uint64
	churned  atomix.Uint64
	sent     atomix.Uint64
	received atomix.Uint64
}

// NewGenerator returns a generator that connects to target. recorder may be
// nil.
func NewGenerator(pool Pool, cfg config.MockConfig, target string, recorder *session.Recorder) *Generator {
	return &Generator{
		pool:     pool,
		cfg:      cfg,
		target:   target,
		recorder: recorder,
		log:      logging.WithComponent("mock"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		live:     make(map[int]bool),
		pending:  make(map[int]bool),
	}
}

// Start opens the configured number of peers and runs churn until ctx is
// done. Peers lost for any reason are replaced while ctx is live.
func (g *Generator) Start(ctx context.Context) {
	g.mu.Lock()
	g.ctx = ctx
	g.mu.Unlock()

	for i := 0; i < g.cfg.Clients; i++ {
		g.spawn()
	}
	g.log.WithFields(logrus.Fields{"clients": g.cfg.Clients, "target": g.target}).Info("mock peers started")
	if g.cfg.ChurnInterval > 0 {
		go g.run(ctx)
	}
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.ChurnInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.churn()
		}
	}
}

// churn closes one random live peer. Its replacement is opened when the
// terminal event arrives.
func (g *Generator) churn() {
	g.mu.Lock()
	ids := make([]int, 0, len(g.live))
	for id := range g.live {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	g.rngMu.Lock()
	id := ids[g.rng.Intn(len(ids))]
	g.rngMu.Unlock()

	if err := g.pool.CloseHandle(id); err != nil {
		g.log.WithField("handle", id).WithError(err).Debug("churn close failed")
		return
	}
	g.churned.Add(1)
	g.log.WithField("handle", id).Debug("churned peer")
}

func (g *Generator) active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctx != nil && g.ctx.Err() == nil
}

func (g *Generator) spawn() {
	if !g.active() {
		return
	}
	cb := g.onState
	if g.recorder != nil {
		cb = g.recorder.Wrap(cb)
	}
	factory := &peerFactory{g: g}

	// The pending entry must exist before the first callback can arrive.
	g.mu.Lock()
	id, err := g.pool.Connect(g.target, g.cfg.Attempts, g.cfg.RetryInterval, factory, cb, nil, sessionpool.ConnectOptions{})
	if err == nil {
		g.pending[id] = true
	}
	g.mu.Unlock()
	if err != nil {
		g.failures.Add(1)
		g.log.WithError(err).Warn("mock connect failed")
		return
	}
	g.connects.Add(1)
	if g.recorder != nil {
		g.recorder.Track(id, "connect", g.target)
	}
}

func (g *Generator) onState(state sessionpool.State, handle int, _ sessionpool.Session, _ any) {
	switch {
	case state == sessionpool.SessionUp:
		g.mu.Lock()
		delete(g.pending, handle)
		g.live[handle] = true
		g.mu.Unlock()
	case state.Terminal():
		g.mu.Lock()
		delete(g.pending, handle)
		delete(g.live, handle)
		g.mu.Unlock()
		if state != sessionpool.SessionDown && state != sessionpool.ConnectAborted {
			g.failures.Add(1)
		}
		g.spawn()
	}
}

func (g *Generator) Stats() Stats {
	g.mu.Lock()
	live, pending := len(g.live), len(g.pending)
	g.mu.Unlock()
	return Stats{
		Live:          live,
		Pending:       pending,
		Connects:      g.connects.Load(),
		Failures:      g.failures.Load(),
		Churned:       g.churned.Load(),
		BytesSent:     g.sent.Load(),
		BytesReceived: g.received.Load(),
	}
}

func (g *Generator) payload() []byte {
	p := make([]byte, g.cfg.PayloadSize)
	g.rngMu.Lock()
	g.rng.Read(p)
	g.rngMu.Unlock()
	return p
}

type peerFactory struct {
	g *Generator
}

func (f *peerFactory) Allocate(ch sessionpool.AsyncChannel, done sessionpool.AllocateCallback) {
	done(&peer{g: f.g, ch: ch, stop: make(chan struct{})}, nil)
}

func (f *peerFactory) Deallocate(s sessionpool.Session) {
	if p, ok := s.(*peer); ok {
		_ = p.Stop()
	}
}

// peer sends a payload every send interval and counts what comes back.
type peer struct {
	g        *Generator
	ch       sessionpool.AsyncChannel
	stop     chan struct{}
	stopOnce sync.Once
}

func (p *peer) Start() error {
	if err := p.ch.Read(1, p.onRead); err != nil {
		return err
	}
	if p.g.cfg.PayloadSize > 0 && p.g.cfg.SendInterval > 0 {
		go p.sendLoop()
	}
	return nil
}

func (p *peer) Stop() error {
	p.stopOnce.Do(func() { close(p.stop) })
	return nil
}

func (p *peer) Channel() sessionpool.AsyncChannel { return p.ch }

func (p *peer) sendLoop() {
	ticker := time.NewTicker(p.g.cfg.SendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			data := p.g.payload()
			if err := p.ch.Write(data); err != nil {
				// Write cache full or channel gone; the terminal event
				// ends the peer.
				continue
			}
			p.g.sent.Add(uint64(len(data)))
		}
	}
}

func (p *peer) onRead(err error, data *bytes.Buffer, _ int) int {
	if err != nil {
		_ = p.Stop()
		return 0
	}
	p.g.received.Add(uint64(data.Len()))
	data.Reset()
	return 1
}
