package channelpool

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectOptions tune one outbound connect.
type ConnectOptions struct {
	Resolution ResolutionMode
	// LocalAddr, if set, is the client address the socket binds to.
	LocalAddr string
}

type connector struct {
	sourceID  int
	addr      string
	remaining int
	interval  time.Duration
	opts      ConnectOptions
	resolved  *net.TCPAddr
	attempted bool

	cancelled  chan struct{}
	cancelOnce sync.Once
}

func (cn *connector) cancel() {
	cn.cancelOnce.Do(func() { close(cn.cancelled) })
}

// Connect starts an asynchronous connect to addr. Every failed attempt is
// reported through Callbacks.PoolState; the next attempt follows after
// interval until attempts are exhausted. On success ChannelUp is delivered
// with sourceID.
func (p *Pool) Connect(addr string, attempts int, interval time.Duration, sourceID int, opts ConnectOptions) error {
	if addr == "" || attempts <= 0 || interval < 0 {
		return ErrInvalidArgument
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrNotRunning
	}
	if _, dup := p.connectors[sourceID]; dup {
		return ErrDuplicateID
	}
	cn := &connector{
		sourceID:  sourceID,
		addr:      addr,
		remaining: attempts,
		interval:  interval,
		opts:      opts,
		cancelled: make(chan struct{}),
	}
	p.connectors[sourceID] = cn
	p.launchConnectorLocked(cn)
	return nil
}

// CancelConnect abandons a pending connect. A connection that completes
// after cancellation is closed without ChannelUp.
func (p *Pool) CancelConnect(sourceID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cn, ok := p.connectors[sourceID]
	if !ok {
		return ErrUnknownSource
	}
	delete(p.connectors, sourceID)
	cn.cancel()
	return nil
}

func (p *Pool) launchConnectorLocked(cn *connector) {
	stopping := p.stopping
	p.group.Go(func() error {
		p.connectLoop(cn, stopping)
		return nil
	})
}

func (p *Pool) connectLoop(cn *connector, stopping <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopping:
		case <-cn.cancelled:
		case <-ctx.Done():
		}
		cancel()
	}()

	for {
		if cn.attempted && cn.interval > 0 {
			timer := time.NewTimer(cn.interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		cn.attempted = true

		conn, ev, err := p.dialOnce(ctx, cn)
		if ctx.Err() != nil {
			// Stopped or cancelled. A paused connector is relaunched by
			// Start with the attempts it has left.
			if conn != nil {
				conn.Close()
			}
			return
		}

		if err == nil {
			p.mu.Lock()
			if p.connectors[cn.sourceID] != cn {
				p.mu.Unlock()
				conn.Close()
				return
			}
			delete(p.connectors, cn.sourceID)
			p.addChannelLocked(conn, cn.sourceID, KindConnected)
			p.mu.Unlock()
			return
		}

		cn.remaining--
		last := cn.remaining <= 0
		if last {
			p.mu.Lock()
			if p.connectors[cn.sourceID] == cn {
				delete(p.connectors, cn.sourceID)
			}
			p.mu.Unlock()
		}
		p.log.WithFields(logrus.Fields{
			"source":    cn.sourceID,
			"addr":      cn.addr,
			"event":     ev,
			"remaining": cn.remaining,
		}).WithError(err).Debug("connect attempt failed")
		p.cbs.PoolState(ev, cn.sourceID, platformError(err))
		if last {
			return
		}
	}
}

func (p *Pool) dialOnce(ctx context.Context, cn *connector) (net.Conn, PoolEvent, error) {
	p.mu.Lock()
	full := p.atLimitLocked()
	p.mu.Unlock()
	if full {
		return nil, ErrorConnecting, ErrChannelLimit
	}

	target := cn.addr
	if cn.opts.Resolution == ResolveOnce {
		if cn.resolved == nil {
			ra, err := net.ResolveTCPAddr("tcp", cn.addr)
			if err != nil {
				return nil, ErrorConnecting, err
			}
			cn.resolved = ra
		}
		target = cn.resolved.String()
	}

	d := net.Dialer{Timeout: cn.interval, KeepAlive: p.cfg.KeepAlive}
	if cn.opts.LocalAddr != "" {
		la, err := net.ResolveTCPAddr("tcp", cn.opts.LocalAddr)
		if err != nil {
			return nil, ErrorBindingClientAddr, err
		}
		d.LocalAddr = la
	}

	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, classifyDialError(err), err
	}
	if err := p.applyConnOptions(conn); err != nil {
		conn.Close()
		return nil, ErrorSettingOptions, err
	}
	return conn, 0, nil
}

func classifyDialError(err error) PoolEvent {
	var serr *os.SyscallError
	if errors.As(err, &serr) {
		switch serr.Syscall {
		case "bind":
			return ErrorBindingClientAddr
		case "setsockopt":
			return ErrorSettingOptions
		}
	}
	return ErrorConnecting
}

// platformError extracts the OS error number from err, or 0.
func platformError(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 0
}
