package channelpool

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// ListenOptions tune one listening socket.
type ListenOptions struct {
	ReuseAddress bool
}

type server struct {
	id      int
	ln      *net.TCPListener
	created time.Time
}

// Listen opens a listening socket identified by serverID. Accepted
// connections come up with serverID as their source. backlog is accepted
// for interface compatibility; the kernel default applies.
func (p *Pool) Listen(addr string, backlog, serverID int, opts ListenOptions) error {
	if backlog < 0 {
		return ErrInvalidArgument
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrNotRunning
	}
	if _, dup := p.servers[serverID]; dup {
		return ErrDuplicateID
	}

	lc := net.ListenConfig{KeepAlive: p.cfg.KeepAlive}
	if opts.ReuseAddress {
		lc.Control = reuseAddrControl
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return err
	}
	s := &server{id: serverID, ln: ln.(*net.TCPListener), created: time.Now()}
	p.servers[serverID] = s
	p.launchServerLocked(s)

	p.log.WithFields(logrus.Fields{
		"server": serverID,
		"addr":   s.ln.Addr().String(),
	}).Debug("listening")
	return nil
}

// CloseServer closes a listening socket. Channels it accepted stay open.
func (p *Pool) CloseServer(serverID int) error {
	p.mu.Lock()
	s, ok := p.servers[serverID]
	if ok {
		delete(p.servers, serverID)
	}
	p.mu.Unlock()
	if !ok {
		return ErrUnknownServer
	}
	return s.ln.Close()
}

// ServerAddr returns the bound address of a listening socket.
func (p *Pool) ServerAddr(serverID int) (net.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.servers[serverID]
	if !ok {
		return nil, ErrUnknownServer
	}
	return s.ln.Addr(), nil
}

func (p *Pool) launchServerLocked(s *server) {
	stopping := p.stopping
	p.group.Go(func() error {
		p.acceptLoop(s, stopping)
		return nil
	})
}

const maxAcceptDelay = time.Second

func (p *Pool) acceptLoop(s *server, stopping <-chan struct{}) {
	var delay time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if paused(stopping) || errors.Is(err, net.ErrClosed) {
				return
			}
			p.log.WithField("server", s.id).WithError(err).Warn("accept failed")
			p.cbs.PoolState(ErrorAccepting, s.id, platformError(err))

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			timer := time.NewTimer(delay)
			select {
			case <-stopping:
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		delay = 0

		p.mu.Lock()
		if p.servers[s.id] != s {
			p.mu.Unlock()
			conn.Close()
			return
		}
		if p.atLimitLocked() {
			p.mu.Unlock()
			conn.Close()
			p.cbs.PoolState(ChannelLimit, s.id, 0)
			continue
		}
		if err := p.applyConnOptions(conn); err != nil {
			p.mu.Unlock()
			conn.Close()
			p.cbs.PoolState(ErrorAccepting, s.id, platformError(err))
			continue
		}
		p.addChannelLocked(conn, s.id, KindAccepted)
		p.mu.Unlock()
	}
}
