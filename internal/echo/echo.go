// Package echo provides sessions that write back whatever they read.
package echo

import (
	"bytes"
	"errors"
	"sync"

	"code.hybscloud.com/atomix"
	"github.com/agent-racer/sessionpool/internal/logging"
	"github.com/agent-racer/sessionpool/internal/sessionpool"
	"github.com/sirupsen/logrus"
)

// ErrStopped is returned when starting a session that was already stopped.
var ErrStopped = errors.New("echo: session stopped")

// Session echoes every byte it receives on its channel.
type Session struct {
	ch  sessionpool.AsyncChannel
	log *logrus.Entry

	mu      sync.Mutex
	started bool
	stopped bool

	echoed atomix.Uint64
}

func (s *Session) Start() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()
	// Buffered data may be echoed from inside Read.
	return s.ch.Read(1, s.onRead)
}

func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *Session) Channel() sessionpool.AsyncChannel { return s.ch }

// Echoed returns the number of bytes written back so far.
func (s *Session) Echoed() uint64 { return s.echoed.Load() }

func (s *Session) onRead(err error, data *bytes.Buffer, channelID int) int {
	if err != nil {
		return 0
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return 0
	}
	n := data.Len()
	if werr := s.ch.Write(data.Bytes()); werr != nil {
		s.log.WithField("channel", channelID).WithError(werr).Debug("echo write failed")
	} else {
		s.echoed.Add(uint64(n))
	}
	data.Reset()
	return 1
}

// Factory allocates echo sessions.
type Factory struct {
	// Async allocates on a new goroutine.
	Async bool
	// AllocErr and StartErr inject failures.
	AllocErr error
	StartErr error

	log         *logrus.Entry
	allocated   atomix.Int64
	deallocated atomix.Int64
}

// NewFactory returns a synchronous factory.
func NewFactory() *Factory {
	return &Factory{log: logging.WithComponent("echo")}
}

func (f *Factory) Allocate(ch sessionpool.AsyncChannel, done sessionpool.AllocateCallback) {
	if f.Async {
		go f.allocate(ch, done)
		return
	}
	f.allocate(ch, done)
}

func (f *Factory) allocate(ch sessionpool.AsyncChannel, done sessionpool.AllocateCallback) {
	if f.AllocErr != nil {
		done(nil, f.AllocErr)
		return
	}
	log := f.log
	if log == nil {
		log = logging.Discard()
	}
	f.allocated.Add(1)
	s := &Session{ch: ch, log: log}
	if f.StartErr != nil {
		done(&failingSession{Session: s, err: f.StartErr}, nil)
		return
	}
	done(s, nil)
}

func (f *Factory) Deallocate(sessionpool.Session) {
	f.deallocated.Add(1)
}

// Allocated returns how many sessions were handed out.
func (f *Factory) Allocated() int { return int(f.allocated.Load()) }

// Deallocated returns how many sessions were given back.
func (f *Factory) Deallocated() int { return int(f.deallocated.Load()) }

// Live returns Allocated minus Deallocated.
func (f *Factory) Live() int { return f.Allocated() - f.Deallocated() }

type failingSession struct {
	*Session
	err error
}

func (s *failingSession) Start() error { return s.err }
