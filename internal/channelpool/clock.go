package channelpool

import (
	"sync"
	"time"
)

type clock struct {
	id     int
	cb     func()
	next   time.Time
	period time.Duration

	cancelled  chan struct{}
	cancelOnce sync.Once
}

func (k *clock) cancel() {
	k.cancelOnce.Do(func() { close(k.cancelled) })
}

// RegisterClock runs cb at start and then every period on a pool goroutine.
// A zero period fires once. Clocks pause with the pool.
func (p *Pool) RegisterClock(cb func(), start time.Time, period time.Duration, clockID int) error {
	if cb == nil || period < 0 {
		return ErrInvalidArgument
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrNotRunning
	}
	if _, dup := p.clocks[clockID]; dup {
		return ErrDuplicateClock
	}
	k := &clock{
		id:        clockID,
		cb:        cb,
		next:      start,
		period:    period,
		cancelled: make(chan struct{}),
	}
	p.clocks[clockID] = k
	p.launchClockLocked(k)
	return nil
}

// DeregisterClock stops a clock. It may be called from the clock's own
// callback.
func (p *Pool) DeregisterClock(clockID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.clocks[clockID]
	if !ok {
		return ErrUnknownClock
	}
	delete(p.clocks, clockID)
	k.cancel()
	return nil
}

func (p *Pool) launchClockLocked(k *clock) {
	stopping := p.stopping
	p.group.Go(func() error {
		p.clockLoop(k, stopping)
		return nil
	})
}

func (p *Pool) clockLoop(k *clock, stopping <-chan struct{}) {
	for {
		timer := time.NewTimer(time.Until(k.next))
		select {
		case <-stopping:
			timer.Stop()
			return
		case <-k.cancelled:
			timer.Stop()
			return
		case <-timer.C:
		}

		k.cb()

		if k.period == 0 {
			p.mu.Lock()
			if p.clocks[k.id] == k {
				delete(p.clocks, k.id)
			}
			p.mu.Unlock()
			return
		}
		k.next = k.next.Add(k.period)
		if now := time.Now(); k.next.Before(now) {
			k.next = now
		}
	}
}
