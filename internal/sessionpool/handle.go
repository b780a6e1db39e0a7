package sessionpool

import (
	"fmt"
	"sync"

	"github.com/agent-racer/sessionpool/internal/handle"
)

// HandleType says what a handle currently stands for. It changes over the
// handle's life: a connect or import becomes RegularSession once its
// session is up, and a connect closed before coming up becomes
// AbortedConnectSession.
type HandleType int

const (
	Listener HandleType = iota
	RegularSession
	ConnectSession
	ImportedSession
	InvalidSession
	AbortedConnectSession
)

func (t HandleType) String() string {
	switch t {
	case Listener:
		return "listener"
	case RegularSession:
		return "regular"
	case ConnectSession:
		return "connect"
	case ImportedSession:
		return "imported"
	case InvalidSession:
		return "invalid"
	case AbortedConnectSession:
		return "aborted-connect"
	}
	return fmt.Sprintf("HandleType(%d)", int(t))
}

// Handle is the shared record behind one handle id. The table and any
// in-flight dispatcher each hold a reference; the deleter runs when the
// last one is released.
type Handle struct {
	factory  SessionFactory
	cb       StateCallback
	userData any

	mu sync.Mutex
	// key is the table id. It never changes once assigned.
	key int
	// id is the externally visible id. It is zeroed when the handle's
	// terminal event has been claimed.
	id       int
	typ      HandleType
	attempts int
	channel  *poolChannel
	session  Session
	// visible is set for handles the application knows about: every
	// handle returned by the API, and accepted sessions once they are up.
	visible bool
	closing bool
	// abortFinalize and abortClock are set while an abort waits on a
	// channel pool clock.
	abortFinalize func()
	abortClock    int

	// cbMu serializes user callbacks for this handle. When both are
	// held, cbMu is taken before mu.
	cbMu sync.Mutex
}

type handleRef = handle.Ref[*Handle]

// HandleInfo is a point-in-time view of one handle.
type HandleInfo struct {
	ID                int    `json:"id"`
	Type              string `json:"type"`
	ChannelID         int    `json:"channelId,omitempty"`
	AttemptsRemaining int    `json:"attemptsRemaining,omitempty"`
	HasSession        bool   `json:"hasSession"`
	Closing           bool   `json:"closing,omitempty"`
}

func (h *Handle) info() HandleInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := HandleInfo{
		ID:         h.key,
		Type:       h.typ.String(),
		HasSession: h.session != nil,
		Closing:    h.closing,
	}
	if h.channel != nil {
		info.ChannelID = h.channel.id
	}
	if h.typ == ConnectSession {
		info.AttemptsRemaining = h.attempts
	}
	return info
}

// claim zeroes the visible id and returns its previous value. Only the
// caller that gets a non-zero id may deliver the terminal event.
func (h *Handle) claim() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.id
	h.id = 0
	return id
}

func (h *Handle) notify(state State, id int, s Session) {
	if h.cb == nil {
		return
	}
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	h.cb(state, id, s, h.userData)
}
