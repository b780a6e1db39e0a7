package session

import (
	"encoding/json"
	"time"
)

// Phase is the observer's summary of where a handle is in its lifecycle.
type Phase int

const (
	Connecting Phase = iota
	Listening
	Up
	Down
	Failed
	Aborted
)

var phaseNames = map[Phase]string{
	Connecting: "connecting",
	Listening:  "listening",
	Up:         "up",
	Down:       "down",
	Failed:     "failed",
	Aborted:    "aborted",
}

var phaseFromName = map[string]Phase{
	"connecting": Connecting,
	"listening":  Listening,
	"up":         Up,
	"down":       Down,
	"failed":     Failed,
	"aborted":    Aborted,
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := phaseFromName[s]; ok {
		*p = v
	}
	return nil
}

// SessionState is what the observer knows about one handle.
type SessionState struct {
	ID             int        `json:"id"`
	Kind           string     `json:"kind"`
	Addr           string     `json:"addr,omitempty"` // dial or listen address
	Phase          Phase      `json:"phase"`
	LastState      string     `json:"lastState"`
	LocalAddr      string     `json:"localAddr,omitempty"`
	PeerAddr       string     `json:"peerAddr,omitempty"`
	ChannelID      int        `json:"channelId,omitempty"`
	FailedAttempts int        `json:"failedAttempts"`
	Congested      bool       `json:"congested,omitempty"`
	StartedAt      time.Time  `json:"startedAt"`
	LastEventAt    time.Time  `json:"lastEventAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	Lane           int        `json:"lane"`
}

// Clone returns a deep copy of the SessionState.
func (s *SessionState) Clone() *SessionState {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func (s *SessionState) IsTerminal() bool {
	return s.Phase == Down || s.Phase == Failed || s.Phase == Aborted
}
