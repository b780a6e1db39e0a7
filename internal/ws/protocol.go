package ws

import (
	"github.com/agent-racer/sessionpool/internal/channelpool"
	"github.com/agent-racer/sessionpool/internal/session"
	"github.com/agent-racer/sessionpool/internal/sessionpool"
)

type MessageType string

const (
	MsgSnapshot   MessageType = "snapshot"
	MsgDelta      MessageType = "delta"
	MsgCompletion MessageType = "completion"
	MsgError      MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Sessions    []*session.SessionState `json:"sessions"`
	ActiveCount int                     `json:"activeCount"`
}

type DeltaPayload struct {
	Updates []*session.SessionState `json:"updates"`
	Removed []int                   `json:"removed,omitempty"`
}

type CompletionPayload struct {
	SessionID int           `json:"sessionId"`
	Phase     session.Phase `json:"phase"`
	LastState string        `json:"lastState"`
}

// PoolPayload is served by /api/pool.
type PoolPayload struct {
	NumSessions int                      `json:"numSessions"`
	Handles     []sessionpool.HandleInfo `json:"handles"`
	Channels    []channelpool.HandleInfo `json:"channels"`
	Counters    session.PoolCounters     `json:"counters"`
	Process     *ProcessStats            `json:"process,omitempty"`
}

// ProcessStats describes the daemon process.
type ProcessStats struct {
	PID        int32  `json:"pid"`
	RSSBytes   uint64 `json:"rssBytes"`
	NumFDs     int32  `json:"numFds"`
	NumThreads int32  `json:"numThreads"`
}
