package session

// Publisher receives store changes for fan-out to observers.
type Publisher interface {
	QueueUpdate(states []*SessionState)
	QueueRemoval(ids []int)
	QueueCompletion(state *SessionState)
}

type nopPublisher struct{}

func (nopPublisher) QueueUpdate([]*SessionState) {}
func (nopPublisher) QueueRemoval([]int) {}
func (nopPublisher) QueueCompletion(*SessionState) {}
