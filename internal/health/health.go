package health

import (
	"sync/atomic"
	"time"
)

type Status string

const (
	StatusStarting  Status = "starting"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// State is the consumer's health record. The consumer is the only writer;
// any number of readers may call Snapshot concurrently.
type State struct {
	status    atomic.Value
	lastPoll  atomic.Int64
	processed atomic.Uint64
}

// Snapshot is a point-in-time copy of State. Fields are read independently,
// so a snapshot taken during an update may mix old and new values.
type Snapshot struct {
	Status            Status     `json:"status"`
	LastPoll          *time.Time `json:"last_poll"`
	MessagesProcessed uint64     `json:"messages_processed"`
}

func NewState() *State {
	s := &State{}
	s.status.Store(StatusStarting)
	return s
}

func (s *State) SetStatus(status Status) {
	s.status.Store(status)
}

func (s *State) Status() Status {
	status, _ := s.status.Load().(Status)
	return status
}

// MarkPolled records a completed poll cycle at t and marks the state healthy.
func (s *State) MarkPolled(t time.Time) {
	s.lastPoll.Store(t.UnixNano())
	s.status.Store(StatusHealthy)
}

func (s *State) AddProcessed(n uint64) {
	s.processed.Add(n)
}

func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Status:            s.Status(),
		MessagesProcessed: s.processed.Load(),
	}
	if ns := s.lastPoll.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		snap.LastPoll = &t
	}
	return snap
}
