package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"tesoro.app/internal/ledger"
	"tesoro.app/internal/obs"
)

const defaultBuffer = 16

// Stream fans committed ledger events out to subscribers of the event's workspace
// (SSE clients). It implements ledger.Notifier.
type Stream struct {
	mu     sync.RWMutex
	subs   map[int64]map[int]chan ledger.Event
	next   int
	buffer int

	dropped atomic.Uint64
}

// New initialises an empty stream. buffer is the per-subscriber queue length; values below 1
// fall back to the default.
func New(buffer int) *Stream {
	if buffer < 1 {
		buffer = defaultBuffer
	}
	return &Stream{
		subs:   make(map[int64]map[int]chan ledger.Event),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber for workspaceID and returns a channel which will receive
// its events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, workspaceID int64) <-chan ledger.Event {
	ch := make(chan ledger.Event, s.buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	if s.subs[workspaceID] == nil {
		s.subs[workspaceID] = make(map[int]chan ledger.Event)
	}
	s.subs[workspaceID][id] = ch
	s.mu.Unlock()
	obs.SubscriberAdded()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs[workspaceID], id)
		if len(s.subs[workspaceID]) == 0 {
			delete(s.subs, workspaceID)
		}
		close(ch)
		s.mu.Unlock()
		obs.SubscriberRemoved()
	}()

	return ch
}

// Publish delivers evt to every subscriber of its workspace without blocking.
func (s *Stream) Publish(evt ledger.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs[evt.WorkspaceID] {
		select {
		case ch <- evt:
		default:
			// Slow subscriber: drop rather than stall the ledger.
			s.dropped.Add(1)
		}
	}
}

// Subscribers reports how many subscribers workspaceID currently has.
func (s *Stream) Subscribers(workspaceID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[workspaceID])
}

// Dropped counts events discarded because a subscriber queue was full.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

var _ ledger.Notifier = (*Stream)(nil)
