package pool

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Drift event types emitted by the allocator and the reconciliation sweeper.
const (
	EventChannelOrphaned   = "channel_orphaned"
	EventRemoteLiveOnFree  = "remote_live_on_free_channel"
	EventPresenterVanished = "presenter_vanished"
	EventChannelReleased   = "channel_released"
)

// Event records a divergence between the datastore's view of a channel and
// the remote broadcast service, or a corrective action taken to heal one.
type Event struct {
	Type       string    `json:"type"`
	ChannelID  string    `json:"channelId"`
	RemoteRef  string    `json:"remoteRef,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
	Detail     string    `json:"detail,omitempty"`
}

// Queue fans drift events out to interested subscribers, typically an
// operator dashboard or an audit sink.
type Queue interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() Subscription
}

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// NewMemoryQueue initialises an in-memory fan-out queue for single-process
// deployments and tests.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking so a stalled consumer cannot
			// hold up an allocation or a sweep.
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Event, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Event
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
