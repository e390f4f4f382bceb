package exchange

import (
	"sync"
	"sync/atomic"
	"virtual_exchange/internal/core"
)

// defaultQueueCapacity bounds one subscriber's backlog of droppable
// events. Order and trade events are never dropped, so the queue can
// exceed the capacity when a slow consumer accumulates only those.
const defaultQueueCapacity = 1024

// Subscription is one consumer's view of the event stream. Events are
// delivered in publish order through Events(); a consumer that falls
// behind loses the oldest market-data events first.
type Subscription struct {
	hub *Hub
	id  int64

	mu     sync.Mutex
	queue  []core.Event
	cap    int
	closed bool
	wake   chan struct{}
	out    chan core.Event

	dropped atomic.Int64
}

// push enqueues one event, applying the overflow policy.
func (s *Subscription) push(ev core.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.cap {
		if i := s.droppableIndex(); i >= 0 {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.dropped.Add(1)
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// droppableIndex returns the oldest event the overflow policy may
// discard, -1 when every queued event is an order or trade update.
func (s *Subscription) droppableIndex() int {
	for i := range s.queue {
		if !s.queue[i].IsOrderOrTrade() {
			return i
		}
	}
	return -1
}

// pump moves queued events to the out channel. One goroutine per
// subscription; exits when the subscription closes.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		ev := s.queue[0]
		s.queue = append(s.queue[:0], s.queue[1:]...)
		s.mu.Unlock()

		s.out <- ev
	}
}

// Events returns the delivery channel. It closes when the subscription
// does.
func (s *Subscription) Events() <-chan core.Event {
	return s.out
}

// Dropped returns how many events the overflow policy discarded.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the hub and drains the pump.
func (s *Subscription) Close() {
	s.hub.remove(s.id)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	// Drain so the pump can observe the close even mid-send.
	go func() {
		for range s.out {
		}
	}()
}

// Hub fans exchange events out to subscribers. Publishing never blocks
// on a slow consumer.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int64]*Subscription
	nextID int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int64]*Subscription)}
}

// Subscribe attaches a consumer. capacity <= 0 uses the default.
func (h *Hub) Subscribe(capacity int) *Subscription {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &Subscription{
		hub:  h,
		id:   h.nextID,
		cap:  capacity,
		wake: make(chan struct{}, 1),
		out:  make(chan core.Event),
	}
	h.subs[s.id] = s
	go s.pump()
	return s
}

func (h *Hub) remove(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Publish delivers the event to every subscriber's queue.
func (h *Hub) Publish(ev core.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		s.push(ev)
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
