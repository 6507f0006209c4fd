package media

import (
	"sync"
)

const minQueueCapacity = 16

// EventQueue is an unbounded FIFO of engine events, safe for concurrent
// producers and a single consumer. It is a ring buffer that doubles when
// full, so Push never blocks and never drops.
type EventQueue struct {
	mu     sync.Mutex
	data   []Event
	size   int
	head   int // next write position
	tail   int // oldest element
	closed bool
	notify chan struct{}
}

func NewEventQueue() *EventQueue {
	return &EventQueue{
		data:   make([]Event, minQueueCapacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends ev. Pushes after Close are discarded and return false.
func (q *EventQueue) Push(ev Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.size == len(q.data) {
		q.grow()
	}
	q.data[q.head] = ev
	q.head = (q.head + 1) % len(q.data)
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// grow doubles capacity, unrolling the ring so tail is at index 0.
func (q *EventQueue) grow() {
	data := make([]Event, len(q.data)*2)
	n := copy(data, q.data[q.tail:])
	copy(data[n:], q.data[:q.tail])
	q.data = data
	q.tail = 0
	q.head = q.size
}

// Pop removes the oldest event.
func (q *EventQueue) Pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return Event{}, false
	}
	ev := q.data[q.tail]
	q.data[q.tail] = Event{}
	q.tail = (q.tail + 1) % len(q.data)
	q.size--
	return ev, true
}

// Drain removes and returns all queued events in FIFO order.
func (q *EventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil
	}
	out := make([]Event, q.size)
	for i := range out {
		out[i] = q.data[q.tail]
		q.data[q.tail] = Event{}
		q.tail = (q.tail + 1) % len(q.data)
	}
	q.size = 0
	q.head = q.tail
	return out
}

// Ready is signalled after a Push. A receive means "at least one event may
// be queued"; consumers drain until Pop reports empty.
func (q *EventQueue) Ready() <-chan struct{} {
	return q.notify
}

// Len returns the current number of queued events
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Close makes further pushes no-ops and discards what is queued.
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.data = make([]Event, minQueueCapacity)
	q.size, q.head, q.tail = 0, 0, 0
}
