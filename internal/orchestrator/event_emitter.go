package orchestrator

import (
	"sync"
	"time"
)

// EventEmitter delivers events in order without ever dropping one.
// Emit appends to an unbounded queue; a single goroutine, started by the
// first call to Events, moves queued events onto the channel.
type EventEmitter struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	seq    uint64
	closed bool
	sink   func(Event)
	now    func() time.Time

	out       chan Event
	startOnce sync.Once
}

// NewEventEmitter creates an emitter. sink, if non-nil, sees every event
// synchronously and in sequence order, e.g. to persist it.
func NewEventEmitter(sink func(Event)) *EventEmitter {
	e := &EventEmitter{
		sink: sink,
		now:  time.Now,
		out:  make(chan Event, 64),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Emit stamps the event with a sequence number and timestamp and queues it.
// Emitting after Close is a no-op.
func (e *EventEmitter) Emit(ev Event) Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ev
	}
	e.seq++
	ev.Seq = e.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	if e.sink != nil {
		e.sink(ev)
	}
	e.queue = append(e.queue, ev)
	e.cond.Signal()
	return ev
}

// Events returns the ordered event channel. It is closed after Close once
// every queued event has been delivered.
func (e *EventEmitter) Events() <-chan Event {
	e.startOnce.Do(func() {
		go e.deliver()
	})
	return e.out
}

// Emitted returns how many events have been emitted.
func (e *EventEmitter) Emitted() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// Close stops accepting events. Queued events are still delivered.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()

	// Without a subscriber nothing drains the channel, so close it here.
	e.startOnce.Do(func() {
		close(e.out)
	})
}

func (e *EventEmitter) deliver() {
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 && e.closed {
			e.mu.Unlock()
			close(e.out)
			return
		}
		ev := e.queue[0]
		e.queue[0] = Event{}
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.out <- ev
	}
}
