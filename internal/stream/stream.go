// Package stream is the ordered hand-off between an answer generator and
// the transport delivering tokens to a client.
package stream

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// ErrClosed is returned by Send and Fail once the stream has been closed.
var ErrClosed = errors.New("stream closed")

type EventKind int

const (
	EventToken EventKind = iota
	EventError
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventError:
		return "error"
	default:
		return "end"
	}
}

// Event is one item delivered to the consumer.
type Event struct {
	Kind EventKind
	Data string
}

// Stream is an unbounded FIFO with a single producer and a single consumer.
// Send never blocks. After Close, Send returns ErrClosed and the consumer
// drains every queued event before observing the end.
type Stream struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}
}

func New() *Stream {
	return &Stream{notify: make(chan struct{}, 1)}
}

// Send enqueues a token.
func (s *Stream) Send(token string) error {
	return s.push(Event{Kind: EventToken, Data: token}, false)
}

// Fail enqueues one error marker and closes the stream.
func (s *Stream) Fail(message string) error {
	return s.push(Event{Kind: EventError, Data: message}, true)
}

// Close enqueues the end-of-stream marker. Calling it again is a no-op.
func (s *Stream) Close() {
	_ = s.push(Event{Kind: EventEnd}, true)
}

// Closed reports whether Close or Fail has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) push(ev Event, closing bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, ev)
	if closing {
		if ev.Kind != EventEnd {
			s.queue = append(s.queue, Event{Kind: EventEnd})
		}
		s.closed = true
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Next blocks until an event is available or ctx is done. Once the end marker
// has been returned, further calls keep returning it.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			if ev.Kind != EventEnd {
				s.queue[0] = Event{}
				s.queue = s.queue[1:]
			}
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()
		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Events yields token and error events in send order and stops after the end
// marker or when ctx is done.
func (s *Stream) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev, err := s.Next(ctx)
			if err != nil || ev.Kind == EventEnd {
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}
