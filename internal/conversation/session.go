package conversation

import (
	"context"
	"iter"
	"sync"

	"groundchat/internal/stream"
	"groundchat/pkg/domain"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateAwaitingContext
	StateGenerating
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingContext:
		return "awaiting_context"
	case StateGenerating:
		return "generating"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Session is one in-flight question/answer exchange for a chat.
type Session struct {
	ChatID      string
	UserID      string
	UserMessage domain.Message

	stream *stream.Stream
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	state  State
	err    error
	answer *domain.Message
}

func newSession(ctx context.Context, chatID, userID string, userMsg domain.Message) *Session {
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		ChatID:      chatID,
		UserID:      userID,
		UserMessage: userMsg,
		stream:      stream.New(),
		ctx:         sctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       StateIdle,
	}
}

// Events yields answer tokens and at most one error event, in order.
func (s *Session) Events(ctx context.Context) iter.Seq[stream.Event] {
	return s.stream.Events(ctx)
}

// Stream exposes the underlying response stream.
func (s *Session) Stream() *stream.Stream { return s.stream }

// Cancel aborts generation. The partial answer is discarded.
func (s *Session) Cancel() { s.cancel() }

// Done is closed once the session reaches a terminal state and the stream
// has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause once the session has failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Answer returns the persisted assistant message of a completed session.
func (s *Session) Answer() (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answer == nil {
		return domain.Message{}, false
	}
	return *s.answer, true
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) complete(answer domain.Message) {
	s.mu.Lock()
	s.state = StateCompleted
	s.answer = &answer
	s.mu.Unlock()
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateFailed
	s.err = err
	s.mu.Unlock()
}
