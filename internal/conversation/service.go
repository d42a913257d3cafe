// Package conversation runs retrieval-augmented question answering for chats.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"groundchat/internal/retrieval"
	"groundchat/internal/util"
	"groundchat/pkg/ai"
	"groundchat/pkg/domain"
	"groundchat/pkg/store"
)

const DefaultHistorySize = 4

// ContextRetriever supplies the context block for a question.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, topK int) (string, error)
}

// Config tunes a Service. Zero durations disable the matching timeout.
type Config struct {
	// HistorySize is the number of prior messages included in the prompt.
	// Zero selects DefaultHistorySize; a negative value disables history.
	HistorySize  int
	TopK         int
	SystemPrompt string
	// RequireContext fails the session when retrieval fails instead of
	// answering without context.
	RequireContext bool

	QueryTimeout      time.Duration
	WriteTimeout      time.Duration
	GenerationTimeout time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegistry shares a registry, e.g. one backed by a RedisLocker.
func WithRegistry(r *Registry) Option {
	return func(s *Service) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service owns chat sessions: ownership checks, per-chat exclusion,
// transcript writes and the retrieve/generate pipeline.
type Service struct {
	chats     store.ChatStore
	retriever ContextRetriever
	generator ai.Generator
	registry  *Registry
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

func NewService(chats store.ChatStore, retriever ContextRetriever, generator ai.Generator, cfg Config, opts ...Option) (*Service, error) {
	if chats == nil || retriever == nil || generator == nil {
		return nil, fmt.Errorf("%w: conversation service needs a chat store, a retriever and a generator", domain.ErrInvalidConfiguration)
	}
	if cfg.HistorySize == 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.HistorySize < 0 {
		cfg.HistorySize = 0
	}
	s := &Service{
		chats:     chats,
		retriever: retriever,
		generator: generator,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = NewRegistry(nil)
	}
	s.logger = s.logger.With("component", "conversation")
	return s, nil
}

// Registry exposes the live-session registry.
func (s *Service) Registry() *Registry { return s.registry }

// CreateChat starts an empty chat owned by userID.
func (s *Service) CreateChat(ctx context.Context, userID string) (domain.Chat, error) {
	now := s.now()
	chat := domain.Chat{ID: util.NewChatID(), OwnerID: userID, CreatedAt: now, UpdatedAt: now}
	if err := s.write(ctx, func(ctx context.Context) error { return s.chats.CreateChat(ctx, chat) }); err != nil {
		return domain.Chat{}, err
	}
	return chat, nil
}

// Chat returns chatID when userID owns it.
func (s *Service) Chat(ctx context.Context, userID, chatID string) (domain.Chat, error) {
	chat, ok, err := s.chats.GetChat(ctx, chatID)
	if err != nil {
		return domain.Chat{}, err
	}
	if !ok {
		return domain.Chat{}, domain.ErrChatNotFound
	}
	if chat.OwnerID != userID {
		return domain.Chat{}, domain.ErrChatForbidden
	}
	return chat, nil
}

// ListChats returns the chats of userID, most recently active first.
func (s *Service) ListChats(ctx context.Context, userID string) ([]domain.Chat, error) {
	return s.chats.ListChatsByOwner(ctx, userID)
}

// Messages returns the newest limit messages of a chat owned by userID.
func (s *Service) Messages(ctx context.Context, userID, chatID string, limit int) ([]domain.Message, error) {
	if _, err := s.Chat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return s.chats.ListMessages(ctx, chatID, limit)
}

// Submit records question as the next user turn of chatID and starts
// answering it in the background. The chat is created for userID when it
// does not exist yet. Busy chats, foreign chats and a failed user-turn write
// are reported here, before any stream exists. The session is cancelled
// when ctx is.
func (s *Service) Submit(ctx context.Context, userID, chatID, question string) (*Session, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: question required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(chatID) == "" {
		return nil, fmt.Errorf("%w: chat id required", domain.ErrInvalidInput)
	}

	// Foreign chats are rejected before the lock so their liveness stays hidden.
	if chat, exists, err := s.chats.GetChat(ctx, chatID); err != nil {
		return nil, err
	} else if exists && chat.OwnerID != userID {
		return nil, domain.ErrChatForbidden
	}

	release, err := s.registry.reserve(ctx, chatID)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			release()
		}
	}()

	chat, exists, err := s.chats.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	switch {
	case !exists:
		chat = domain.Chat{ID: chatID, OwnerID: userID, Title: chatTitle(question), CreatedAt: now, UpdatedAt: now}
		if err := s.write(ctx, func(ctx context.Context) error { return s.chats.CreateChat(ctx, chat) }); err != nil {
			return nil, err
		}
	case chat.OwnerID != userID:
		return nil, domain.ErrChatForbidden
	case chat.Title == "":
		if err := s.write(ctx, func(ctx context.Context) error { return s.chats.SetChatTitle(ctx, chatID, chatTitle(question)) }); err != nil {
			s.logger.Warn("set chat title failed", "chat_id", chatID, "error", err)
		}
	}

	userMsg := domain.Message{
		ID:        util.NewID(),
		ChatID:    chatID,
		Role:      domain.RoleUser,
		Content:   question,
		CreatedAt: now,
	}
	if err := s.write(ctx, func(ctx context.Context) error { return s.chats.AppendMessage(ctx, userMsg) }); err != nil {
		return nil, err
	}

	sess := newSession(ctx, chatID, userID, userMsg)
	s.registry.register(sess)
	ok = true
	s.wg.Add(1)
	go s.run(sess, release)
	return sess, nil
}

// Cancel aborts the live session of chatID if userID owns it.
func (s *Service) Cancel(userID, chatID string) bool {
	sess, ok := s.registry.Get(chatID)
	if !ok || sess.UserID != userID {
		return false
	}
	sess.Cancel()
	return true
}

// Wait blocks until every running session has terminated.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) run(sess *Session, release func()) {
	logger := s.logger.With("chat_id", sess.ChatID, "message_id", sess.UserMessage.ID)
	defer func() {
		s.registry.remove(sess)
		release()
		sess.cancel()
		close(sess.done)
		s.wg.Done()
	}()

	sess.setState(StateAwaitingContext)
	history, contextBlock, err := s.gather(sess, logger)
	if err != nil {
		s.failSession(sess, logger, err)
		return
	}
	systemPrompt, userPrompt := BuildPrompt(s.cfg.SystemPrompt, history, contextBlock, sess.UserMessage.Content)

	sess.setState(StateGenerating)
	answer, err := s.generate(sess, systemPrompt, userPrompt)
	if err != nil {
		s.failSession(sess, logger, err)
		return
	}

	// The answer is complete; persist it even if the client has gone.
	msg := domain.Message{
		ID:        util.NewID(),
		ChatID:    sess.ChatID,
		Role:      domain.RoleAssistant,
		Content:   answer,
		CreatedAt: s.now(),
	}
	if !msg.CreatedAt.After(sess.UserMessage.CreatedAt) {
		msg.CreatedAt = sess.UserMessage.CreatedAt.Add(time.Microsecond)
	}
	writeCtx := context.WithoutCancel(sess.ctx)
	if err := s.write(writeCtx, func(ctx context.Context) error { return s.chats.AppendMessage(ctx, msg) }); err != nil {
		s.failSession(sess, logger, err)
		return
	}
	sess.complete(msg)
	sess.stream.Close()
	logger.Info("answer completed", "characters", len(answer))
}

func (s *Service) gather(sess *Session, logger *slog.Logger) ([]domain.Message, string, error) {
	var history []domain.Message
	if s.cfg.HistorySize > 0 {
		qctx, cancel := s.withTimeout(sess.ctx, s.cfg.QueryTimeout)
		msgs, err := s.chats.ListMessages(qctx, sess.ChatID, s.cfg.HistorySize+1)
		cancel()
		if err != nil {
			return nil, "", err
		}
		for _, m := range msgs {
			if m.ID != sess.UserMessage.ID {
				history = append(history, m)
			}
		}
		if len(history) > s.cfg.HistorySize {
			history = history[len(history)-s.cfg.HistorySize:]
		}
	}

	qctx, cancel := s.withTimeout(sess.ctx, s.cfg.QueryTimeout)
	contextBlock, err := s.retriever.Retrieve(qctx, sess.UserMessage.Content, s.cfg.TopK)
	cancel()
	if err != nil {
		if s.cfg.RequireContext || sess.ctx.Err() != nil {
			return nil, "", err
		}
		logger.Warn("retrieval failed, answering without context", "error", err)
		contextBlock = retrieval.NoContext
	}
	return history, contextBlock, nil
}

func (s *Service) generate(sess *Session, systemPrompt, userPrompt string) (string, error) {
	gctx, cancel := s.withTimeout(sess.ctx, s.cfg.GenerationTimeout)
	defer cancel()
	var answer strings.Builder
	err := s.generator.StreamText(gctx, systemPrompt, userPrompt, func(token string) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		answer.WriteString(token)
		return sess.stream.Send(token)
	})
	if err != nil {
		if ctxErr := sess.ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: %v", domain.ErrGeneration, err)
	}
	if err := sess.ctx.Err(); err != nil {
		return "", err
	}
	return answer.String(), nil
}

func (s *Service) failSession(sess *Session, logger *slog.Logger, err error) {
	sess.fail(err)
	if errors.Is(err, context.Canceled) {
		logger.Info("session cancelled, partial answer discarded")
		_ = sess.stream.Fail("Error: request cancelled")
		return
	}
	logger.Error("session failed", "error", err)
	_ = sess.stream.Fail("Error: " + err.Error())
}

// write runs a persistence call under the write timeout.
func (s *Service) write(ctx context.Context, fn func(context.Context) error) error {
	wctx, cancel := s.withTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := fn(wctx); err != nil {
		if errors.Is(err, domain.ErrPersistence) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (s *Service) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
