package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"groundchat/pkg/domain"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	chats     map[string]domain.Chat
	messages  map[string][]domain.Message
	documents map[string]domain.Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:     make(map[string]domain.Chat),
		messages:  make(map[string][]domain.Message),
		documents: make(map[string]domain.Document),
	}
}

func (s *MemoryStore) CreateChat(_ context.Context, chat domain.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chat.ID] = chat
	return nil
}

func (s *MemoryStore) GetChat(_ context.Context, id string) (domain.Chat, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[id]
	return chat, ok, nil
}

func (s *MemoryStore) ChatExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chats[id]
	return ok, nil
}

func (s *MemoryStore) ListChatsByOwner(_ context.Context, ownerID string) ([]domain.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Chat, 0)
	for _, c := range s.chats {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b domain.Chat) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) SetChatTitle(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[id]
	if !ok {
		return domain.ErrChatNotFound
	}
	chat.Title = title
	chat.UpdatedAt = time.Now().UTC()
	s.chats[id] = chat
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], msg)
	if chat, ok := s.chats[msg.ChatID]; ok {
		chat.UpdatedAt = msg.CreatedAt
		s.chats[msg.ChatID] = chat
	}
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, chatID string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), nil
}

func (s *MemoryStore) SaveDocument(_ context.Context, doc domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[doc.ID] = doc
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (domain.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	return doc, ok, nil
}

func (s *MemoryStore) ListDocumentsByOwner(_ context.Context, ownerID string) ([]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Document, 0)
	for _, d := range s.documents {
		if ownerID == "" || d.OwnerID == ownerID {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b domain.Document) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SetDocumentStatus(_ context.Context, id string, status domain.DocumentStatus, errMsg string, chunks int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return domain.ErrDocumentNotFound
	}
	doc.Status = status
	doc.ErrorMessage = errMsg
	doc.Chunks = chunks
	doc.UpdatedAt = time.Now().UTC()
	s.documents[id] = doc
	return nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.documents, id)
	return nil
}
