package store

import (
	"context"

	"groundchat/pkg/domain"
)

// ChatStore persists chats and their append-only transcripts.
type ChatStore interface {
	CreateChat(ctx context.Context, chat domain.Chat) error
	GetChat(ctx context.Context, id string) (domain.Chat, bool, error)
	ChatExists(ctx context.Context, id string) (bool, error)
	ListChatsByOwner(ctx context.Context, ownerID string) ([]domain.Chat, error)
	SetChatTitle(ctx context.Context, id, title string) error

	AppendMessage(ctx context.Context, msg domain.Message) error
	// ListMessages returns the newest limit messages in creation order.
	// A limit <= 0 returns the whole transcript.
	ListMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error)
}

// DocumentStore persists the registry of uploaded documents.
type DocumentStore interface {
	SaveDocument(ctx context.Context, doc domain.Document) error
	GetDocument(ctx context.Context, id string) (domain.Document, bool, error)
	// ListDocumentsByOwner lists newest first. An empty ownerID lists all.
	ListDocumentsByOwner(ctx context.Context, ownerID string) ([]domain.Document, error)
	SetDocumentStatus(ctx context.Context, id string, status domain.DocumentStatus, errMsg string, chunks int) error
	DeleteDocument(ctx context.Context, id string) error
}

// Store is the full persistence surface used by the server.
type Store interface {
	ChatStore
	DocumentStore
}
