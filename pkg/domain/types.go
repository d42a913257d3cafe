package domain

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

type DocumentStatus string

const (
	StatusQueued     DocumentStatus = "queued"
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
)

// Chat is a persisted conversation owned by exactly one user.
type Chat struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one append-only turn of a chat transcript.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Document is the registry entry for an uploaded file. Its ID doubles as the
// upload id stamped on every indexed chunk.
type Document struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"ownerId"`
	Filename     string         `json:"filename"`
	Source       string         `json:"source"`
	Description  string         `json:"description,omitempty"`
	Status       DocumentStatus `json:"status"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Chunks       int            `json:"chunks"`
	SizeBytes    int64          `json:"sizeBytes"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// DocumentChunk is a contiguous slice of a document's text with its embedding.
type DocumentChunk struct {
	ID       string    `json:"id"`
	UploadID string    `json:"uploadId"`
	Source   string    `json:"source"`
	Index    int       `json:"chunkIndex"`
	Content  string    `json:"content"`
	Vector   []float32 `json:"-"`
}

// Metadata keys stored alongside every indexed chunk.
const (
	MetaSource     = "source"
	MetaUploadID   = "upload_id"
	MetaChunkIndex = "chunk_index"
)
