package store

import "time"

// GORM models used for persistence.
type ChatModel struct {
	ID        string    `gorm:"primaryKey"`
	OwnerID   string    `gorm:"not null;index"`
	Title     string
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID        string    `gorm:"primaryKey"`
	ChatID    string    `gorm:"not null;index:idx_message_chat_created,priority:1"`
	Role      string    `gorm:"not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index:idx_message_chat_created,priority:2"`
}

type DocumentModel struct {
	ID           string `gorm:"primaryKey"`
	OwnerID      string `gorm:"not null;index"`
	Filename     string `gorm:"not null"`
	Source       string `gorm:"not null"`
	Description  string
	Status       string `gorm:"not null"`
	ErrorMessage string
	Chunks       int
	SizeBytes    int64
	CreatedAt    time.Time `gorm:"not null;index"`
	UpdatedAt    time.Time `gorm:"not null"`
}
