package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a URL-safe hex string ID.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewChatID returns an id of the form chat_<32 hex>.
func NewChatID() string {
	return "chat_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
