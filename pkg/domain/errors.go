package domain

import "errors"

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrFetch                = errors.New("fetch failed")
	ErrUnsupportedFormat    = errors.New("unsupported document format")
	ErrEmptyDocument        = errors.New("document contains no text")
	ErrEmbedding            = errors.New("embedding failed")
	ErrIndex                = errors.New("index write failed")
	ErrRetrieval            = errors.New("retrieval failed")
	ErrConversationBusy     = errors.New("conversation busy")
	ErrGeneration           = errors.New("generation failed")
	ErrPersistence          = errors.New("persistence failed")

	ErrInvalidInput     = errors.New("invalid input")
	ErrChatNotFound     = errors.New("chat not found")
	ErrChatForbidden    = errors.New("chat belongs to another user")
	ErrDocumentNotFound = errors.New("document not found")
)

// IsPermanent reports whether retrying the same input can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrEmptyDocument) ||
		errors.Is(err, ErrInvalidConfiguration)
}

// IsTransient reports whether err came from a dependency that may recover.
// Callers decide whether to retry; nothing in the core retries on its own.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return errors.Is(err, ErrFetch) ||
		errors.Is(err, ErrEmbedding) ||
		errors.Is(err, ErrIndex) ||
		errors.Is(err, ErrRetrieval) ||
		errors.Is(err, ErrGeneration) ||
		errors.Is(err, ErrPersistence)
}
