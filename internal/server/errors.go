package server

import (
	"errors"
	"net/http"

	"groundchat/pkg/domain"
)

// statusFor maps a service error to an HTTP status and a client message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrConversationBusy):
		return http.StatusConflict, "a question is already being answered for this chat"
	case errors.Is(err, domain.ErrChatNotFound):
		return http.StatusNotFound, "chat not found"
	case errors.Is(err, domain.ErrDocumentNotFound):
		return http.StatusNotFound, "document not found"
	case errors.Is(err, domain.ErrChatForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrUnsupportedFormat), errors.Is(err, domain.ErrEmptyDocument):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrInvalidConfiguration):
		return http.StatusInternalServerError, "server misconfigured"
	case domain.IsTransient(err):
		return http.StatusServiceUnavailable, "temporarily unavailable, retry later"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	writeError(w, status, msg)
}
