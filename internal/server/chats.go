package server

import (
	"net/http"
	"strconv"
	"time"

	"groundchat/internal/conversation"
	"groundchat/internal/stream"
	"groundchat/internal/util"
	"groundchat/pkg/domain"
)

const defaultMessageLimit = 100

type submitRequest struct {
	Question string `json:"question" validate:"required,max=8000"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request, userID string) {
	chat, err := s.chats.CreateChat(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"chatId": chat.ID, "chat": chat})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request, userID string) {
	chats, err := s.chats.ListChats(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": chats,
		"count": len(chats),
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, userID string) {
	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	msgs, err := s.chats.Messages(r.Context(), userID, r.PathValue("chatID"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": msgs,
		"count": len(msgs),
	})
}

type transcript struct {
	Chat       domain.Chat      `json:"chat"`
	Messages   []domain.Message `json:"messages"`
	ExportedAt time.Time        `json:"exportedAt"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, userID string) {
	chatID := r.PathValue("chatID")
	chat, err := s.chats.Chat(r.Context(), userID, chatID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	msgs, err := s.chats.Messages(r.Context(), userID, chatID, 0)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+chat.ID+`.json"`)
	writeJSON(w, http.StatusOK, transcript{Chat: chat, Messages: msgs, ExportedAt: time.Now().UTC()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, userID string) {
	if !s.chats.Cancel(userID, r.PathValue("chatID")) {
		writeError(w, http.StatusNotFound, "no answer in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleSubmit answers a question as a server-sent event stream. Errors
// found before the session starts are plain JSON responses; afterwards the
// stream carries token events and ends with one done or one error event.
// A disconnecting client cancels the session.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	var req submitRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if s.limiter != nil && !s.limiter.Allow(r.Context(), userID) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "too many questions, slow down")
		return
	}
	sess, err := s.chats.Submit(r.Context(), userID, r.PathValue("chatID"), req.Question)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	logger := util.LoggerFromContext(r.Context()).With("chat_id", sess.ChatID)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	sse := newSSEWriter(w, flusher)
	_ = sse.event("start", map[string]string{"chatId": sess.ChatID, "messageId": sess.UserMessage.ID})

	failed := false
	for ev := range sess.Events(r.Context()) {
		var werr error
		switch ev.Kind {
		case stream.EventToken:
			werr = sse.event("token", map[string]string{"token": ev.Data})
		case stream.EventError:
			failed = true
			werr = sse.event("error", map[string]string{"error": ev.Data})
		}
		if werr != nil {
			logger.Info("client went away", "error", werr)
			sess.Cancel()
			return
		}
	}
	if failed || r.Context().Err() != nil {
		return
	}
	select {
	case <-sess.Done():
	case <-r.Context().Done():
		return
	}
	if sess.State() != conversation.StateCompleted {
		return
	}
	answer, _ := sess.Answer()
	_ = sse.event("done", map[string]string{"messageId": answer.ID})
}
