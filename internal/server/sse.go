package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// sseWriter frames JSON payloads as server-sent events. JSON encoding keeps
// newlines inside tokens from breaking the data line.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func newSSEWriter(w io.Writer, flusher http.Flusher) *sseWriter {
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
