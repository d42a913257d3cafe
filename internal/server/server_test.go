package server

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"groundchat/internal/conversation"
	"groundchat/internal/documents"
	"groundchat/internal/ingest"
	"groundchat/internal/retrieval"
	"groundchat/internal/usertoken"
	"groundchat/pkg/ai"
	"groundchat/pkg/storage"
	"groundchat/pkg/store"
	"groundchat/pkg/vectorindex"
)

type tokenGenerator struct {
	tokens []string
	hold   chan struct{}
}

func (g *tokenGenerator) StreamText(ctx context.Context, _, _ string, onToken ai.TokenFunc) error {
	if g.hold != nil {
		select {
		case <-g.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, tok := range g.tokens {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) bool { return false }

type fixture struct {
	srv      *Server
	handler  http.Handler
	conv     *conversation.Service
	verifier *usertoken.Verifier
	gen      *tokenGenerator
}

func newFixture(t *testing.T, limiter Limiter) fixture {
	t.Helper()
	st := store.NewMemoryStore()
	index := vectorindex.NewMemoryIndex()
	embedder := ai.NewHashEmbedder(16)
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	ing, err := ingest.New(blobs, embedder, index, ingest.Config{ChunkSize: 64, ChunkOverlap: 8, TempDir: t.TempDir()})
	if err != nil {
		t.Fatalf("ingestor: %v", err)
	}
	t.Cleanup(ing.Close)
	docs, err := documents.NewService(st, ing, blobs, documents.WithObjects(blobs, 0))
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	gen := &tokenGenerator{tokens: []string{"Refunds ", "take ", "14 days."}}
	conv, err := conversation.NewService(st, retrieval.New(embedder, index, 4), gen, conversation.Config{})
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	t.Cleanup(conv.Wait)
	verifier, err := usertoken.NewVerifier(usertoken.Config{HMACSecret: "test-secret-0123456789"})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	srv := New(Config{Conversations: conv, Documents: docs, Auth: verifier, Limiter: limiter})
	return fixture{srv: srv, handler: srv.Router(), conv: conv, verifier: verifier, gen: gen}
}

func (f fixture) do(t *testing.T, user, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != "" {
		token, err := f.verifier.Issue(user, time.Minute)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f fixture) postJSON(t *testing.T, user, path, body string) *httptest.ResponseRecorder {
	return f.do(t, user, http.MethodPost, path, strings.NewReader(body), "application/json")
}

type sseEvent struct {
	name string
	data map[string]string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, frame := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(frame, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data); err != nil {
					t.Fatalf("decode sse data %q: %v", line, err)
				}
			}
		}
		out = append(out, ev)
	}
	return out
}

func TestHealthzCarriesMiddlewareHeaders(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "", http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" || rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing middleware headers: %v", rec.Header())
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "", http.MethodGet, "/api/chats", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for garbage token", rec.Code)
	}
}

func TestSubmitStreamsAnswer(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.postJSON(t, "alice", "/api/chats/chat_abc/messages", `{"question":"What is the refund window?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	events := parseSSE(t, rec.Body.String())
	var names []string
	var answer strings.Builder
	for _, ev := range events {
		names = append(names, ev.name)
		if ev.name == "token" {
			answer.WriteString(ev.data["token"])
		}
	}
	if strings.Join(names, ",") != "start,token,token,token,done" {
		t.Fatalf("unexpected event sequence %v", names)
	}
	if answer.String() != "Refunds take 14 days." {
		t.Fatalf("unexpected answer %q", answer.String())
	}
	f.conv.Wait()

	rec = f.do(t, "alice", http.MethodGet, "/api/chats/chat_abc/messages", nil, "")
	var page struct {
		Count int `json:"count"`
		Items []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if page.Count != 2 || page.Items[0].Role != "user" || page.Items[1].Content != "Refunds take 14 days." {
		t.Fatalf("unexpected transcript %+v", page)
	}

	rec = f.do(t, "alice", http.MethodGet, "/api/chats/chat_abc/messages?limit=1", nil, "")
	_ = json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Count != 1 || page.Items[0].Role != "assistant" {
		t.Fatalf("limit=1 should return the newest message, got %+v", page)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.postJSON(t, "alice", "/api/chats/c1/messages", `{"question":""}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty question status = %d", rec.Code)
	}
	if rec := f.postJSON(t, "alice", "/api/chats/c1/messages", `{"question":"hi","extra":1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", rec.Code)
	}
	if rec := f.postJSON(t, "alice", "/api/chats/c1/messages", `{"question":"   "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank question status = %d", rec.Code)
	}
}

func TestSubmitBusyAndForbidden(t *testing.T) {
	f := newFixture(t, nil)
	f.gen.hold = make(chan struct{})
	sess, err := f.conv.Submit(context.Background(), "alice", "chat_busy", "first")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec := f.postJSON(t, "alice", "/api/chats/chat_busy/messages", `{"question":"second"}`); rec.Code != http.StatusConflict {
		t.Fatalf("busy status = %d", rec.Code)
	}
	if rec := f.postJSON(t, "bob", "/api/chats/chat_busy/cancel", ``); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign cancel status = %d", rec.Code)
	}
	if rec := f.postJSON(t, "alice", "/api/chats/chat_busy/cancel", ``); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	<-sess.Done()

	close(f.gen.hold)
	if rec := f.postJSON(t, "bob", "/api/chats/chat_busy/messages", `{"question":"mine now?"}`); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign chat status = %d", rec.Code)
	}
	if rec := f.do(t, "bob", http.MethodGet, "/api/chats/chat_busy/export", nil, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign export status = %d", rec.Code)
	}
	if rec := f.do(t, "bob", http.MethodGet, "/api/chats/chat_nope/messages", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing chat status = %d", rec.Code)
	}
}

func TestRateLimitedSubmit(t *testing.T) {
	f := newFixture(t, denyAll{})
	rec := f.postJSON(t, "alice", "/api/chats/c1/messages", `{"question":"hi"}`)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("status = %d headers=%v", rec.Code, rec.Header())
	}
}

func TestCreateListAndExportChats(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.postJSON(t, "alice", "/api/chats", ``)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	var created struct {
		ChatID string `json:"chatId"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if !strings.HasPrefix(created.ChatID, "chat_") {
		t.Fatalf("unexpected chat id %q", created.ChatID)
	}

	rec = f.postJSON(t, "alice", "/api/chats/"+created.ChatID+"/messages", `{"question":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d", rec.Code)
	}
	f.conv.Wait()

	rec = f.do(t, "alice", http.MethodGet, "/api/chats", nil, "")
	if !strings.Contains(rec.Body.String(), created.ChatID) {
		t.Fatalf("chat missing from list: %s", rec.Body.String())
	}

	rec = f.do(t, "alice", http.MethodGet, "/api/chats/"+created.ChatID+"/export", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Header().Get("Content-Disposition"), created.ChatID+".json") {
		t.Fatalf("export status = %d headers=%v", rec.Code, rec.Header())
	}
	var export transcript
	if err := json.Unmarshal(rec.Body.Bytes(), &export); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(export.Messages) != 2 || export.Chat.ID != created.ChatID {
		t.Fatalf("unexpected export %+v", export)
	}
}

func docxBytes(t *testing.T, text string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	fmt.Fprintf(w, `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>%s</w:t></w:r></w:p></w:body></w:document>`, text)
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestDocumentLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "policy.docx")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = part.Write(docxBytes(t, strings.Repeat("Refunds are processed within fourteen days. ", 8)))
	_ = mw.WriteField("description", "refund policy")
	_ = mw.Close()

	rec := f.do(t, "alice", http.MethodPost, "/api/documents", &body, mw.FormDataContentType())
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d body=%s", rec.Code, rec.Body.String())
	}
	var doc struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Chunks int    `json:"chunks"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &doc)
	if doc.Status != "ready" || doc.Chunks == 0 {
		t.Fatalf("unexpected document %+v", doc)
	}

	rec = f.do(t, "alice", http.MethodGet, "/api/documents/"+doc.ID, nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "downloadUrl") {
		t.Fatalf("get status = %d body=%s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, "bob", http.MethodGet, "/api/documents/"+doc.ID, nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign get status = %d", rec.Code)
	}

	rec = f.postJSON(t, "alice", "/api/chats/chat_docs/messages", `{"question":"How long do refunds take?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d", rec.Code)
	}
	f.conv.Wait()

	rec = f.do(t, "alice", http.MethodDelete, "/api/documents/"+doc.ID, nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), fmt.Sprintf(`"chunks":%d`, doc.Chunks)) {
		t.Fatalf("delete status = %d body=%s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, "alice", http.MethodGet, "/api/documents/"+doc.ID, nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", rec.Code)
	}
}

func TestRegisterDocumentErrors(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.postJSON(t, "alice", "/api/documents", `{"source":"notes.txt"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unsupported status = %d", rec.Code)
	}
	if rec := f.postJSON(t, "alice", "/api/documents", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing source status = %d", rec.Code)
	}
	rec := f.postJSON(t, "alice", "/api/documents", `{"source":"uploads/missing.pdf"}`)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"status":"failed"`) {
		t.Fatalf("missing blob status = %d body=%s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, "alice", http.MethodGet, "/api/documents", nil, "")
	if !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Fatalf("expected the failed document to be listed: %s", rec.Body.String())
	}
}

func TestListDocumentSources(t *testing.T) {
	f := newFixture(t, nil)
	for _, src := range []string{"uploads/missing.pdf", "archive/missing.pdf", "uploads/b.pdf"} {
		_ = f.postJSON(t, "alice", "/api/documents", `{"source":"`+src+`"}`)
	}
	rec := f.do(t, "alice", http.MethodGet, "/api/documents/sources", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sources status = %d body=%s", rec.Code, rec.Body.String())
	}
	var got struct {
		Items []string `json:"items"`
		Count int      `json:"count"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Count != 2 || len(got.Items) != 2 || got.Items[0] != "b.pdf" || got.Items[1] != "missing.pdf" {
		t.Fatalf("unexpected sources %+v", got)
	}
	rec = f.do(t, "bob", http.MethodGet, "/api/documents/sources", nil, "")
	if !strings.Contains(rec.Body.String(), `"count":0`) {
		t.Fatalf("foreign sources leaked: %s", rec.Body.String())
	}
}

func TestAuthDisabledTrustsHeader(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.authDisabled = true
	req := httptest.NewRequest(http.MethodPost, "/api/chats", nil)
	req.Header.Set("X-User-ID", "dev-user")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), `"ownerId":"dev-user"`) {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}
