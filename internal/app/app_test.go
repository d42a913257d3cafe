package app

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"groundchat/internal/config"
	"groundchat/pkg/domain"
)

func baseConfig(t *testing.T) config.FileConfig {
	t.Helper()
	dir := t.TempDir()
	return config.FileConfig{
		DatabaseURL:        "file:" + filepath.Join(dir, "groundchat.db"),
		AuthHMACSecret:     "app-test-secret-0123456789",
		StorageBackend:     "file",
		FileStoreDir:       filepath.Join(dir, "blobs"),
		VectorBackend:      "memory",
		EmbeddingProvider:  "hash",
		EmbeddingDim:       32,
		GenerationProvider: "ollama",
		GenerationModel:    "llama3",
		ChunkSize:          64,
		ChunkOverlap:       8,
		TopK:               3,
		QueueMaxRetries:    2,
	}
}

func TestNewInlineIngestion(t *testing.T) {
	a, err := New(context.Background(), baseConfig(t), nil)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()

	if a.Queue != nil || a.Limiter != nil || a.Documents.Async() {
		t.Fatal("expected inline ingestion without redis")
	}
	if a.Verifier == nil {
		t.Fatal("expected a token verifier")
	}
	select {
	case <-a.StartWorkers(context.Background()):
	default:
		t.Fatal("workers channel should be closed without a queue")
	}
	if _, err := a.Conversations.CreateChat(context.Background(), "alice"); err != nil {
		t.Fatalf("create chat: %v", err)
	}
}

func TestNewRejectsPgvectorOnSQLite(t *testing.T) {
	cfg := baseConfig(t)
	cfg.VectorBackend = "pgvector"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected pgvector on sqlite to fail")
	}
}

func TestQueuedIngestionThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := baseConfig(t)
	cfg.RedisAddr = mr.Addr()
	cfg.QueueName = "groundchat:ingest"
	cfg.QueueGroup = "workers"
	cfg.QueueConcurrency = 2
	cfg.RateLimitPerMinute = 5

	a, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()
	if !a.Documents.Async() || a.Limiter == nil {
		t.Fatal("expected queue and limiter with redis configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := a.StartWorkers(ctx)
	defer func() {
		cancel()
		<-done
	}()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("word/document.xml")
	fmt.Fprint(w, `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>Shipping takes three business days.</w:t></w:r></w:p></w:body></w:document>`)
	_ = zw.Close()

	doc, err := a.Documents.Upload(context.Background(), "alice", "shipping.docx", bytes.NewReader(buf.Bytes()), int64(buf.Len()), "")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if doc.Status != domain.StatusQueued {
		t.Fatalf("expected queued document, got %s", doc.Status)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := a.Documents.Get(context.Background(), "alice", doc.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == domain.StatusReady {
			if got.Chunks == 0 {
				t.Fatalf("ready document without chunks: %+v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("document never became ready, last status %s (%s)", got.Status, got.ErrorMessage)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
