package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"groundchat/internal/chunker"
	"groundchat/pkg/ai"
	"groundchat/pkg/domain"
	"groundchat/pkg/storage"
	"groundchat/pkg/vectorindex"
)

func docxBytes(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var body strings.Builder
	body.WriteString(`<?xml version="1.0" encoding="UTF-8"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		fmt.Fprintf(&body, `<w:p><w:r><w:t xml:space="preserve">%s</w:t></w:r></w:p>`, p)
	}
	body.WriteString(`</w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := w.Write([]byte(body.String())); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

type fixture struct {
	blobs *storage.FileStore
	index *vectorindex.MemoryIndex
	tmp   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	return fixture{blobs: blobs, index: vectorindex.NewMemoryIndex(), tmp: t.TempDir()}
}

func (f fixture) put(t *testing.T, key string, data []byte) {
	t.Helper()
	if err := f.blobs.Put(context.Background(), key, bytes.NewReader(data), int64(len(data)), ""); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func (f fixture) ingestor(t *testing.T, embedder ai.Embedder, index vectorindex.Index, cfg Config) *Ingestor {
	t.Helper()
	cfg.TempDir = f.tmp
	ing, err := New(f.blobs, embedder, index, cfg)
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	t.Cleanup(ing.Close)
	return ing
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected temp dir to be empty, found %d entries", len(entries))
	}
}

func TestIngestChunkCountMatchesChunker(t *testing.T) {
	f := newFixture(t)
	text := strings.Repeat("Refunds are processed within fourteen days of the request. ", 30)
	f.put(t, "policy.docx", docxBytes(t, text))

	ing := f.ingestor(t, ai.NewHashEmbedder(32), f.index, Config{ChunkSize: 200, ChunkOverlap: 20, EmbedBatchSize: 3})
	res, err := ing.Ingest(context.Background(), DocumentRef{Source: "policy.docx"}, "upload-1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	want := chunker.Count(utf8.RuneCountInString(NormalizeText(text)), 200, 20)
	if res.Chunks != want || f.index.Len() != want {
		t.Fatalf("expected %d chunks, result=%d index=%d", want, res.Chunks, f.index.Len())
	}
	hits, _ := f.index.Search(context.Background(), make([]float32, 32), 100)
	for _, h := range hits {
		if h.Metadata[domain.MetaUploadID] != "upload-1" || h.Metadata[domain.MetaSource] != "policy.docx" || h.Metadata[domain.MetaChunkIndex] == "" {
			t.Fatalf("unexpected metadata %v", h.Metadata)
		}
	}
	assertNoTempFiles(t, f.tmp)
}

func TestIngestUnsupportedFormatBeforeFetch(t *testing.T) {
	f := newFixture(t)
	ing := f.ingestor(t, ai.NewHashEmbedder(8), f.index, Config{})
	_, err := ing.Ingest(context.Background(), DocumentRef{Source: "notes.txt"}, "u")
	if !errors.Is(err, domain.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestIngestFetchFailure(t *testing.T) {
	f := newFixture(t)
	ing := f.ingestor(t, ai.NewHashEmbedder(8), f.index, Config{})
	_, err := ing.Ingest(context.Background(), DocumentRef{Source: "missing.pdf"}, "u")
	if !errors.Is(err, domain.ErrFetch) {
		t.Fatalf("expected ErrFetch, got %v", err)
	}
	assertNoTempFiles(t, f.tmp)
}

func TestIngestEmptyDocument(t *testing.T) {
	f := newFixture(t)
	f.put(t, "blank.docx", docxBytes(t, "   ", ""))
	ing := f.ingestor(t, ai.NewHashEmbedder(8), f.index, Config{})
	_, err := ing.Ingest(context.Background(), DocumentRef{Source: "blank.docx"}, "u")
	if !errors.Is(err, domain.ErrEmptyDocument) {
		t.Fatalf("expected ErrEmptyDocument, got %v", err)
	}
	assertNoTempFiles(t, f.tmp)
}

type failingEmbedder struct {
	calls  atomic.Int32
	failAt int32
}

func (e *failingEmbedder) EmbedText(_ context.Context, text, _ string) ([]float32, error) {
	if e.calls.Add(1) == e.failAt {
		return nil, errors.New("provider unavailable")
	}
	return []float32{1, 0}, nil
}

func TestIngestEmbeddingFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.put(t, "long.docx", docxBytes(t, strings.Repeat("word ", 400)))
	ing := f.ingestor(t, &failingEmbedder{failAt: 3}, f.index, Config{ChunkSize: 100, ChunkOverlap: 10, EmbedBatchSize: 1, EmbedConcurrency: 1})
	_, err := ing.Ingest(context.Background(), DocumentRef{Source: "long.docx"}, "u")
	if !errors.Is(err, domain.ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}
	if f.index.Len() != 0 {
		t.Fatalf("expected no partial writes, index has %d records", f.index.Len())
	}
}

func TestIngestDimensionMismatch(t *testing.T) {
	f := newFixture(t)
	f.put(t, "a.docx", docxBytes(t, "some text"))
	ing := f.ingestor(t, ai.NewHashEmbedder(8), f.index, Config{EmbeddingDim: 16})
	if _, err := ing.Ingest(context.Background(), DocumentRef{Source: "a.docx"}, "u"); !errors.Is(err, domain.ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}
}

type brokenIndex struct{ vectorindex.MemoryIndex }

func (*brokenIndex) Upsert(context.Context, []vectorindex.Record) error {
	return errors.New("connection refused")
}

func TestIngestIndexFailure(t *testing.T) {
	f := newFixture(t)
	f.put(t, "a.docx", docxBytes(t, "some text"))
	ing := f.ingestor(t, ai.NewHashEmbedder(8), &brokenIndex{}, Config{})
	if _, err := ing.Ingest(context.Background(), DocumentRef{Source: "a.docx"}, "u"); !errors.Is(err, domain.ErrIndex) {
		t.Fatalf("expected ErrIndex, got %v", err)
	}
}

// halfIndex stores the first half of a batch and then fails, the way a
// non-transactional backend can.
type halfIndex struct{ *vectorindex.MemoryIndex }

func (h halfIndex) Upsert(ctx context.Context, records []vectorindex.Record) error {
	if err := h.MemoryIndex.Upsert(ctx, records[:len(records)/2]); err != nil {
		return err
	}
	return errors.New("batch item rejected")
}

func TestIngestIndexFailureRemovesPartialBatch(t *testing.T) {
	f := newFixture(t)
	f.put(t, "kept.docx", docxBytes(t, strings.Repeat("kept ", 200)))
	f.put(t, "half.docx", docxBytes(t, strings.Repeat("half ", 200)))
	cfg := Config{ChunkSize: 100, ChunkOverlap: 10}
	ctx := context.Background()

	kept, err := f.ingestor(t, ai.NewHashEmbedder(16), f.index, cfg).Ingest(ctx, DocumentRef{Source: "kept.docx"}, "K")
	if err != nil {
		t.Fatalf("ingest kept: %v", err)
	}
	ing := f.ingestor(t, ai.NewHashEmbedder(16), halfIndex{f.index}, cfg)
	if _, err := ing.Ingest(ctx, DocumentRef{Source: "half.docx"}, "H"); !errors.Is(err, domain.ErrIndex) {
		t.Fatalf("expected ErrIndex, got %v", err)
	}
	if f.index.Len() != kept.Chunks {
		t.Fatalf("expected only the %d chunks of the other upload, got %d", kept.Chunks, f.index.Len())
	}
	hits, _ := f.index.Search(ctx, make([]float32, 16), 100)
	for _, h := range hits {
		if h.Metadata[domain.MetaUploadID] == "H" {
			t.Fatal("chunk of the failed upload is still searchable")
		}
	}
}

func TestIngestExtractorPanicFailsJob(t *testing.T) {
	orig := extractors[".docx"]
	extractors[".docx"] = func(string, bool) (string, error) { panic("malformed xref table") }
	t.Cleanup(func() { extractors[".docx"] = orig })

	f := newFixture(t)
	f.put(t, "bad.docx", docxBytes(t, "text"))
	ing := f.ingestor(t, ai.NewHashEmbedder(8), f.index, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	_, err := ing.Ingest(ctx, DocumentRef{Source: "bad.docx"}, "u")
	if !errors.Is(err, domain.ErrEmptyDocument) || !domain.IsPermanent(err) {
		t.Fatalf("expected a permanent ErrEmptyDocument, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("ingest blocked for %v after the extractor panicked", elapsed)
	}
	assertNoTempFiles(t, f.tmp)
}

func TestDeleteRemovesOnlyOneUpload(t *testing.T) {
	f := newFixture(t)
	f.put(t, "a.docx", docxBytes(t, strings.Repeat("alpha ", 200)))
	f.put(t, "b.docx", docxBytes(t, strings.Repeat("beta ", 200)))
	ing := f.ingestor(t, ai.NewHashEmbedder(16), f.index, Config{ChunkSize: 100, ChunkOverlap: 10})
	ctx := context.Background()

	ra, err := ing.Ingest(ctx, DocumentRef{Source: "a.docx"}, "A")
	if err != nil {
		t.Fatalf("ingest A: %v", err)
	}
	rb, err := ing.Ingest(ctx, DocumentRef{Source: "b.docx"}, "B")
	if err != nil {
		t.Fatalf("ingest B: %v", err)
	}
	n, err := ing.Delete(ctx, "A")
	if err != nil || n != ra.Chunks {
		t.Fatalf("delete A: n=%d err=%v", n, err)
	}
	if f.index.Len() != rb.Chunks {
		t.Fatalf("expected %d chunks of B to remain, got %d", rb.Chunks, f.index.Len())
	}
	query, _ := ai.NewHashEmbedder(16).EmbedText(ctx, "alpha", "")
	hits, _ := f.index.Search(ctx, query, 100)
	for _, h := range hits {
		if h.Metadata[domain.MetaUploadID] == "A" {
			t.Fatal("chunk of deleted upload still searchable")
		}
	}
}

func TestFormat(t *testing.T) {
	for _, name := range []string{"a.PDF", "dir/b.docx", "https://host/x.pdf?X-Amz-Signature=abc"} {
		if _, err := Format(name); err != nil {
			t.Fatalf("Format(%q): %v", name, err)
		}
	}
	for _, name := range []string{"a.txt", "noext", "a.doc"} {
		if _, err := Format(name); !errors.Is(err, domain.ErrUnsupportedFormat) {
			t.Fatalf("Format(%q): expected ErrUnsupportedFormat, got %v", name, err)
		}
	}
}

func TestDocxTextKeepsParagraphs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.docx")
	if err := os.WriteFile(path, docxBytes(t, "First", "Second"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	text, err := extractDOCX(path, false)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "First\nSecond\n" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestNormalizeText(t *testing.T) {
	if got := NormalizeText("  a\x00b \n\n c\t\td  "); got != "a b c d" {
		t.Fatalf("unexpected normalized text %q", got)
	}
}
