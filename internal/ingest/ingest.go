// Package ingest turns a stored document into embedded, indexed chunks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"groundchat/internal/chunker"
	"groundchat/pkg/ai"
	"groundchat/pkg/domain"
	"groundchat/pkg/storage"
	"groundchat/pkg/vectorindex"
)

// Config holds chunking and embedding settings shared by every corpus.
type Config struct {
	ChunkSize        int
	ChunkOverlap     int
	EmbedBatchSize   int
	EmbedConcurrency int
	// EmbeddingDim rejects vectors of any other length when positive.
	EmbeddingDim int
	UsePdftotext bool
	// ExtractWorkers sizes the pool used for CPU-bound text extraction.
	ExtractWorkers int
	TempDir        string
}

func (c Config) withDefaults() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = chunker.DefaultSize
		if c.ChunkOverlap == 0 {
			c.ChunkOverlap = chunker.DefaultOverlap
		}
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 16
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = 2
	}
	if c.ExtractWorkers <= 0 {
		c.ExtractWorkers = 4
	}
	return c
}

// DocumentRef locates a document in the blob store. Filename carries the
// format suffix when Source does not.
type DocumentRef struct {
	Source   string
	Filename string
}

func (r DocumentRef) name() string {
	if r.Filename != "" {
		return r.Filename
	}
	return r.Source
}

// Result summarises a successful ingestion.
type Result struct {
	CollectionID string `json:"collectionId"`
	Source       string `json:"source"`
	Chunks       int    `json:"chunks"`
	Characters   int    `json:"characters"`
}

type Option func(*Ingestor) error

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(i *Ingestor) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		i.logger = logger
		return nil
	}
}

// WithPool shares an existing worker pool for extraction. The caller keeps
// ownership and releases it.
func WithPool(pool *ants.Pool) Option {
	return func(i *Ingestor) error {
		if pool == nil {
			return errors.New("pool must not be nil")
		}
		i.pool = pool
		return nil
	}
}

// Ingestor runs the fetch, extract, chunk, embed and index pipeline. A job
// either indexes every chunk of a document or none of them.
type Ingestor struct {
	blobs    storage.BlobStore
	embedder ai.Embedder
	index    vectorindex.Index
	cfg      Config
	pool     *ants.Pool
	ownsPool bool
	logger   *slog.Logger
}

func New(blobs storage.BlobStore, embedder ai.Embedder, index vectorindex.Index, cfg Config, opts ...Option) (*Ingestor, error) {
	if blobs == nil || embedder == nil || index == nil {
		return nil, fmt.Errorf("%w: ingestor needs a blob store, an embedder and an index", domain.ErrInvalidConfiguration)
	}
	cfg = cfg.withDefaults()
	if err := chunker.Validate(cfg.ChunkSize, cfg.ChunkOverlap); err != nil {
		return nil, err
	}
	i := &Ingestor{
		blobs:    blobs,
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(i); err != nil {
			return nil, err
		}
	}
	if i.pool == nil {
		pool, err := ants.NewPool(cfg.ExtractWorkers)
		if err != nil {
			return nil, fmt.Errorf("create extract pool: %w", err)
		}
		i.pool = pool
		i.ownsPool = true
	}
	i.logger = i.logger.With("component", "ingest")
	return i, nil
}

// Close releases the extraction pool when the ingestor created it.
func (i *Ingestor) Close() {
	if i.ownsPool {
		i.pool.Release()
	}
}

// Ingest indexes the document at ref under collectionID, which becomes the
// upload_id of every chunk. Re-ingesting the same id overwrites its chunks.
func (i *Ingestor) Ingest(ctx context.Context, ref DocumentRef, collectionID string) (Result, error) {
	logger := i.logger.With("upload_id", collectionID, "source", ref.Source)
	if collectionID == "" {
		return Result{}, fmt.Errorf("%w: collection id required", domain.ErrInvalidConfiguration)
	}
	ext, err := Format(ref.name())
	if err != nil {
		return Result{}, err
	}

	path, err := i.download(ctx, ref.Source, ext)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrFetch, err)
	}
	defer os.Remove(path)

	text, err := i.extract(ctx, path, ext)
	if err != nil {
		return Result{}, err
	}
	text = NormalizeText(text)
	if text == "" {
		return Result{}, fmt.Errorf("%w: %s", domain.ErrEmptyDocument, ref.name())
	}

	seq, err := chunker.Split(text, i.cfg.ChunkSize, i.cfg.ChunkOverlap)
	if err != nil {
		return Result{}, err
	}
	chunks := slices.Collect(seq)
	logger.Info("document chunked", "chunks", len(chunks), "characters", utf8.RuneCountInString(text))

	vectors, err := i.embed(ctx, chunks)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrEmbedding, err)
	}

	records := make([]vectorindex.Record, len(chunks))
	for idx, content := range chunks {
		records[idx] = vectorindex.Record{
			ID:     ChunkID(collectionID, idx),
			Vector: vectors[idx],
			Text:   content,
			Metadata: map[string]string{
				domain.MetaSource:     ref.name(),
				domain.MetaUploadID:   collectionID,
				domain.MetaChunkIndex: strconv.Itoa(idx),
			},
		}
	}
	if err := i.index.Upsert(ctx, records); err != nil {
		// Backends may have stored part of the batch before failing.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		n, derr := i.index.DeleteByMetadata(cctx, domain.MetaUploadID, collectionID)
		cancel()
		if derr != nil {
			logger.Error("remove partial chunks failed", "error", derr)
		} else if n > 0 {
			logger.Warn("removed partially indexed chunks", "chunks", n)
		}
		return Result{}, fmt.Errorf("%w: %v", domain.ErrIndex, err)
	}
	logger.Info("document indexed", "chunks", len(records))
	return Result{
		CollectionID: collectionID,
		Source:       ref.name(),
		Chunks:       len(records),
		Characters:   utf8.RuneCountInString(text),
	}, nil
}

// Delete removes every chunk stamped with collectionID.
func (i *Ingestor) Delete(ctx context.Context, collectionID string) (int, error) {
	n, err := i.index.DeleteByMetadata(ctx, domain.MetaUploadID, collectionID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrIndex, err)
	}
	i.logger.Info("document chunks deleted", "upload_id", collectionID, "chunks", n)
	return n, nil
}

// ChunkID is the index key of chunk idx of an upload.
func ChunkID(collectionID string, idx int) string {
	return collectionID + ":" + strconv.Itoa(idx)
}

func (i *Ingestor) download(ctx context.Context, source, ext string) (string, error) {
	rc, err := i.blobs.Fetch(ctx, source)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	tmpFile, err := os.CreateTemp(i.cfg.TempDir, "groundchat-*"+ext)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmpFile, rc); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return "", err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return "", err
	}
	return tmpFile.Name(), nil
}

func (i *Ingestor) extract(ctx context.Context, path, ext string) (string, error) {
	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	err := i.pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("extractor panicked: %v", r)}
			}
		}()
		text, err := extractors[ext](path, i.cfg.UsePdftotext)
		done <- outcome{text: text, err: err}
	})
	if err != nil {
		return "", fmt.Errorf("submit extraction: %w", err)
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case out := <-done:
		if out.err != nil {
			// A file that cannot be parsed yields no text.
			return "", fmt.Errorf("%w: %v", domain.ErrEmptyDocument, out.err)
		}
		return out.text, nil
	}
}

func (i *Ingestor) embed(ctx context.Context, chunks []string) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.EmbedConcurrency)
	for start := 0; start < len(chunks); start += i.cfg.EmbedBatchSize {
		end := min(start+i.cfg.EmbedBatchSize, len(chunks))
		g.Go(func() error {
			return i.embedBatch(gctx, chunks[start:end], vectors[start:end])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (i *Ingestor) embedBatch(ctx context.Context, texts []string, out [][]float32) error {
	if be, ok := i.embedder.(ai.BatchEmbedder); ok && len(texts) > 1 {
		vecs, err := be.EmbedTexts(ctx, texts, ai.TaskRetrievalDocument)
		if err != nil {
			return err
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("embedding count mismatch: got %d, want %d", len(vecs), len(texts))
		}
		copy(out, vecs)
	} else {
		for k, text := range texts {
			v, err := i.embedder.EmbedText(ctx, text, ai.TaskRetrievalDocument)
			if err != nil {
				return err
			}
			out[k] = v
		}
	}
	for _, v := range out {
		if len(v) == 0 {
			return fmt.Errorf("empty embedding")
		}
		if i.cfg.EmbeddingDim > 0 && len(v) != i.cfg.EmbeddingDim {
			return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(v), i.cfg.EmbeddingDim)
		}
	}
	return nil
}
