// Package documents keeps the registry of uploaded documents and drives their
// ingestion, either inline or through the job queue.
package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"groundchat/internal/ingest"
	"groundchat/internal/util"
	"groundchat/pkg/domain"
	"groundchat/pkg/events"
	"groundchat/pkg/queue"
	"groundchat/pkg/storage"
	"groundchat/pkg/store"
)

// Indexer is the slice of ingest.Ingestor the registry needs.
type Indexer interface {
	Ingest(ctx context.Context, ref ingest.DocumentRef, collectionID string) (ingest.Result, error)
	Delete(ctx context.Context, collectionID string) (int, error)
}

// Queue schedules asynchronous ingestion.
type Queue interface {
	Enqueue(ctx context.Context, documentID string) (queue.JobStatus, error)
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithQueue makes Register enqueue ingestion instead of running it inline.
// maxAttempts must match the queue's retry budget.
func WithQueue(q Queue, maxAttempts int) Option {
	return func(s *Service) {
		s.queue = q
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
	}
}

// WithObjects enables uploads and presigned downloads.
func WithObjects(objects storage.ObjectStore, presignExpiry time.Duration) Option {
	return func(s *Service) {
		s.objects = objects
		if presignExpiry > 0 {
			s.presignExpiry = presignExpiry
		}
	}
}

// WithJobTimeout bounds one ingestion attempt. Defaults to ten minutes.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.jobTimeout = d
		}
	}
}

func WithEvents(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

// RegisterRequest describes a document that already lives in blob storage.
type RegisterRequest struct {
	Source      string
	Filename    string
	Description string
}

type Service struct {
	docs          store.DocumentStore
	indexer       Indexer
	blobs         storage.BlobStore
	objects       storage.ObjectStore
	queue         Queue
	events        events.Publisher
	maxAttempts   int
	jobTimeout    time.Duration
	presignExpiry time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

func NewService(docs store.DocumentStore, indexer Indexer, blobs storage.BlobStore, opts ...Option) (*Service, error) {
	if docs == nil || indexer == nil || blobs == nil {
		return nil, fmt.Errorf("%w: document service needs a store, an indexer and a blob store", domain.ErrInvalidConfiguration)
	}
	s := &Service{
		docs:          docs,
		indexer:       indexer,
		blobs:         blobs,
		events:        events.Nop{},
		maxAttempts:   3,
		jobTimeout:    10 * time.Minute,
		presignExpiry: 15 * time.Minute,
		logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "documents")
	return s, nil
}

// Async reports whether ingestion runs through the queue.
func (s *Service) Async() bool { return s.queue != nil }

// Register records a document for ownerID and starts its ingestion. With a
// queue the returned document is queued; otherwise ingestion has finished
// and its error, if any, is returned alongside the failed record.
func (s *Service) Register(ctx context.Context, ownerID string, req RegisterRequest) (domain.Document, error) {
	source := strings.TrimSpace(req.Source)
	if source == "" {
		return domain.Document{}, fmt.Errorf("%w: source required", domain.ErrInvalidInput)
	}
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		filename = filenameFromSource(source)
	}
	if _, err := ingest.Format(filename); err != nil {
		return domain.Document{}, err
	}
	now := s.now()
	doc := domain.Document{
		ID:          util.NewID(),
		OwnerID:     ownerID,
		Filename:    filename,
		Source:      source,
		Description: strings.TrimSpace(req.Description),
		Status:      domain.StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return s.start(ctx, doc)
}

// Upload stores r under a fresh object key and registers it.
func (s *Service) Upload(ctx context.Context, ownerID, filename string, r io.Reader, size int64, description string) (domain.Document, error) {
	if s.objects == nil {
		return domain.Document{}, fmt.Errorf("%w: uploads need an object store", domain.ErrInvalidConfiguration)
	}
	if strings.TrimSpace(filename) == "" {
		return domain.Document{}, fmt.Errorf("%w: filename required", domain.ErrInvalidInput)
	}
	if _, err := ingest.Format(filename); err != nil {
		return domain.Document{}, err
	}
	id := util.NewID()
	key := buildStorageKey(id, filename)
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.objects.Put(ctx, key, r, size, contentType); err != nil {
		return domain.Document{}, fmt.Errorf("%w: save file: %v", domain.ErrFetch, err)
	}
	now := s.now()
	doc := domain.Document{
		ID:          id,
		OwnerID:     ownerID,
		Filename:    filepath.Base(filename),
		Source:      key,
		Description: strings.TrimSpace(description),
		Status:      domain.StatusQueued,
		SizeBytes:   size,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return s.start(ctx, doc)
}

func (s *Service) start(ctx context.Context, doc domain.Document) (domain.Document, error) {
	if err := s.docs.SaveDocument(ctx, doc); err != nil {
		return domain.Document{}, err
	}
	logger := s.logger.With("document_id", doc.ID, "source", doc.Source)
	if s.queue != nil {
		if _, err := s.queue.Enqueue(ctx, doc.ID); err != nil {
			_ = s.docs.SetDocumentStatus(ctx, doc.ID, domain.StatusFailed, err.Error(), 0)
			logger.Error("enqueue ingest", "error", err)
			return domain.Document{}, fmt.Errorf("enqueue ingest: %w", err)
		}
		return doc, nil
	}
	err := s.process(ctx, doc, true)
	updated, _, getErr := s.docs.GetDocument(ctx, doc.ID)
	if getErr != nil {
		return doc, getErr
	}
	return updated, err
}

// HandleJob is the queue handler. Intermediate transient failures put the
// document back to queued; the last attempt or a permanent error marks it
// failed.
func (s *Service) HandleJob(ctx context.Context, job queue.JobStatus) error {
	doc, ok, err := s.docs.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Warn("job for unknown document", "document_id", job.DocumentID, "job_id", job.ID)
		return nil
	}
	return s.process(ctx, doc, job.Attempts >= s.maxAttempts)
}

func (s *Service) process(ctx context.Context, doc domain.Document, final bool) error {
	logger := s.logger.With("document_id", doc.ID)
	if err := s.docs.SetDocumentStatus(ctx, doc.ID, domain.StatusProcessing, "", 0); err != nil {
		return err
	}
	jctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	res, err := s.indexer.Ingest(jctx, ingest.DocumentRef{Source: doc.Source, Filename: doc.Filename}, doc.ID)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("ingestion exceeded %s: %w", s.jobTimeout, err)
		}
		if !final && !domain.IsPermanent(err) {
			_ = s.docs.SetDocumentStatus(ctx, doc.ID, domain.StatusQueued, err.Error(), 0)
			return err
		}
		_ = s.docs.SetDocumentStatus(context.WithoutCancel(ctx), doc.ID, domain.StatusFailed, err.Error(), 0)
		logger.Error("ingest failed", "error", err)
		s.publish(ctx, events.Event{Type: events.TypeDocumentFailed, DocumentID: doc.ID, OwnerID: doc.OwnerID, Filename: doc.Filename, Error: err.Error()})
		return err
	}
	if err := s.docs.SetDocumentStatus(context.WithoutCancel(ctx), doc.ID, domain.StatusReady, "", res.Chunks); err != nil {
		return err
	}
	s.publish(ctx, events.Event{Type: events.TypeDocumentIndexed, DocumentID: doc.ID, OwnerID: doc.OwnerID, Filename: doc.Filename, Chunks: res.Chunks})
	return nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	ev.OccurredAt = s.now()
	if err := s.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("publish event", "type", ev.Type, "document_id", ev.DocumentID, "error", err)
	}
}

// List returns the documents of ownerID, newest first. An empty ownerID
// lists every document.
func (s *Service) List(ctx context.Context, ownerID string) ([]domain.Document, error) {
	return s.docs.ListDocumentsByOwner(ctx, ownerID)
}

// Sources returns the distinct filenames of ownerID's documents, sorted.
func (s *Service) Sources(ctx context.Context, ownerID string) ([]string, error) {
	docs, err := s.docs.ListDocumentsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Filename)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Get returns a document owned by ownerID. Documents of other users are
// reported as not found.
func (s *Service) Get(ctx context.Context, ownerID, id string) (domain.Document, error) {
	doc, ok, err := s.docs.GetDocument(ctx, id)
	if err != nil {
		return domain.Document{}, err
	}
	if !ok || (ownerID != "" && doc.OwnerID != ownerID) {
		return domain.Document{}, domain.ErrDocumentNotFound
	}
	return doc, nil
}

// DownloadURL presigns the stored object of an uploaded document. Remote
// sources are returned unchanged.
func (s *Service) DownloadURL(ctx context.Context, ownerID, id string) (string, error) {
	doc, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return "", err
	}
	if isRemote(doc.Source) {
		return doc.Source, nil
	}
	if s.objects == nil {
		return "", fmt.Errorf("%w: no object store", domain.ErrInvalidConfiguration)
	}
	return s.objects.PresignGet(ctx, doc.Source, s.presignExpiry)
}

// Delete removes a document's chunks from the index, then its stored
// object, then the registry entry. It returns the number of chunks removed.
func (s *Service) Delete(ctx context.Context, ownerID, id string) (int, error) {
	doc, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return 0, err
	}
	n, err := s.indexer.Delete(ctx, doc.ID)
	if err != nil {
		return 0, err
	}
	if !isRemote(doc.Source) {
		if err := s.blobs.Delete(ctx, doc.Source); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return n, fmt.Errorf("%w: delete blob: %v", domain.ErrFetch, err)
		}
	}
	if err := s.docs.DeleteDocument(ctx, doc.ID); err != nil {
		return n, err
	}
	s.logger.Info("document deleted", "document_id", doc.ID, "chunks", n)
	s.publish(ctx, events.Event{Type: events.TypeDocumentDeleted, DocumentID: doc.ID, OwnerID: doc.OwnerID, Filename: doc.Filename, Chunks: n})
	return n, nil
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

func filenameFromSource(source string) string {
	if u, err := url.Parse(source); err == nil && u.Path != "" {
		source = u.Path
	}
	return path.Base(source)
}

func buildStorageKey(id, filename string) string {
	name := sanitizeFilename(filepath.Base(filename))
	if name == "" {
		name = "document"
	}
	return path.Join("documents", id, name)
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
