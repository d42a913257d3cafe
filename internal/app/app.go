// Package app wires configuration into the running services: storage,
// providers, the vector index, the ingestion queue and the chat engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"

	"groundchat/internal/config"
	"groundchat/internal/conversation"
	"groundchat/internal/documents"
	"groundchat/internal/ingest"
	"groundchat/internal/ratelimit"
	"groundchat/internal/retrieval"
	"groundchat/internal/usertoken"
	"groundchat/pkg/ai"
	"groundchat/pkg/events"
	"groundchat/pkg/queue"
	"groundchat/pkg/storage"
	"groundchat/pkg/store"
	"groundchat/pkg/vectorindex"
)

// App holds every long-lived component built from a FileConfig.
type App struct {
	Config        config.FileConfig
	Store         *store.GormStore
	Objects       storage.ObjectStore
	Index         vectorindex.Index
	Embedder      ai.Embedder
	Generator     ai.Generator
	Ingestor      *ingest.Ingestor
	Retriever     *retrieval.Retriever
	Documents     *documents.Service
	Conversations *conversation.Service
	// Queue is nil when ingestion runs inline.
	Queue *queue.RedisJobQueue
	// Limiter is nil when rate limiting is off.
	Limiter *ratelimit.FixedWindowLimiter
	// Verifier is nil when auth is disabled and no secret is configured.
	Verifier *usertoken.Verifier

	redis   *redis.Client
	pool    *ants.Pool
	events  events.Publisher
	closers []func() error
	logger  *slog.Logger
}

// New builds the application. On error every component created so far is
// closed again.
func New(ctx context.Context, cfg config.FileConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger, events: events.Nop{}}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close()
		}
	}()

	var err error
	a.Store, err = store.NewGormStore(cfg.DatabaseURL, store.WithLogger(logger), store.WithSlowThreshold(500*time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a.closers = append(a.closers, a.Store.Close)

	if a.Objects, err = newObjectStore(ctx, cfg); err != nil {
		return nil, err
	}
	blobs := storage.Router{Objects: a.Objects, Remote: storage.NewHTTPStore(&http.Client{Timeout: 60 * time.Second})}

	if a.Index, err = a.newIndex(ctx, cfg); err != nil {
		return nil, err
	}
	if a.Embedder, err = newEmbedder(cfg); err != nil {
		return nil, err
	}
	if a.Generator, err = newGenerator(cfg); err != nil {
		return nil, err
	}

	workers := cfg.ExtractWorkers
	if workers <= 0 {
		workers = 4
	}
	a.pool, err = ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("create extract pool: %w", err)
	}
	a.closers = append(a.closers, func() error { a.pool.Release(); return nil })

	a.Ingestor, err = ingest.New(blobs, a.Embedder, a.Index, ingest.Config{
		ChunkSize:        cfg.ChunkSize,
		ChunkOverlap:     cfg.ChunkOverlap,
		EmbedBatchSize:   cfg.EmbeddingBatchSize,
		EmbedConcurrency: cfg.EmbeddingConcurrency,
		EmbeddingDim:     cfg.EmbeddingDim,
		UsePdftotext:     cfg.UsePdftotext,
		ExtractWorkers:   workers,
	}, ingest.WithLogger(logger), ingest.WithPool(a.pool))
	if err != nil {
		return nil, fmt.Errorf("init ingestor: %w", err)
	}
	a.Retriever = retrieval.New(a.Embedder, a.Index, cfg.TopK)

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.closers = append(a.closers, a.redis.Close)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	if cfg.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return nil, err
		}
		a.events = pub
		a.closers = append(a.closers, pub.Close)
	}

	docOpts := []documents.Option{
		documents.WithLogger(logger),
		documents.WithObjects(a.Objects, 0),
		documents.WithEvents(a.events),
		documents.WithJobTimeout(config.Seconds(cfg.IngestTimeoutSeconds)),
	}
	if cfg.QueueName != "" {
		a.Queue, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Client:     a.redis,
			Logger:     logger,
			Stream:     cfg.QueueName,
			Group:      cfg.QueueGroup,
			MaxRetries: cfg.QueueMaxRetries,
			RetryDelay: config.Seconds(cfg.QueueRetryDelaySeconds),
		})
		if err != nil {
			return nil, fmt.Errorf("init queue: %w", err)
		}
		a.closers = append(a.closers, a.Queue.Close)
		docOpts = append(docOpts, documents.WithQueue(a.Queue, cfg.QueueMaxRetries))
	}
	a.Documents, err = documents.NewService(a.Store, a.Ingestor, blobs, docOpts...)
	if err != nil {
		return nil, err
	}

	var locker conversation.Locker
	if a.redis != nil {
		locker = conversation.NewRedisLocker(a.redis, "", config.Seconds(cfg.ChatLockTTLSeconds))
	}
	a.Conversations, err = conversation.NewService(a.Store, a.Retriever, a.Generator, conversation.Config{
		HistorySize:       cfg.HistorySize,
		TopK:              cfg.TopK,
		SystemPrompt:      cfg.SystemPrompt,
		RequireContext:    cfg.RequireContext,
		QueryTimeout:      config.Seconds(cfg.QueryTimeoutSeconds),
		WriteTimeout:      config.Seconds(cfg.WriteTimeoutSeconds),
		GenerationTimeout: config.Seconds(cfg.GenerationTimeoutSeconds),
	}, conversation.WithLogger(logger), conversation.WithRegistry(conversation.NewRegistry(locker)))
	if err != nil {
		return nil, err
	}

	if cfg.RateLimitPerMinute > 0 {
		a.Limiter, err = ratelimit.NewRedisFixedWindowLimiter(a.redis, "groundchat:ratelimit:ask", cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			return nil, err
		}
	}

	if cfg.AuthHMACSecret != "" || cfg.AuthJWKSURL != "" {
		a.Verifier, err = usertoken.NewVerifier(usertoken.Config{
			HMACSecret: cfg.AuthHMACSecret,
			JWKSURL:    cfg.AuthJWKSURL,
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			HTTPClient: &http.Client{Timeout: 5 * time.Second},
		})
		if err != nil {
			return nil, fmt.Errorf("init token verifier: %w", err)
		}
	}
	ready = true
	return a, nil
}

// StartWorkers consumes ingestion jobs until ctx is cancelled. The returned
// channel closes once every consumer has stopped. Without a queue it is
// already closed.
func (a *App) StartWorkers(ctx context.Context) <-chan struct{} {
	if a.Queue == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	concurrency := a.Config.QueueConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	a.logger.Info("ingest workers starting", "stream", a.Config.QueueName, "concurrency", concurrency)
	return a.Queue.Start(ctx, concurrency, a.Documents.HandleJob)
}

// Close releases components in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newObjectStore(ctx context.Context, cfg config.FileConfig) (storage.ObjectStore, error) {
	switch cfg.StorageBackend {
	case "minio":
		s, err := storage.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init minio: %w", err)
		}
		return s, nil
	default:
		s, err := storage.NewFileStore(cfg.FileStoreDir)
		if err != nil {
			return nil, fmt.Errorf("init file store: %w", err)
		}
		return s, nil
	}
}

func (a *App) newIndex(ctx context.Context, cfg config.FileConfig) (vectorindex.Index, error) {
	switch cfg.VectorBackend {
	case "weaviate":
		return vectorindex.NewWeaviateIndex(ctx, vectorindex.WeaviateConfig{
			Scheme:    cfg.WeaviateScheme,
			Host:      cfg.WeaviateHost,
			APIKey:    cfg.WeaviateAPIKey,
			ClassName: cfg.WeaviateClass,
		})
	case "memory":
		a.logger.Warn("using in-memory vector index; chunks are lost on restart")
		return vectorindex.NewMemoryIndex(), nil
	default:
		if !a.Store.Postgres() {
			return nil, errors.New("vectorBackend=pgvector needs a postgres databaseURL")
		}
		return vectorindex.NewPgvectorIndex(a.Store.DB(), cfg.EmbeddingDim)
	}
}

func newEmbedder(cfg config.FileConfig) (ai.Embedder, error) {
	switch strings.ToLower(cfg.EmbeddingProvider) {
	case "ollama":
		if cfg.EmbeddingDim <= 0 {
			return nil, fmt.Errorf("embedding dim required for ollama")
		}
		return ai.NewOllamaEmbedder(ai.NewOllamaClient(cfg.EmbeddingBaseURL), cfg.EmbeddingModel, cfg.EmbeddingDim), nil
	case "gemini":
		client, err := ai.NewGeminiClient(cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		return ai.NewGeminiEmbedder(client, cfg.EmbeddingModel), nil
	case "openai":
		return ai.NewLangChainProvider(ai.LangChainConfig{
			BaseURL:        cfg.EmbeddingBaseURL,
			Token:          cfg.OpenAIAPIKey,
			EmbeddingModel: cfg.EmbeddingModel,
		})
	case "hash":
		return ai.NewHashEmbedder(cfg.EmbeddingDim), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.EmbeddingProvider)
	}
}

func newGenerator(cfg config.FileConfig) (ai.Generator, error) {
	switch strings.ToLower(cfg.GenerationProvider) {
	case "ollama":
		return ai.NewOllamaGenerator(ai.NewOllamaClient(cfg.GenerationBaseURL), cfg.GenerationModel), nil
	case "openai-compat":
		return ai.NewOpenAICompatGenerator(cfg.GenerationBaseURL, cfg.OpenAIAPIKey, cfg.GenerationModel), nil
	case "gemini":
		client, err := ai.NewGeminiClient(cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		return ai.NewGeminiGenerator(client, cfg.GenerationModel), nil
	case "openai":
		return ai.NewLangChainProvider(ai.LangChainConfig{
			BaseURL: cfg.GenerationBaseURL,
			Token:   cfg.OpenAIAPIKey,
			Model:   cfg.GenerationModel,
		})
	default:
		return nil, fmt.Errorf("unknown generation provider: %s", cfg.GenerationProvider)
	}
}
