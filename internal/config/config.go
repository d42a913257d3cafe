// Package config loads groundchat settings from YAML, a .env file and the
// environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with GROUNDCHAT_CONFIG.
var ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string   `yaml:"port"`
	LogLevel       string   `yaml:"logLevel"`
	LogsDir        string   `yaml:"logsDir"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	DatabaseURL    string   `yaml:"databaseURL"`

	// AuthDisabled trusts the X-User-ID header. Development only.
	AuthDisabled   bool   `yaml:"authDisabled"`
	AuthHMACSecret string `yaml:"authHmacSecret"`
	AuthJWKSURL    string `yaml:"authJwksURL"`
	AuthIssuer     string `yaml:"authIssuer"`
	AuthAudience   string `yaml:"authAudience"`

	StorageBackend string `yaml:"storageBackend"`
	FileStoreDir   string `yaml:"fileStoreDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	VectorBackend  string `yaml:"vectorBackend"`
	WeaviateScheme string `yaml:"weaviateScheme"`
	WeaviateHost   string `yaml:"weaviateHost"`
	WeaviateAPIKey string `yaml:"weaviateAPIKey"`
	WeaviateClass  string `yaml:"weaviateClass"`

	GeminiAPIKey         string `yaml:"geminiAPIKey"`
	OpenAIAPIKey         string `yaml:"openaiAPIKey"`
	EmbeddingProvider    string `yaml:"embeddingProvider"`
	EmbeddingBaseURL     string `yaml:"embeddingBaseURL"`
	EmbeddingModel       string `yaml:"embeddingModel"`
	EmbeddingDim         int    `yaml:"embeddingDim"`
	EmbeddingBatchSize   int    `yaml:"embeddingBatchSize"`
	EmbeddingConcurrency int    `yaml:"embeddingConcurrency"`
	GenerationProvider   string `yaml:"generationProvider"`
	GenerationBaseURL    string `yaml:"generationBaseURL"`
	GenerationModel      string `yaml:"generationModel"`

	ChunkSize      int  `yaml:"chunkSize"`
	ChunkOverlap   int  `yaml:"chunkOverlap"`
	UsePdftotext   bool `yaml:"usePdftotext"`
	ExtractWorkers int  `yaml:"extractWorkers"`

	TopK                     int    `yaml:"topK"`
	HistorySize              int    `yaml:"historySize"`
	SystemPrompt             string `yaml:"systemPrompt"`
	RequireContext           bool   `yaml:"requireContext"`
	QueryTimeoutSeconds      int    `yaml:"queryTimeoutSeconds"`
	WriteTimeoutSeconds      int    `yaml:"writeTimeoutSeconds"`
	GenerationTimeoutSeconds int    `yaml:"generationTimeoutSeconds"`

	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	ChatLockTTLSeconds     int    `yaml:"chatLockTTLSeconds"`
	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`
	IngestTimeoutSeconds   int    `yaml:"ingestTimeoutSeconds"`
	RateLimitPerMinute     int    `yaml:"rateLimitPerMinute"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`
}

// Load reads config from path (defaults to GROUNDCHAT_CONFIG or config.yaml).
// A .env file in the working directory is loaded first when present; it
// never overrides variables already set in the environment.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv("GROUNDCHAT_CONFIG")
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Override with environment variables
func applyEnv(cfg *FileConfig) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogsDir, "LOGS_DIR")
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setBool(&cfg.AuthDisabled, "AUTH_DISABLED")
	setString(&cfg.AuthHMACSecret, "AUTH_HMAC_SECRET")
	setString(&cfg.AuthJWKSURL, "AUTH_JWKS_URL")
	setString(&cfg.StorageBackend, "STORAGE_BACKEND")
	setString(&cfg.FileStoreDir, "FILE_STORE_DIR")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	setString(&cfg.VectorBackend, "VECTOR_BACKEND")
	setString(&cfg.WeaviateHost, "WEAVIATE_HOST")
	setString(&cfg.WeaviateAPIKey, "WEAVIATE_API_KEY")
	setString(&cfg.GeminiAPIKey, "GEMINI_API_KEY")
	setString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.EmbeddingProvider, "EMBEDDING_PROVIDER")
	setString(&cfg.EmbeddingBaseURL, "EMBEDDING_BASE_URL")
	setString(&cfg.EmbeddingModel, "EMBEDDING_MODEL")
	setInt(&cfg.EmbeddingDim, "EMBEDDING_DIM")
	setString(&cfg.GenerationProvider, "GENERATION_PROVIDER")
	setString(&cfg.GenerationBaseURL, "GENERATION_BASE_URL")
	setString(&cfg.GenerationModel, "GENERATION_MODEL")
	setInt(&cfg.ChunkSize, "CHUNK_SIZE")
	setInt(&cfg.ChunkOverlap, "CHUNK_OVERLAP")
	setInt(&cfg.TopK, "TOP_K")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.QueueName, "INGEST_QUEUE_NAME")
	setInt(&cfg.QueueConcurrency, "INGEST_QUEUE_CONCURRENCY")
	setInt(&cfg.QueueMaxRetries, "INGEST_QUEUE_MAX_RETRIES")
	setInt(&cfg.IngestTimeoutSeconds, "INGEST_TIMEOUT_SECONDS")
	setInt(&cfg.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE")
	setString(&cfg.AMQPURL, "AMQP_URL")
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "file"
	}
	if cfg.FileStoreDir == "" {
		cfg.FileStoreDir = "data/blobs"
	}
	if cfg.VectorBackend == "" {
		cfg.VectorBackend = "pgvector"
	}
	if cfg.EmbeddingProvider == "" {
		cfg.EmbeddingProvider = "ollama"
	}
	if cfg.GenerationProvider == "" {
		cfg.GenerationProvider = cfg.EmbeddingProvider
	}
	if cfg.ChunkSize == 0 && cfg.ChunkOverlap == 0 {
		cfg.ChunkSize, cfg.ChunkOverlap = 512, 20
	}
	if cfg.TopK == 0 {
		cfg.TopK = 4
	}
	if cfg.IngestTimeoutSeconds == 0 {
		cfg.IngestTimeoutSeconds = 600
	}
	if cfg.QueueMaxRetries == 0 {
		cfg.QueueMaxRetries = 3
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if !cfg.AuthDisabled && cfg.AuthHMACSecret == "" && cfg.AuthJWKSURL == "" {
		return errors.New("config: authHmacSecret or authJwksURL is required unless authDisabled=true")
	}
	switch cfg.StorageBackend {
	case "file":
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for storageBackend=minio")
		}
	default:
		return fmt.Errorf("config: unknown storageBackend %q", cfg.StorageBackend)
	}
	switch cfg.VectorBackend {
	case "pgvector":
		if cfg.EmbeddingDim <= 0 {
			return errors.New("config: embeddingDim is required for vectorBackend=pgvector")
		}
	case "weaviate":
		if cfg.WeaviateHost == "" {
			return errors.New("config: weaviateHost is required for vectorBackend=weaviate")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown vectorBackend %q", cfg.VectorBackend)
	}
	switch cfg.EmbeddingProvider {
	case "ollama", "hash":
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return errors.New("config: geminiAPIKey is required (set in config.yaml or GEMINI_API_KEY)")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return errors.New("config: openaiAPIKey is required (set in config.yaml or OPENAI_API_KEY)")
		}
	default:
		return fmt.Errorf("config: unknown embeddingProvider %q", cfg.EmbeddingProvider)
	}
	if cfg.EmbeddingProvider != "hash" && cfg.EmbeddingModel == "" {
		return errors.New("config: embeddingModel is required (set in config.yaml)")
	}
	switch cfg.GenerationProvider {
	case "ollama", "openai-compat":
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return errors.New("config: geminiAPIKey is required (set in config.yaml or GEMINI_API_KEY)")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return errors.New("config: openaiAPIKey is required (set in config.yaml or OPENAI_API_KEY)")
		}
	default:
		return fmt.Errorf("config: unknown generationProvider %q", cfg.GenerationProvider)
	}
	if cfg.GenerationModel == "" {
		return errors.New("config: generationModel is required (set in config.yaml)")
	}
	if cfg.ChunkSize <= 0 {
		return errors.New("config: chunkSize must be > 0 (set in config.yaml or CHUNK_SIZE)")
	}
	if cfg.ChunkOverlap < 0 {
		return errors.New("config: chunkOverlap must be >= 0 (set in config.yaml or CHUNK_OVERLAP)")
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return errors.New("config: chunkOverlap must be smaller than chunkSize")
	}
	if cfg.TopK < 0 {
		return errors.New("config: topK must be >= 0")
	}
	if cfg.QueueName != "" && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when queueName is set")
	}
	if cfg.RateLimitPerMinute > 0 && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when rateLimitPerMinute is set")
	}
	return nil
}

// Seconds converts a whole-second setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
