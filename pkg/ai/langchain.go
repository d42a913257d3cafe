package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangChainConfig configures the langchaingo OpenAI backend. BaseURL may point
// at any OpenAI-compatible host; Token may be "none" for local services.
type LangChainConfig struct {
	BaseURL        string
	Token          string
	Model          string
	EmbeddingModel string
}

// LangChainProvider serves both Embedder and Generator through langchaingo.
type LangChainProvider struct {
	llm      *openai.LLM
	embedder *embeddings.EmbedderImpl
	logger   *slog.Logger
}

func NewLangChainProvider(cfg LangChainConfig) (*LangChainProvider, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		token = "none"
	}
	opts := []openai.Option{openai.WithToken(token)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.EmbeddingModel != "" {
		opts = append(opts, openai.WithEmbeddingModel(cfg.EmbeddingModel))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain openai: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("langchain embedder: %w", err)
	}
	return &LangChainProvider{
		llm:      llm,
		embedder: embedder,
		logger:   slog.Default().With("component", "langchain"),
	}, nil
}

func (p *LangChainProvider) EmbedText(ctx context.Context, text, taskType string) ([]float32, error) {
	if taskType == TaskRetrievalQuery {
		return p.embedder.EmbedQuery(ctx, text)
	}
	vecs, err := p.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("langchain embedder returned no vectors")
	}
	return vecs[0], nil
}

func (p *LangChainProvider) EmbedTexts(ctx context.Context, texts []string, _ string) ([][]float32, error) {
	p.logger.Debug("embedding batch", "count", len(texts))
	return p.embedder.EmbedDocuments(ctx, texts)
}

func (p *LangChainProvider) StreamText(ctx context.Context, systemPrompt, userPrompt string, onToken TokenFunc) error {
	content := make([]llms.MessageContent, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	}
	content = append(content, llms.TextParts(llms.ChatMessageTypeHuman, userPrompt))
	_, err := p.llm.GenerateContent(ctx, content,
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return onToken(string(chunk))
		}),
	)
	return err
}
