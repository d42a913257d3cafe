package ai

import "context"

// GeminiGenerator wraps GeminiClient with a fixed model for text generation.
type GeminiGenerator struct {
	client *GeminiClient
	model  string
}

// NewGeminiGenerator builds a Gemini-based Generator.
func NewGeminiGenerator(client *GeminiClient, model string) *GeminiGenerator {
	return &GeminiGenerator{client: client, model: model}
}

// StreamText implements Generator using Gemini.
func (g *GeminiGenerator) StreamText(ctx context.Context, systemPrompt, userPrompt string, onToken TokenFunc) error {
	return g.client.StreamText(ctx, g.model, systemPrompt, userPrompt, onToken)
}
