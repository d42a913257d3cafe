package ai

import (
	"context"
	"strings"
)

// TokenFunc receives generated text fragments in order. Returning an error
// stops generation and surfaces that error from StreamText.
type TokenFunc func(token string) error

// Generator streams a completion for a system prompt and user prompt.
// All LLM providers (Gemini, Ollama, OpenAI-compatible, langchaingo) implement it.
type Generator interface {
	StreamText(ctx context.Context, systemPrompt, userPrompt string, onToken TokenFunc) error
}

// GenerateText runs g to completion and returns the concatenated output.
func GenerateText(ctx context.Context, g Generator, systemPrompt, userPrompt string) (string, error) {
	var b strings.Builder
	err := g.StreamText(ctx, systemPrompt, userPrompt, func(token string) error {
		b.WriteString(token)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}
