package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// OllamaGenerator streams completions from the Ollama /api/chat endpoint.
type OllamaGenerator struct {
	client *OllamaClient
	model  string
}

// NewOllamaGenerator builds an Ollama-based Generator.
func NewOllamaGenerator(client *OllamaClient, model string) *OllamaGenerator {
	return &OllamaGenerator{client: client, model: model}
}

// StreamText implements Generator. Ollama answers with one JSON object per
// line until an object with done=true.
func (g *OllamaGenerator) StreamText(ctx context.Context, systemPrompt, userPrompt string, onToken TokenFunc) error {
	model := strings.TrimSpace(g.model)
	if model == "" {
		return fmt.Errorf("ollama generation model required")
	}
	messages := make([]ollamaChatMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, ollamaChatMessage{Role: "user", Content: userPrompt})

	resp, err := g.client.post(ctx, "/api/chat", ollamaChatRequest{Model: model, Messages: messages, Stream: true})
	if err != nil {
		return fmt.Errorf("ollama generate: %w", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return fmt.Errorf("ollama decode stream: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama api error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			if err := onToken(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ollama read stream: %w", err)
	}
	return fmt.Errorf("ollama stream ended before completion")
}

// Ollama /api/chat request/response types.

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error,omitempty"`
}
