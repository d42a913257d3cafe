// Package retrieval turns a question into a formatted context block of the
// most similar indexed chunks.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"groundchat/pkg/ai"
	"groundchat/pkg/domain"
	"groundchat/pkg/vectorindex"
)

const DefaultTopK = 4

// NoContext is returned in place of a context block when nothing matched.
const NoContext = "No relevant context was found in the indexed documents."

const (
	chunkSeparator  = "\n\n---\n\n"
	blockTerminator = "\n\n---"
)

type Retriever struct {
	embedder ai.Embedder
	index    vectorindex.Index
	topK     int
}

// New builds a Retriever. topK <= 0 selects DefaultTopK.
func New(embedder ai.Embedder, index vectorindex.Index, topK int) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{embedder: embedder, index: index, topK: topK}
}

// TopK returns the configured default.
func (r *Retriever) TopK() int { return r.topK }

// Retrieve embeds query, fetches the topK nearest chunks and formats them.
// A topK <= 0 uses the configured default.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) (string, error) {
	matches, err := r.Search(ctx, query, topK)
	if err != nil {
		return "", err
	}
	return Format(matches), nil
}

// Search returns the raw matches behind Retrieve.
func (r *Retriever) Search(ctx context.Context, query string, topK int) ([]vectorindex.Match, error) {
	if topK <= 0 {
		topK = r.topK
	}
	vec, err := r.embedder.EmbedText(ctx, query, ai.TaskRetrievalQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", domain.ErrRetrieval, err)
	}
	matches, err := r.index.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", domain.ErrRetrieval, err)
	}
	return matches, nil
}

// Format renders matches as SOURCE blocks separated by horizontal rules.
func Format(matches []vectorindex.Match) string {
	if len(matches) == 0 {
		return NoContext
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		source := m.Metadata[domain.MetaSource]
		if source == "" {
			source = "unknown"
		}
		parts = append(parts, fmt.Sprintf("SOURCE: %s\n\"\"\"\n%s\n\"\"\"", source, m.Text))
	}
	return strings.Join(parts, chunkSeparator) + blockTerminator
}
