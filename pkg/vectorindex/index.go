// Package vectorindex stores chunk embeddings and answers nearest-neighbour
// queries over them.
package vectorindex

import (
	"context"
	"math"
)

// Record is one indexed chunk.
type Record struct {
	ID       string
	Vector   []float32
	Text     string
	Metadata map[string]string
}

// Match is a search hit. Score is cosine similarity, higher is closer.
type Match struct {
	Record
	Score float32
}

// Index is the vector store contract used by ingestion and retrieval.
type Index interface {
	// Upsert writes all records as one batch, replacing records with equal IDs.
	Upsert(ctx context.Context, records []Record) error
	// Search returns at most topK records ordered by decreasing similarity.
	Search(ctx context.Context, vector []float32, topK int) ([]Match, error)
	// DeleteByMetadata removes every record whose metadata key equals value
	// and reports how many were removed.
	DeleteByMetadata(ctx context.Context, key, value string) (int, error)
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// the lengths differ or either vector is zero.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
